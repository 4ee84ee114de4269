package diskmanager

import (
	"fmt"
	"io"
	"os"
)

// copyContents copies src into dst byte for byte and syncs dst
func copyContents(dst, src *os.File) error {
	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		return fmt.Errorf("failed to copy image: %w", err)
	}
	return dst.Sync()
}
