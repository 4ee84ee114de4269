// Package testutil builds package archives for tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

// Member is one zip entry
type Member struct {
	Name    string
	Content string
	Mode    os.FileMode
}

// File is a regular file member
func File(name, content string) Member {
	return Member{Name: name, Content: content, Mode: 0644}
}

// Exec is an executable file member
func Exec(name, content string) Member {
	return Member{Name: name, Content: content, Mode: 0755}
}

// Dir is a directory member; name should end in "/"
func Dir(name string) Member {
	return Member{Name: name, Mode: os.ModeDir | 0755}
}

// Link is a symbolic link member pointing at target
func Link(name, target string) Member {
	return Member{Name: name, Content: target, Mode: os.ModeSymlink | 0777}
}

// Zip writes members in order to dir/name and returns the archive's path.
func Zip(t testing.TB, dir, name string, members ...Member) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for _, m := range members {
		hdr := &zip.FileHeader{Name: m.Name, Method: zip.Deflate}
		hdr.SetMode(m.Mode)
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("failed to add %s: %v", m.Name, err)
		}
		if m.Content != "" {
			if _, err := fw.Write([]byte(m.Content)); err != nil {
				t.Fatalf("failed to write %s: %v", m.Name, err)
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to finish archive: %v", err)
	}
	return p
}

// Unit returns a service unit that passes validation and starts exe.
func Unit(exe string) string {
	return `[Unit]
Description=Test service
After=network.target

[Service]
ExecStart=` + exe + ` --verbose
Type=simple
User=root
WorkingDirectory=.
Restart=always
RestartSec=1

[Install]
WantedBy=multi-user.target
`
}
