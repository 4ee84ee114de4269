// Package logging builds the run's logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// FileName is the log file created inside the configured log directory
const FileName = "image_placer.log"

// New returns a logger writing to stderr and, when logDir is set, also
// appending to logDir/image_placer.log. The returned closer releases the
// log file and is never nil.
func New(stderr io.Writer, logDir string, verbose bool) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	log.SetOutput(stderr)

	if logDir == "" {
		return log, io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(stderr, f))
	return log, f, nil
}
