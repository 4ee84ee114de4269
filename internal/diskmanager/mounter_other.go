//go:build !linux

package diskmanager

import (
	"errors"

	"github.com/sirupsen/logrus"
)

var errUnsupported = errors.New("mounting image partitions is only supported on Linux")

func newLoopbackMounterPlatform(log logrus.FieldLogger) (Mounter, error) {
	return nil, errUnsupported
}

func newUDisksMounterPlatform(log logrus.FieldLogger) (Mounter, error) {
	return nil, errUnsupported
}
