//go:build linux

package diskmanager

import "github.com/sirupsen/logrus"

func newLoopbackMounterPlatform(log logrus.FieldLogger) (Mounter, error) {
	return NewLoopbackMounter(log), nil
}

func newUDisksMounterPlatform(log logrus.FieldLogger) (Mounter, error) {
	m, err := NewUDisksMounter(log)
	if err != nil {
		return nil, err
	}
	return m, nil
}
