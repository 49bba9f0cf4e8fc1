//go:build linux

package main

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// portLock is an advisory flock on the device node. It keeps a second motorlink (or
// anything else that honors flock, like ModemManager) off the controller's port.
type portLock struct {
	fd int
}

func acquirePortLock(device string) (*portLock, error) {
	fd, err := unix.Open(device, unix.O_RDONLY|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s for lock: %w", device, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s is locked by another process", device)
		}
		return nil, fmt.Errorf("lock %s: %w", device, err)
	}
	return &portLock{fd: fd}, nil
}

func (l *portLock) Release() error {
	if l == nil || l.fd < 0 {
		return nil
	}
	_ = unix.Flock(l.fd, unix.LOCK_UN)
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}
