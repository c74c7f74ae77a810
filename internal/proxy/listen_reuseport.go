//go:build linux || darwin || freebsd || openbsd

package proxy

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePortSupported is true where SO_REUSEPORT can be set.
const ReusePortSupported = true

func reusePortControl(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
