//go:build !(linux || darwin || freebsd || openbsd)

package proxy

import (
	"errors"
	"syscall"
)

// ReusePortSupported is true where SO_REUSEPORT can be set.
const ReusePortSupported = false

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return errors.New("SO_REUSEPORT is not supported on this platform")
}
