//go:build !windows

package announce

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketBroadcast sets SO_BROADCAST so the announcer may send to subnet
// and limited broadcast addresses. Unix implementation.
func setSocketBroadcast(network, address string, c syscall.RawConn) error {
	var setSockOptErr error
	err := c.Control(func(fd uintptr) {
		setSockOptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return setSockOptErr
}

// setSocketReuseAddr lets several listeners share a broadcast port on one
// host, which happens when multiple peers run locally with distinct ids.
func setSocketReuseAddr(network, address string, c syscall.RawConn) error {
	var setSockOptErr error
	err := c.Control(func(fd uintptr) {
		setSockOptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return setSockOptErr
}
