//go:build !linux

package netio

import (
	"errors"
	"syscall"
)

// errBindToDevice indicates interface binding is only available on Linux.
var errBindToDevice = errors.New("SO_BINDTODEVICE is only supported on linux")

// setSocketOpts only supports unbound sockets outside Linux.
func setSocketOpts(_ syscall.RawConn, ifName string) error {
	if ifName != "" {
		return errBindToDevice
	}
	return nil
}
