//go:build !linux

package canbus

import "errors"

// ErrUnsupported is returned by the SocketCAN helpers on platforms without
// SocketCAN.
var ErrUnsupported = errors.New("canbus: socketcan is only available on linux")

// DialSocketCAN is only implemented on Linux.
func DialSocketCAN(iface string) (Bus, error) {
	return nil, ErrUnsupported
}

// IsInterfaceUp is only implemented on Linux.
func IsInterfaceUp(name string) (bool, error) {
	return false, ErrUnsupported
}

// SetInterfaceUp is only implemented on Linux.
func SetInterfaceUp(name string) error {
	return ErrUnsupported
}

// SetInterfaceDown is only implemented on Linux.
func SetInterfaceDown(name string) error {
	return ErrUnsupported
}

// ConfigureBitrate is only implemented on Linux.
func ConfigureBitrate(name string, bitrate uint32) error {
	return ErrUnsupported
}
