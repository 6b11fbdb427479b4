//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// Interface helpers toggle IFF_UP via SIOCGIFFLAGS/SIOCSIFFLAGS on a datagram
// socket. Changing flags requires CAP_NET_ADMIN; without it the calls fail
// with EPERM.

func withIfreq(name string, fn func(fd int, ifr *unix.Ifreq) error) error {
	if len(name) == 0 || len(name) >= unix.IFNAMSIZ {
		return fmt.Errorf("canbus: invalid interface name %q", name)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("canbus: invalid interface name %q: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return fn(fd, ifr)
}

func interfaceFlags(name string) (uint16, error) {
	var flags uint16
	err := withIfreq(name, func(fd int, ifr *unix.Ifreq) error {
		if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
			return err
		}
		flags = ifr.Uint16()
		return nil
	})
	return flags, err
}

func setInterfaceFlags(name string, flags uint16) error {
	return withIfreq(name, func(fd int, ifr *unix.Ifreq) error {
		ifr.SetUint16(flags)
		return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
	})
}

// IsInterfaceUp reports whether the interface has IFF_UP set.
func IsInterfaceUp(name string) (bool, error) {
	flags, err := interfaceFlags(name)
	if err != nil {
		return false, err
	}
	return flags&unix.IFF_UP != 0, nil
}

// SetInterfaceUp sets IFF_UP on the given interface.
func SetInterfaceUp(name string) error {
	flags, err := interfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP != 0 {
		return nil
	}
	return RequireCapNetAdmin(setInterfaceFlags(name, flags|unix.IFF_UP))
}

// SetInterfaceDown clears IFF_UP on the given interface.
func SetInterfaceDown(name string) error {
	flags, err := interfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP == 0 {
		return nil
	}
	return RequireCapNetAdmin(setInterfaceFlags(name, flags&^unix.IFF_UP))
}

// RequireCapNetAdmin maps EPERM to an error that names the missing capability.
func RequireCapNetAdmin(err error) error {
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}

// ConfigureBitrate sets the arbitration bitrate of a CAN interface through
// iproute2. The interface must be down.
func ConfigureBitrate(name string, bitrate uint32) error {
	if len(name) == 0 || len(name) >= unix.IFNAMSIZ {
		return fmt.Errorf("canbus: invalid interface name %q", name)
	}
	cmd := exec.Command("ip", "link", "set", "dev", name, "type", "can", "bitrate", strconv.FormatUint(uint64(bitrate), 10))
	if out, err := cmd.CombinedOutput(); err != nil {
		return RequireCapNetAdmin(fmt.Errorf("ip link set type can failed: %w; output: %s", err, out))
	}
	return nil
}
