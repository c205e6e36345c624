//go:build linux

package tun

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const tunPath = "/dev/net/tun"

// Device is an open TUN interface carrying raw IP packets.
type Device struct {
	file *os.File
	name string
	mtu  int
}

// Open creates or attaches to the named TUN interface, sets its MTU and
// brings it up.
func Open(name string, mtu int) (*Device, error) {
	fd, err := unix.Open(tunPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", tunPath, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("invalid interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ioctl TUNSETIFF failed for %s: %w", name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	dev := &Device{
		file: os.NewFile(uintptr(fd), tunPath),
		name: ifr.Name(),
		mtu:  mtu,
	}

	if err := configureLink(dev.name, mtu); err != nil {
		dev.Close()
		return nil, err
	}

	return dev, nil
}

// FromFD wraps a TUN descriptor inherited from a parent process. The
// interface is expected to be configured already.
func FromFD(fd int, mtu int) (*Device, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid tun descriptor %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock on fd %d: %w", fd, err)
	}

	dev := &Device{
		file: os.NewFile(uintptr(fd), fmt.Sprintf("tun-fd-%d", fd)),
		mtu:  mtu,
	}

	ifr, err := unix.NewIfreq("")
	if err == nil && unix.IoctlIfreq(fd, unix.TUNGETIFF, ifr) == nil {
		dev.name = ifr.Name()
	}

	return dev, nil
}

// configureLink sets the MTU and raises IFF_UP.
func configureLink(name string, mtu int) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}

	if mtu > 0 {
		ifr.SetUint32(uint32(mtu))
		if err := unix.IoctlIfreq(sock, unix.SIOCSIFMTU, ifr); err != nil {
			return fmt.Errorf("set mtu %d on %s: %w", mtu, name, err)
		}
	}

	if err := unix.IoctlIfreq(sock, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("get flags of %s: %w", name, err)
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(sock, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("bring %s up: %w", name, err)
	}

	return nil
}

// Read reads one IP packet.
func (d *Device) Read(p []byte) (int, error) {
	return d.file.Read(p)
}

// Write writes one IP packet.
func (d *Device) Write(p []byte) (int, error) {
	return d.file.Write(p)
}

// Close closes the device. A pending Read returns an error.
func (d *Device) Close() error {
	return d.file.Close()
}

// Name returns the interface name, empty if it could not be determined.
func (d *Device) Name() string {
	return d.name
}

// MTU returns the configured MTU.
func (d *Device) MTU() int {
	return d.mtu
}
