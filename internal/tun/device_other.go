//go:build !linux

package tun

// Device is an open TUN interface carrying raw IP packets.
type Device struct {
	name string
	mtu  int
}

// Open is not supported on this platform.
func Open(name string, mtu int) (*Device, error) {
	return nil, ErrUnsupported
}

// FromFD is not supported on this platform.
func FromFD(fd int, mtu int) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) Read(p []byte) (int, error)  { return 0, ErrUnsupported }
func (d *Device) Write(p []byte) (int, error) { return 0, ErrUnsupported }
func (d *Device) Close() error                { return nil }
func (d *Device) Name() string                { return d.name }
func (d *Device) MTU() int                    { return d.mtu }
