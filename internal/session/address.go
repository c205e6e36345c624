package session

import (
	"errors"
	"net/netip"
)

var (
	// ErrUnsupportedFamily is returned when an address is neither IPv4 nor IPv6.
	ErrUnsupportedFamily = errors.New("unsupported address family")

	// ErrFamilyMismatch is returned when an IPv4 reply has to be delivered
	// through an endpoint bound to a native IPv6 address.
	ErrFamilyMismatch = errors.New("address family mismatch")
)

// Address is a family-tagged socket address. IPv4 endpoints hold a 4-byte
// address, IPv6 endpoints a 16-byte one.
type Address = netip.AddrPort

// Family identifies the address family of an Address.
type Family uint8

const (
	// FamilyUnspec is the family of the zero Address.
	FamilyUnspec Family = iota
	// FamilyIPv4 covers plain and v4-mapped IPv4 addresses.
	FamilyIPv4
	// FamilyIPv6 covers every other valid address.
	FamilyIPv6
)

// String returns a human-readable name for the family.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return "UNSPEC"
	}
}

// FamilyOf returns the family tag of addr.
func FamilyOf(addr Address) Family {
	ip := addr.Addr()
	switch {
	case !ip.IsValid():
		return FamilyUnspec
	case ip.Is4(), ip.Is4In6():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

// FrameAddress returns the address stored in a frame queued for the endpoint
// bound to local. IPv4 locals are stored in their 4-byte form.
func FrameAddress(local Address) Address {
	ip := local.Addr()
	if ip.Is4In6() {
		return netip.AddrPortFrom(ip.Unmap(), local.Port())
	}
	return local
}

// TranslateReply maps a reply read from the upstream relay onto the address
// handed to the tunnel side. The reply source only selects the family branch;
// the address and port always come from the endpoint's bound local address.
func TranslateReply(src, local Address) (Address, error) {
	ip := local.Addr()
	if !ip.IsValid() {
		return Address{}, ErrUnsupportedFamily
	}

	switch FamilyOf(src) {
	case FamilyIPv4:
		if !ip.Is4() && !ip.Is4In6() {
			return Address{}, ErrFamilyMismatch
		}
		return netip.AddrPortFrom(netip.AddrFrom4(ip.Unmap().As4()), local.Port()), nil
	case FamilyIPv6:
		return netip.AddrPortFrom(netip.AddrFrom16(ip.As16()), local.Port()), nil
	default:
		return Address{}, ErrUnsupportedFamily
	}
}
