package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrFragmentedDatagram is returned when a fragmented UDP datagram is received.
	// Fragmentation is not supported.
	ErrFragmentedDatagram = errors.New("fragmented datagrams not supported")

	// ErrDomainAddress is returned when a relayed datagram carries a domain
	// name where an IP address is required.
	ErrDomainAddress = errors.New("domain address in relayed datagram")
)

// UDPHeader represents the SOCKS5 UDP request header.
// RFC 1928 Section 7.
type UDPHeader struct {
	Frag     byte       // Fragment number (0 = no fragmentation)
	AddrType byte       // Address type
	Addr     netip.Addr // Destination IP (invalid for domain)
	Domain   string     // Destination domain (empty for IP)
	Port     uint16     // Destination port
}

// AddrPort returns the header address as an AddrPort. Domain headers have no
// IP and return ErrDomainAddress.
func (h *UDPHeader) AddrPort() (netip.AddrPort, error) {
	if h.AddrType == AddrTypeDomain {
		return netip.AddrPort{}, ErrDomainAddress
	}
	return netip.AddrPortFrom(h.Addr, h.Port), nil
}

// ParseUDPHeader parses a SOCKS5 UDP header from a datagram.
// Returns the header and the payload data.
//
// UDP Request Header:
// +----+------+------+----------+----------+----------+
// |RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
// +----+------+------+----------+----------+----------+
// | 2  |  1   |  1   | Variable |    2     | Variable |
// +----+------+------+----------+----------+----------+
func ParseUDPHeader(data []byte) (*UDPHeader, []byte, error) {
	if len(data) < 10 { // RSV(2) + FRAG(1) + ATYP(1) + IPv4(4) + PORT(2)
		return nil, nil, errors.New("datagram too short")
	}

	frag := data[2]
	if frag != 0 {
		return nil, nil, ErrFragmentedDatagram
	}

	header := &UDPHeader{
		Frag:     frag,
		AddrType: data[3],
	}

	offset := 4

	switch header.AddrType {
	case AddrTypeIPv4:
		header.Addr = netip.AddrFrom4([4]byte(data[offset : offset+4]))
		offset += 4

	case AddrTypeDomain:
		domainLen := int(data[offset])
		offset++
		if len(data) < offset+domainLen+2 {
			return nil, nil, errors.New("datagram too short for domain")
		}
		header.Domain = string(data[offset : offset+domainLen])
		offset += domainLen

	case AddrTypeIPv6:
		if len(data) < offset+16+2 {
			return nil, nil, errors.New("datagram too short for IPv6")
		}
		header.Addr = netip.AddrFrom16([16]byte(data[offset : offset+16]))
		offset += 16

	default:
		return nil, nil, fmt.Errorf("unsupported address type: %d", header.AddrType)
	}

	header.Port = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	return header, data[offset:], nil
}

// BuildUDPHeader creates a SOCKS5 UDP header from a raw address. For
// AddrTypeDomain, addr must include the leading length byte.
func BuildUDPHeader(addrType byte, addr []byte, port uint16) []byte {
	// RSV(2) + FRAG(1) + ATYP(1) + ADDR(var) + PORT(2)
	header := make([]byte, 4+len(addr)+2)
	header[3] = addrType
	copy(header[4:], addr)
	binary.BigEndian.PutUint16(header[4+len(addr):], port)
	return header
}

// AppendUDPHeader appends the UDP request header for addr to dst.
// IPv4 and v4-mapped addresses are encoded as AddrTypeIPv4.
func AppendUDPHeader(dst []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr()
	dst = append(dst, 0, 0, 0) // RSV + FRAG

	if ip.Is4() || ip.Is4In6() {
		a := ip.Unmap().As4()
		dst = append(dst, AddrTypeIPv4)
		dst = append(dst, a[:]...)
	} else {
		a := ip.As16()
		dst = append(dst, AddrTypeIPv6)
		dst = append(dst, a[:]...)
	}

	return binary.BigEndian.AppendUint16(dst, addr.Port())
}
