package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Family tags the IP version of an Address.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

// ErrInvalidAddress indicates an endpoint that cannot be represented.
var ErrInvalidAddress = errors.New("network: invalid address")

// Address is a transport endpoint stored as family, address bytes and
// big-endian port. Two addresses are equal iff those bytes are equal, so
// Address is usable as a map key. IPv4-mapped IPv6 input is stored as IPv4.
type Address struct {
	raw string
}

// NewAddress builds an Address from an IP and port. Zones are dropped.
func NewAddress(ip netip.Addr, port uint16) Address {
	if !ip.IsValid() {
		return Address{}
	}
	ip = ip.Unmap().WithZone("")

	family := FamilyIPv6
	if ip.Is4() {
		family = FamilyIPv4
	}
	ipBytes := ip.AsSlice()

	buf := make([]byte, 0, 1+len(ipBytes)+2)
	buf = append(buf, byte(family))
	buf = append(buf, ipBytes...)
	buf = binary.BigEndian.AppendUint16(buf, port)
	return Address{raw: string(buf)}
}

// AddressFromNet converts a *net.TCPAddr or *net.UDPAddr.
func AddressFromNet(addr net.Addr) (Address, error) {
	var (
		ip   net.IP
		port int
	)
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	default:
		return Address{}, fmt.Errorf("%w: unsupported %T", ErrInvalidAddress, addr)
	}

	parsed, ok := netip.AddrFromSlice(ip)
	if !ok || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, addr)
	}
	return NewAddress(parsed, uint16(port)), nil
}

// ParseAddress parses "host:port" with a literal IP host.
func ParseAddress(s string) (Address, error) {
	addrPort, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return NewAddress(addrPort.Addr(), addrPort.Port()), nil
}

// IsZero reports whether a is the empty Address.
func (a Address) IsZero() bool {
	return a.raw == ""
}

func (a Address) Family() Family {
	if a.IsZero() {
		return 0
	}
	return Family(a.raw[0])
}

func (a Address) IP() netip.Addr {
	if a.IsZero() {
		return netip.Addr{}
	}
	ip, _ := netip.AddrFromSlice([]byte(a.raw[1 : len(a.raw)-2]))
	return ip
}

func (a Address) Port() uint16 {
	if a.IsZero() {
		return 0
	}
	return binary.BigEndian.Uint16([]byte(a.raw[len(a.raw)-2:]))
}

// WithPort returns a copy pointing at port on the same host.
func (a Address) WithPort(port uint16) Address {
	if a.IsZero() {
		return a
	}
	return NewAddress(a.IP(), port)
}

// Bytes returns the canonical encoding.
func (a Address) Bytes() []byte {
	return []byte(a.raw)
}

func (a Address) Equal(b Address) bool {
	return a.raw == b.raw
}

func (a Address) String() string {
	if a.IsZero() {
		return "<none>"
	}
	return netip.AddrPortFrom(a.IP(), a.Port()).String()
}

func (a Address) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(a.IP(), a.Port()))
}

func (a Address) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(a.IP(), a.Port()))
}
