package network

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
)

func TestListenSkipsBusyPorts(t *testing.T) {
	identity := testIdentity(t, "device_a")

	first, err := Listen(context.Background(), ListenOptions{
		Host:       "127.0.0.1",
		Connection: Options{Identity: identity},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() { _ = first.Close() }()

	second, err := Listen(context.Background(), ListenOptions{
		Host:       "127.0.0.1",
		MinPort:    int(first.Port()),
		MaxPort:    DefaultMaxPort,
		Connection: Options{Identity: identity},
	})
	if err != nil {
		t.Fatalf("second Listen failed: %v", err)
	}
	defer func() { _ = second.Close() }()

	if second.Port() <= first.Port() {
		t.Fatalf("second port %d should follow %d", second.Port(), first.Port())
	}
	if first.Port() < DefaultMinPort || second.Port() > DefaultMaxPort {
		t.Fatalf("ports %d/%d outside default range", first.Port(), second.Port())
	}
}

func TestListenFailsWhenRangeExhausted(t *testing.T) {
	identity := testIdentity(t, "device_a")
	first, err := Listen(context.Background(), ListenOptions{
		Host:       "127.0.0.1",
		Connection: Options{Identity: identity},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() { _ = first.Close() }()

	port := int(first.Port())
	_, err = Listen(context.Background(), ListenOptions{
		Host:       "127.0.0.1",
		MinPort:    port,
		MaxPort:    port,
		Connection: Options{Identity: identity},
	})
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Fatalf("err = %v, want ErrNoPortAvailable", err)
	}
}

func TestListenRequiresIdentity(t *testing.T) {
	if _, err := Listen(context.Background(), ListenOptions{Host: "127.0.0.1"}); !errors.Is(err, ErrNoLocalIdentity) {
		t.Fatalf("err = %v, want ErrNoLocalIdentity", err)
	}
}

func TestAddressEquality(t *testing.T) {
	a := NewAddress(netip.MustParseAddr("192.168.1.10"), 1716)
	mapped := NewAddress(netip.MustParseAddr("::ffff:192.168.1.10"), 1716)
	if !a.Equal(mapped) || a != mapped {
		t.Fatalf("IPv4-mapped address should equal plain IPv4")
	}
	if a.Family() != FamilyIPv4 {
		t.Fatalf("family = %d", a.Family())
	}
	if a.Equal(a.WithPort(1717)) {
		t.Fatalf("different ports must not be equal")
	}

	seen := map[Address]int{a: 1}
	if seen[mapped] != 1 {
		t.Fatalf("Address should work as a map key")
	}

	v6, err := ParseAddress("[fe80::1]:1764")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	if v6.Family() != FamilyIPv6 || v6.Port() != 1764 || len(v6.Bytes()) != 1+16+2 {
		t.Fatalf("unexpected IPv6 address %s (%d bytes)", v6, len(v6.Bytes()))
	}

	fromNet, err := AddressFromNet(&net.UDPAddr{IP: net.ParseIP("192.168.1.10"), Port: 1716})
	if err != nil {
		t.Fatalf("AddressFromNet failed: %v", err)
	}
	if !fromNet.Equal(a) || fromNet.String() != "192.168.1.10:1716" {
		t.Fatalf("AddressFromNet = %s", fromNet)
	}
	if fromNet.TCPAddr().String() != "192.168.1.10:1716" {
		t.Fatalf("TCPAddr = %s", fromNet.TCPAddr())
	}

	if _, err := ParseAddress("not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("ParseAddress err = %v", err)
	}
}
