package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// ProtocolVersion is the version advertised in local identity packets.
	ProtocolVersion = 7
	// MinSecureVersion is the lowest peer version that upgrades to TLS.
	MinSecureVersion = 6

	// TypeIdentity is the handshake and discovery packet type.
	TypeIdentity = "kdeconnect.identity"
)

var (
	// ErrInvalidIdentity indicates an identity packet with missing or malformed fields.
	ErrInvalidIdentity = errors.New("protocol: invalid identity")
	// ErrMissingTCPPort indicates an identity broadcast without a usable tcpPort.
	ErrMissingTCPPort = errors.New("protocol: identity has no tcpPort")
	// ErrInvalidProtocolVersion indicates an identity without a positive protocolVersion.
	ErrInvalidProtocolVersion = errors.New("protocol: invalid protocolVersion")
)

// DeviceType is the coarse device class advertised in identity packets.
type DeviceType string

const (
	DeviceTypeUnknown DeviceType = "unknown"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeLaptop  DeviceType = "laptop"
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
)

// ParseDeviceType maps unrecognized values to DeviceTypeUnknown.
func ParseDeviceType(value string) DeviceType {
	switch DeviceType(strings.ToLower(strings.TrimSpace(value))) {
	case DeviceTypeDesktop:
		return DeviceTypeDesktop
	case DeviceTypeLaptop:
		return DeviceTypeLaptop
	case DeviceTypePhone:
		return DeviceTypePhone
	case DeviceTypeTablet:
		return DeviceTypeTablet
	default:
		return DeviceTypeUnknown
	}
}

// Identity is the typed body of a kdeconnect.identity packet.
type Identity struct {
	DeviceID             string     `json:"deviceId"`
	DeviceName           string     `json:"deviceName"`
	DeviceType           DeviceType `json:"deviceType"`
	ProtocolVersion      int        `json:"protocolVersion"`
	TCPPort              int        `json:"tcpPort,omitempty"`
	IncomingCapabilities []string   `json:"incomingCapabilities"`
	OutgoingCapabilities []string   `json:"outgoingCapabilities"`
}

// SupportsSecureChannel reports whether the advertised version upgrades to TLS.
func (id Identity) SupportsSecureChannel() bool {
	return id.ProtocolVersion >= MinSecureVersion
}

// RequireTCPPort returns ErrMissingTCPPort unless the identity advertises a
// connectable port.
func (id Identity) RequireTCPPort() error {
	if id.TCPPort <= 0 || id.TCPPort > 65535 {
		return ErrMissingTCPPort
	}
	return nil
}

// WithTCPPort returns a copy announcing port.
func (id Identity) WithTCPPort(port int) Identity {
	id.TCPPort = port
	return id
}

// NewIdentityPacket wraps id into a packet. Capability lists are sorted so
// the encoding is stable.
func NewIdentityPacket(id Identity) (Packet, error) {
	if strings.TrimSpace(id.DeviceID) == "" {
		return Packet{}, fmt.Errorf("%w: missing deviceId", ErrInvalidIdentity)
	}
	if id.ProtocolVersion <= 0 {
		id.ProtocolVersion = ProtocolVersion
	}
	if id.DeviceType == "" {
		id.DeviceType = DeviceTypeUnknown
	}
	id.IncomingCapabilities = sortedCopy(id.IncomingCapabilities)
	id.OutgoingCapabilities = sortedCopy(id.OutgoingCapabilities)
	return New(TypeIdentity, id)
}

type wireIdentity struct {
	DeviceID             *string  `json:"deviceId"`
	DeviceName           *string  `json:"deviceName"`
	DeviceType           *string  `json:"deviceType"`
	ProtocolVersion      *int     `json:"protocolVersion"`
	TCPPort              *int     `json:"tcpPort"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
}

// Identity decodes and validates the identity body. deviceId and
// protocolVersion are mandatory; the name falls back to the id.
func (p Packet) Identity() (Identity, error) {
	if p.Type != TypeIdentity {
		return Identity{}, fmt.Errorf("%w: expected %s, got %s", ErrWrongType, TypeIdentity, p.Type)
	}

	var wire wireIdentity
	if err := p.DecodeBody(&wire); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if wire.DeviceID == nil || strings.TrimSpace(*wire.DeviceID) == "" {
		return Identity{}, fmt.Errorf("%w: missing deviceId", ErrInvalidIdentity)
	}
	if wire.ProtocolVersion == nil || *wire.ProtocolVersion <= 0 {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidIdentity, ErrInvalidProtocolVersion)
	}

	id := Identity{
		DeviceID:             strings.TrimSpace(*wire.DeviceID),
		ProtocolVersion:      *wire.ProtocolVersion,
		DeviceType:           DeviceTypeUnknown,
		IncomingCapabilities: sortedCopy(wire.IncomingCapabilities),
		OutgoingCapabilities: sortedCopy(wire.OutgoingCapabilities),
	}
	id.DeviceName = id.DeviceID
	if wire.DeviceName != nil && strings.TrimSpace(*wire.DeviceName) != "" {
		id.DeviceName = strings.TrimSpace(*wire.DeviceName)
	}
	if wire.DeviceType != nil {
		id.DeviceType = ParseDeviceType(*wire.DeviceType)
	}
	if wire.TCPPort != nil {
		id.TCPPort = *wire.TCPPort
	}

	return id, nil
}

func sortedCopy(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
