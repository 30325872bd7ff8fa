// Package device keeps the authoritative set of known peers. A Registry
// owns every Device and its connection and pairing state, and mutates them
// only on its own event loop goroutine.
package device

import (
	"crypto/x509"
	"errors"
	"slices"
	"time"

	"peerlink/network"
	"peerlink/pairing"
	"peerlink/protocol"
	"peerlink/trust"
)

const maxAddresses = 8

var (
	// ErrUnknownDevice indicates an id the registry has never seen.
	ErrUnknownDevice = errors.New("device: unknown device")
	// ErrStopped indicates a call made after the registry loop exited.
	ErrStopped = errors.New("device: registry stopped")
	// ErrAlreadyRunning indicates a second Run on one registry.
	ErrAlreadyRunning = errors.New("device: registry already running")
	// ErrInsecureChannel is the trust error raised when a paired device
	// connects without TLS: its pinned certificate cannot be checked.
	ErrInsecureChannel = errors.New("device: paired device connected without a secure channel")
)

// Info is a read-only snapshot of one device.
type Info struct {
	ID              string
	Name            string
	Type            protocol.DeviceType
	ProtocolVersion int
	PairingState    pairing.State
	Reachable       bool
	// Secure reports whether the current connection is TLS.
	Secure bool
	// HostFingerprint is the local certificate digest.
	HostFingerprint string
	// PeerFingerprint is the pinned peer certificate; set only when Paired.
	PeerFingerprint string
	// VerificationKey is a short code both users can compare while pairing.
	VerificationKey      string
	Addresses            []network.Address
	IncomingCapabilities []string
	OutgoingCapabilities []string
	PendingRequest       *pairing.Request
}

// Paired is shorthand for PairingState == pairing.StatePaired.
func (i Info) Paired() bool {
	return i.PairingState == pairing.StatePaired
}

// Delegate observes registry changes. Calls run on the registry goroutine,
// so implementations must return quickly and must not call back into
// blocking Registry methods.
type Delegate interface {
	DeviceStateChanged(info Info)
	PairingRequestReceived(info Info, request pairing.Request)
	PairingFailed(info Info, err error)
	// TrustViolation reports a paired device that could not prove its
	// pinned identity. Trust is never repaired automatically.
	TrustViolation(info Info, err error)
}

// DelegateFuncs implements Delegate with optional callbacks.
type DelegateFuncs struct {
	OnDeviceStateChanged     func(info Info)
	OnPairingRequestReceived func(info Info, request pairing.Request)
	OnPairingFailed          func(info Info, err error)
	OnTrustViolation         func(info Info, err error)
}

func (d DelegateFuncs) DeviceStateChanged(info Info) {
	if d.OnDeviceStateChanged != nil {
		d.OnDeviceStateChanged(info)
	}
}

func (d DelegateFuncs) PairingRequestReceived(info Info, request pairing.Request) {
	if d.OnPairingRequestReceived != nil {
		d.OnPairingRequestReceived(info, request)
	}
}

func (d DelegateFuncs) PairingFailed(info Info, err error) {
	if d.OnPairingFailed != nil {
		d.OnPairingFailed(info, err)
	}
}

func (d DelegateFuncs) TrustViolation(info Info, err error) {
	if d.OnTrustViolation != nil {
		d.OnTrustViolation(info, err)
	}
}

// entry is the registry's private record of one device.
type entry struct {
	id       string
	identity protocol.Identity
	// addresses are the last known endpoints, most recent first.
	addresses []network.Address

	link    *link
	pairing *pairing.Machine

	// pending holds packets reclaimed from a closed connection.
	pending []protocol.Packet
	// callbacks are delivery callbacks by packet id; they survive
	// reconnects together with pending.
	callbacks map[int64]func(error)

	// distrustedUntil suppresses dialing and inbound links after a trust
	// violation.
	distrustedUntil time.Time
}

func newEntry(id string) *entry {
	return &entry{
		id:        id,
		identity:  protocol.Identity{DeviceID: id, DeviceName: id, DeviceType: protocol.DeviceTypeUnknown},
		callbacks: make(map[int64]func(error)),
	}
}

// reachable means the current connection finished its upgrade.
func (e *entry) reachable() bool {
	return e.link != nil && e.link.established
}

func (e *entry) peerCertificate() *x509.Certificate {
	if !e.reachable() {
		return nil
	}
	return e.link.conn.PeerCertificate()
}

// observe records metadata from an identity packet.
func (e *entry) observe(identity protocol.Identity) {
	if identity.DeviceName == "" {
		identity.DeviceName = e.identity.DeviceName
	}
	e.identity = identity
}

// merge folds a discovery candidate into the record. Candidates can carry
// less than a handshake identity (mDNS has no capabilities), so fields the
// candidate leaves empty keep their known values.
func (e *entry) merge(identity protocol.Identity) {
	if identity.DeviceName != "" {
		e.identity.DeviceName = identity.DeviceName
	}
	if identity.DeviceType != "" && identity.DeviceType != protocol.DeviceTypeUnknown {
		e.identity.DeviceType = identity.DeviceType
	}
	if identity.ProtocolVersion != 0 {
		e.identity.ProtocolVersion = identity.ProtocolVersion
	}
	if identity.TCPPort != 0 {
		e.identity.TCPPort = identity.TCPPort
	}
	if identity.IncomingCapabilities != nil {
		e.identity.IncomingCapabilities = identity.IncomingCapabilities
	}
	if identity.OutgoingCapabilities != nil {
		e.identity.OutgoingCapabilities = identity.OutgoingCapabilities
	}
}

// distrusted reports whether a recent trust violation still holds off
// reconnection attempts.
func (e *entry) distrusted(now time.Time) bool {
	return now.Before(e.distrustedUntil)
}

func (e *entry) addAddress(addr network.Address) {
	if addr.IsZero() || addr.Port() == 0 {
		return
	}
	e.addresses = slices.DeleteFunc(e.addresses, addr.Equal)
	e.addresses = slices.Insert(e.addresses, 0, addr)
	if len(e.addresses) > maxAddresses {
		e.addresses = e.addresses[:maxAddresses]
	}
}

func (e *entry) info(host *trust.Identity) Info {
	info := Info{
		ID:                   e.id,
		Name:                 e.identity.DeviceName,
		Type:                 e.identity.DeviceType,
		ProtocolVersion:      e.identity.ProtocolVersion,
		PairingState:         e.pairing.State(),
		Reachable:            e.reachable(),
		HostFingerprint:      host.Fingerprint(),
		PeerFingerprint:      e.pairing.PinnedFingerprint(),
		Addresses:            slices.Clone(e.addresses),
		IncomingCapabilities: slices.Clone(e.identity.IncomingCapabilities),
		OutgoingCapabilities: slices.Clone(e.identity.OutgoingCapabilities),
	}
	if e.reachable() {
		info.Secure = e.link.conn.IsSecure()
		info.VerificationKey = trust.VerificationKey(host.Certificate, e.peerCertificate())
	}
	if request, ok := e.pairing.Request(); ok {
		info.PendingRequest = &request
	}
	return info
}
