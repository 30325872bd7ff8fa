// Package pairing implements the per-device pairing lifecycle.
//
// A Machine is not safe for concurrent use. Its owner calls every method
// from one goroutine, and timer expiry is handed back to that goroutine
// through Config.Post.
package pairing

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"peerlink/protocol"
)

// DefaultTimeout bounds an outstanding pairing request.
const DefaultTimeout = 30 * time.Second

var (
	ErrAlreadyPaired     = errors.New("pairing: already paired")
	ErrRequestPending    = errors.New("pairing: request already pending")
	ErrNoRequest         = errors.New("pairing: no pending request from peer")
	ErrNotPaired         = errors.New("pairing: not paired")
	ErrNotReachable      = errors.New("pairing: device not reachable")
	ErrDeclinedByPeer    = errors.New("pairing: declined by peer")
	ErrCancelledByPeer   = errors.New("pairing: request cancelled by peer")
	ErrTimedOut          = errors.New("pairing: request timed out")
	ErrNoPeerCertificate = errors.New("pairing: peer has no verified certificate")
)

// State is the pairing status of one device.
type State int

const (
	StateUnpaired State = iota
	StateRequestedByLocal
	StateRequestedByPeer
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StateRequestedByLocal:
		return "requested_by_local"
	case StateRequestedByPeer:
		return "requested_by_peer"
	case StatePaired:
		return "paired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Direction tells who started a pairing request.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Request is the single outstanding pairing request of a device.
type Request struct {
	DeviceID  string
	Direction Direction
	Deadline  time.Time
}

// Observer receives pairing events. Calls happen on the owner goroutine.
type Observer interface {
	PairingStateChanged(deviceID string, from, to State)
	// PairingRequested surfaces an incoming request for a user decision.
	PairingRequested(request Request)
	// PairingFailed reports a request that ended without pairing.
	PairingFailed(deviceID string, err error)
}

type nopObserver struct{}

func (nopObserver) PairingStateChanged(string, State, State) {}
func (nopObserver) PairingRequested(Request)                 {}
func (nopObserver) PairingFailed(string, error)              {}

// Config wires a Machine to its device.
type Config struct {
	DeviceID string
	Clock    clock.Clock
	Timeout  time.Duration
	// Post schedules f on the owner goroutine.
	Post func(f func())
	// Send delivers a pair packet and reports whether the device was
	// connected to take it.
	Send     func(packet protocol.Packet) bool
	Observer Observer
}

func (c Config) withDefaults() Config {
	out := c
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Post == nil {
		out.Post = func(f func()) { f() }
	}
	if out.Send == nil {
		out.Send = func(protocol.Packet) bool { return false }
	}
	if out.Observer == nil {
		out.Observer = nopObserver{}
	}
	return out
}

// Machine tracks pairing for one device.
type Machine struct {
	cfg Config

	state   State
	request *Request
	pinned  string

	timer      *clock.Timer
	generation uint64
}

// New returns an Unpaired machine.
func New(config Config) *Machine {
	return &Machine{cfg: config.withDefaults(), state: StateUnpaired}
}

// Restore returns a machine already Paired with the given pinned
// certificate fingerprint.
func Restore(config Config, pinned string) *Machine {
	m := New(config)
	if pinned != "" {
		m.state = StatePaired
		m.pinned = pinned
	}
	return m
}

func (m *Machine) State() State {
	return m.state
}

// PinnedFingerprint is the peer fingerprint recorded when pairing
// succeeded; empty unless Paired.
func (m *Machine) PinnedFingerprint() string {
	return m.pinned
}

// Request returns the outstanding request, if any.
func (m *Machine) Request() (Request, bool) {
	if m.request == nil {
		return Request{}, false
	}
	return *m.request, true
}

// RequestPairing sends a pairing request and waits for the peer's answer.
func (m *Machine) RequestPairing() error {
	switch m.state {
	case StatePaired:
		return ErrAlreadyPaired
	case StateRequestedByLocal, StateRequestedByPeer:
		return ErrRequestPending
	}

	if !m.cfg.Send(protocol.NewPairPacket(true)) {
		return ErrNotReachable
	}
	m.startRequest(DirectionOutgoing)
	m.setState(StateRequestedByLocal)
	return nil
}

// Accept answers an incoming request. peerFingerprint is the certificate
// the peer presented on the current connection; it becomes the pin.
func (m *Machine) Accept(peerFingerprint string) error {
	switch m.state {
	case StatePaired:
		return ErrAlreadyPaired
	case StateRequestedByPeer:
	default:
		return ErrNoRequest
	}

	if peerFingerprint == "" {
		m.cfg.Send(protocol.NewPairPacket(false))
		m.fail(ErrNoPeerCertificate)
		return ErrNoPeerCertificate
	}
	if !m.cfg.Send(protocol.NewPairPacket(true)) {
		return ErrNotReachable
	}
	m.markPaired(peerFingerprint)
	return nil
}

// Decline rejects an incoming request or cancels our own.
func (m *Machine) Decline() error {
	if m.state != StateRequestedByPeer && m.state != StateRequestedByLocal {
		return ErrNoRequest
	}
	m.cfg.Send(protocol.NewPairPacket(false))
	m.clearRequest()
	m.setState(StateUnpaired)
	return nil
}

// Unpair drops trust in a Paired device and tells it so when connected.
func (m *Machine) Unpair() error {
	if m.state != StatePaired {
		return ErrNotPaired
	}
	m.cfg.Send(protocol.NewPairPacket(false))
	m.pinned = ""
	m.setState(StateUnpaired)
	return nil
}

// HandlePair processes a pair packet from the peer. peerFingerprint is the
// certificate on the connection that carried it, empty for plaintext.
func (m *Machine) HandlePair(pair bool, peerFingerprint string) error {
	if !pair {
		return m.handleRejection()
	}

	switch m.state {
	case StateUnpaired:
		m.startRequest(DirectionIncoming)
		m.setState(StateRequestedByPeer)
		m.cfg.Observer.PairingRequested(*m.request)
	case StateRequestedByPeer:
		// Duplicate request; the user decision is still outstanding.
	case StateRequestedByLocal:
		// The peer accepted, or asked at the same time; either way both
		// sides want pairing and the first accept processed wins.
		if peerFingerprint == "" {
			m.cfg.Send(protocol.NewPairPacket(false))
			m.fail(ErrNoPeerCertificate)
			return ErrNoPeerCertificate
		}
		m.markPaired(peerFingerprint)
	case StatePaired:
		m.cfg.Send(protocol.NewPairPacket(true))
	}
	return nil
}

func (m *Machine) handleRejection() error {
	switch m.state {
	case StateRequestedByLocal:
		m.fail(ErrDeclinedByPeer)
	case StateRequestedByPeer:
		m.fail(ErrCancelledByPeer)
	case StatePaired:
		m.pinned = ""
		m.setState(StateUnpaired)
	}
	return nil
}

// Stop cancels a pending timeout without changing state.
func (m *Machine) Stop() {
	m.clearRequest()
}

func (m *Machine) startRequest(direction Direction) {
	m.clearRequest()

	now := m.cfg.Clock.Now()
	m.request = &Request{
		DeviceID:  m.cfg.DeviceID,
		Direction: direction,
		Deadline:  now.Add(m.cfg.Timeout),
	}

	m.generation++
	generation := m.generation
	m.timer = m.cfg.Clock.AfterFunc(m.cfg.Timeout, func() {
		m.cfg.Post(func() { m.expire(generation) })
	})
}

func (m *Machine) clearRequest() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	m.request = nil
}

func (m *Machine) expire(generation uint64) {
	if generation != m.generation || m.request == nil {
		return
	}
	m.cfg.Send(protocol.NewPairPacket(false))
	m.fail(ErrTimedOut)
}

func (m *Machine) markPaired(fingerprint string) {
	m.clearRequest()
	m.pinned = fingerprint
	m.setState(StatePaired)
}

func (m *Machine) fail(err error) {
	m.clearRequest()
	m.setState(StateUnpaired)
	m.cfg.Observer.PairingFailed(m.cfg.DeviceID, err)
}

func (m *Machine) setState(next State) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.cfg.Observer.PairingStateChanged(m.cfg.DeviceID, prev, next)
}
