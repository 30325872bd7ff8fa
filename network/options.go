package network

import (
	"errors"
	"fmt"
	"time"

	"peerlink/trust"
)

const (
	// MaxFrameSize bounds one framed packet (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultHandshakeTimeout bounds the plaintext identity read and the TLS upgrade.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultKeepAlive is the TCP keepalive period applied to every socket.
	DefaultKeepAlive = 10 * time.Second
	// DefaultSendQueueSize is the initial capacity of the outgoing queue.
	DefaultSendQueueSize = 32
)

var (
	// ErrFrameTooLarge indicates a frame that exceeded MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrNoLocalIdentity indicates Options without a local certificate.
	ErrNoLocalIdentity = errors.New("network: local identity unavailable")
	// ErrNotOpen indicates an operation that requires an Open connection.
	ErrNotOpen = errors.New("network: connection not open")
	// ErrAlreadyContinued indicates a second Continue call on one connection.
	ErrAlreadyContinued = errors.New("network: connection already continued")
	// ErrNoPeerIdentity indicates the peer has not identified itself yet.
	ErrNoPeerIdentity = errors.New("network: peer identity unknown")
	// ErrNoPortAvailable indicates every port in the listen range was taken.
	ErrNoPortAvailable = errors.New("network: no port available in range")
)

// TransportError wraps a socket level failure with the operation that hit it.
type TransportError struct {
	Op   string
	Addr Address
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr.IsZero() {
		return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Options configures a Connection.
type Options struct {
	// Identity is the local certificate presented during the TLS upgrade.
	Identity *trust.Identity
	Delegate Delegate

	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	KeepAlive         time.Duration
	MaxFrameSize      int
}

func (o Options) withDefaults() Options {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.KeepAlive <= 0 {
		out.KeepAlive = DefaultKeepAlive
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = MaxFrameSize
	}
	if out.Delegate == nil {
		out.Delegate = nopDelegate{}
	}
	return out
}

func (o Options) validateIdentity() error {
	if o.Identity == nil || o.Identity.Certificate == nil || o.Identity.PrivateKey == nil {
		return ErrNoLocalIdentity
	}
	return nil
}
