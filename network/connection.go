package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"peerlink/logging"
	"peerlink/protocol"
	"peerlink/trust"
)

var logger = logging.Logger("network")

// ErrClosed is returned by operations on a Closed connection.
var ErrClosed = errors.New("network: connection closed")

// State is the lifecycle stage of a Connection. States only move forward.
type State int32

const (
	StateInitializing State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Role records which side established the TCP socket.
type Role uint8

const (
	// RoleOutbound connections were dialed locally and act as TLS server.
	RoleOutbound Role = iota + 1
	// RoleInbound connections were accepted and act as TLS client.
	RoleInbound
)

func (r Role) String() string {
	if r == RoleOutbound {
		return "outbound"
	}
	return "inbound"
}

// Delegate observes a Connection. Methods are called from connection
// goroutines and must not block or call back into the Connection
// synchronously.
type Delegate interface {
	ConnectionStateChanged(c *Connection, state State)
	ConnectionPacketSent(c *Connection, packet protocol.Packet)
	ConnectionPacketReceived(c *Connection, packet protocol.Packet)
}

type nopDelegate struct{}

func (nopDelegate) ConnectionStateChanged(*Connection, State)             {}
func (nopDelegate) ConnectionPacketSent(*Connection, protocol.Packet)     {}
func (nopDelegate) ConnectionPacketReceived(*Connection, protocol.Packet) {}

type outgoing struct {
	packet   protocol.Packet
	done     func(error)
	inFlight bool
}

var connectionSerial atomic.Uint64

// Connection is one TCP link to a peer. It moves through Initializing, Open
// and Closed, frames packets with the protocol delimiter and may be upgraded
// to TLS once both sides have exchanged identities.
type Connection struct {
	serial uint64
	role   Role
	peer   Address
	opts   Options

	// notifyMu orders state transitions with their delegate notification.
	notifyMu sync.Mutex

	mu           sync.Mutex
	state        State
	raw          net.Conn
	transport    net.Conn
	peerIdentity *protocol.Identity
	peerCert     *x509.Certificate
	prefix       []byte
	secure       bool
	continued    bool
	upgrading    bool
	queue        []*outgoing
	err          error

	// writeMu is held for every socket write and for the TLS upgrade.
	writeMu sync.Mutex

	started      atomic.Bool
	wake         chan struct{}
	identityDone chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
}

// Open prepares an outbound connection to addr for the peer described by
// identityPacket. The socket is not dialed until Start.
func Open(addr Address, identityPacket protocol.Packet, options Options) (*Connection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	if addr.IsZero() || addr.Port() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	identity, err := identityPacket.Identity()
	if err != nil {
		return nil, err
	}

	c := newConnection(RoleOutbound, addr, opts)
	c.peerIdentity = &identity
	return c, nil
}

// Accept wraps a socket returned by a listener. The peer identity is read
// from the first line once Start is called.
func Accept(conn net.Conn, options Options) (*Connection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	addr, err := AddressFromNet(conn.RemoteAddr())
	if err != nil {
		return nil, err
	}

	c := newConnection(RoleInbound, addr, opts)
	c.raw = conn
	c.transport = conn
	return c, nil
}

func newConnection(role Role, peer Address, opts Options) *Connection {
	return &Connection{
		serial:       connectionSerial.Add(1),
		role:         role,
		peer:         peer,
		opts:         opts,
		state:        StateInitializing,
		queue:        make([]*outgoing, 0, DefaultSendQueueSize),
		wake:         make(chan struct{}, 1),
		identityDone: make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

// Start begins I/O. Outbound connections dial in the background and become
// Open once connected; inbound connections become Open immediately and wait
// for the peer identity line. Calling Start twice has no effect.
func (c *Connection) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	if c.role == RoleInbound {
		if c.transition(StateOpen) {
			go c.writeLoop()
			go c.readIdentity()
		}
		return
	}
	go c.dial(ctx)
}

func (c *Connection) dial(ctx context.Context) {
	dialer := net.Dialer{
		Timeout:   c.opts.ConnectionTimeout,
		KeepAlive: c.opts.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.peer.String())
	if err != nil {
		c.closeWithError(&TransportError{Op: "dial", Addr: c.peer, Err: err})
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.raw = conn
	c.transport = conn
	c.mu.Unlock()

	close(c.identityDone)
	if c.transition(StateOpen) {
		go c.writeLoop()
	}
}

// ID is a process-unique serial used in logs.
func (c *Connection) ID() uint64 {
	return c.serial
}

func (c *Connection) Role() Role {
	return c.role
}

func (c *Connection) PeerAddress() Address {
	return c.peer
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerIdentity returns the identity the peer announced, if known.
func (c *Connection) PeerIdentity() (protocol.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerIdentity == nil {
		return protocol.Identity{}, false
	}
	return *c.peerIdentity, true
}

// SetPeerIdentity replaces the known peer identity, for example when the
// peer sends an updated identity packet.
func (c *Connection) SetPeerIdentity(identity protocol.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerIdentity = &identity
}

// PeerCertificate is the certificate presented during the TLS upgrade.
func (c *Connection) PeerCertificate() *x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCert
}

// IsSecure reports whether the TLS upgrade completed.
func (c *Connection) IsSecure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

// Done is closed when the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that closed the connection, nil for a clean close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) String() string {
	return fmt.Sprintf("conn#%d(%s %s)", c.serial, c.role, c.peer)
}

// Send queues packet. Packets are written in queue order once the channel is
// continued; before that only identity packets leave the queue. done, when
// set, receives nil after the write or the encoding error that prevented it.
// Packets still queued when the connection closes are not reported and can
// be taken back with ReclaimUnsent.
func (c *Connection) Send(packet protocol.Packet, done func(error)) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, &outgoing{packet: packet, done: done})
	c.mu.Unlock()

	c.signal()
	return nil
}

// ReclaimUnsent empties the queue of a Closed connection and returns the
// packets that were never written, in queue order.
func (c *Connection) ReclaimUnsent() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return nil
	}

	packets := make([]protocol.Packet, 0, len(c.queue))
	for _, item := range c.queue {
		packets = append(packets, item.packet)
	}
	c.queue = nil
	return packets
}

// ContinueWithSecureChannel upgrades the socket to TLS. pinned is the
// expected peer certificate fingerprint; empty accepts any certificate. On
// failure the connection is closed and the error returned; a pin mismatch
// satisfies errors.Is(err, trust.ErrFingerprintMismatch).
func (c *Connection) ContinueWithSecureChannel(ctx context.Context, pinned string) error {
	deviceID, err := c.beginContinue()
	if err != nil {
		return err
	}

	select {
	case <-c.identityDone:
	case <-c.closed:
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	base := c.plainTransport()
	verify := trust.PinVerifier(deviceID, pinned)

	var tlsConn *tls.Conn
	if c.role == RoleOutbound {
		tlsConn = tls.Server(base, trust.ServerConfig(c.opts.Identity, verify))
	} else {
		tlsConn = tls.Client(base, trust.ClientConfig(c.opts.Identity, verify))
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		err = &TransportError{Op: "tls handshake", Addr: c.peer, Err: err}
		c.closeWithError(err)
		return err
	}

	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		err := &TransportError{Op: "tls handshake", Addr: c.peer, Err: trust.ErrNoCertificate}
		c.closeWithError(err)
		return err
	}

	c.mu.Lock()
	c.transport = tlsConn
	c.peerCert = certs[0]
	c.secure = true
	c.continued = true
	c.upgrading = false
	c.mu.Unlock()

	go c.readLoop(tlsConn)
	c.signal()
	return nil
}

// ContinueWithoutSecureChannel keeps the plaintext socket and starts
// delivering packets.
func (c *Connection) ContinueWithoutSecureChannel() error {
	if _, err := c.beginContinue(); err != nil {
		return err
	}

	select {
	case <-c.identityDone:
	case <-c.closed:
		return ErrClosed
	}

	c.writeMu.Lock()
	transport := c.plainTransport()
	c.mu.Lock()
	c.transport = transport
	c.continued = true
	c.upgrading = false
	c.mu.Unlock()
	c.writeMu.Unlock()

	go c.readLoop(transport)
	c.signal()
	return nil
}

// Close closes the socket. Pending sends are dropped without callbacks.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) beginContinue() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateClosed:
		return "", ErrClosed
	case c.state != StateOpen:
		return "", ErrNotOpen
	case c.continued || c.upgrading:
		return "", ErrAlreadyContinued
	case c.peerIdentity == nil:
		return "", ErrNoPeerIdentity
	}
	c.upgrading = true
	return c.peerIdentity.DeviceID, nil
}

// plainTransport returns the raw socket, replaying bytes that arrived
// behind the identity line.
func (c *Connection) plainTransport() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prefix) == 0 {
		return c.raw
	}
	conn := &prefixConn{Conn: c.raw, prefix: c.prefix}
	c.prefix = nil
	return conn
}

func (c *Connection) transition(to State) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state >= to {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.opts.Delegate.ConnectionStateChanged(c, to)
	return true
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		raw, transport := c.raw, c.transport
		c.mu.Unlock()

		if raw != nil {
			_ = raw.Close()
		}
		if transport != nil && transport != raw {
			_ = transport.Close()
		}
		close(c.closed)

		if err != nil {
			logger.Debug("connection closed", "conn", c.String(), "error", err)
		}
		c.transition(StateClosed)
	})
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// nextWritable picks the first queued packet allowed on the wire. The
// caller holds writeMu.
func (c *Connection) nextWritable() (*outgoing, net.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || c.upgrading || c.transport == nil {
		return nil, nil, false
	}
	for _, item := range c.queue {
		if item.inFlight {
			continue
		}
		if c.continued || item.packet.Type == protocol.TypeIdentity {
			item.inFlight = true
			return item, c.transport, true
		}
	}
	return nil, nil, false
}

func (c *Connection) markSent(item *outgoing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, queued := range c.queue {
		if queued.packet.ID == item.packet.ID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		c.writeMu.Lock()
		item, transport, ok := c.nextWritable()
		if !ok {
			c.writeMu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.closed:
				return
			}
		}

		payload, err := protocol.Encode(item.packet)
		if err != nil {
			c.writeMu.Unlock()
			c.markSent(item)
			logger.Warn("dropping unencodable packet", "conn", c.String(), "type", item.packet.Type, "error", err)
			if item.done != nil {
				item.done(err)
			}
			continue
		}

		_, err = transport.Write(payload)
		c.writeMu.Unlock()
		if err != nil {
			c.closeWithError(&TransportError{Op: "write", Addr: c.peer, Err: err})
			return
		}

		c.markSent(item)
		if item.done != nil {
			item.done(nil)
		}
		c.opts.Delegate.ConnectionPacketSent(c, item.packet)
	}
}

// readIdentity reads the plaintext identity line of an inbound connection.
// Bytes after that line are kept for whatever reads the socket next.
func (c *Connection) readIdentity() {
	defer close(c.identityDone)

	_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	var (
		pending []byte
		buf     = make([]byte, 4096)
	)
	for {
		for {
			idx := bytes.IndexByte(pending, protocol.Delimiter)
			if idx < 0 {
				break
			}
			line, rest := pending[:idx], pending[idx+1:]
			pending = rest
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			packet, err := protocol.Decode(line)
			if err != nil {
				logger.Warn("dropping malformed packet", "conn", c.String(), "error", err)
				continue
			}
			identity, err := packet.Identity()
			if err != nil {
				c.closeWithError(fmt.Errorf("first packet from %s: %w", c.peer, err))
				return
			}

			_ = c.raw.SetReadDeadline(time.Time{})
			c.mu.Lock()
			c.peerIdentity = &identity
			c.prefix = append([]byte(nil), pending...)
			c.mu.Unlock()

			c.opts.Delegate.ConnectionPacketReceived(c, packet)
			return
		}

		if len(pending) > c.opts.MaxFrameSize {
			c.closeWithError(&TransportError{Op: "read identity", Addr: c.peer, Err: ErrFrameTooLarge})
			return
		}

		n, err := c.raw.Read(buf)
		pending = append(pending, buf[:n]...)
		if err != nil && n == 0 {
			c.closeReadError("read identity", err)
			return
		}
	}
}

func (c *Connection) readLoop(r io.Reader) {
	acc := NewFrameAccumulator(c.opts.MaxFrameSize)
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := acc.Feed(buf[:n])
			if ferr != nil {
				logger.Warn("dropping oversized frame", "conn", c.String(), "error", ferr)
			}
			for _, frame := range frames {
				packet, err := protocol.Decode(frame)
				if err != nil {
					logger.Warn("dropping malformed packet", "conn", c.String(), "error", err)
					continue
				}
				c.opts.Delegate.ConnectionPacketReceived(c, packet)
			}
		}
		if err != nil {
			c.closeReadError("read", err)
			return
		}
	}
}

func (c *Connection) closeReadError(op string, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.closeWithError(nil)
		return
	}
	c.closeWithError(&TransportError{Op: op, Addr: c.peer, Err: err})
}

type prefixConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
