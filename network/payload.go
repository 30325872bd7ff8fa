package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"peerlink/protocol"
	"peerlink/trust"
)

const (
	// PayloadMinPort is the first port tried for a payload listener.
	PayloadMinPort = 1739
	// PayloadMaxPort is the last port tried for a payload listener.
	PayloadMaxPort = 1764
	// DefaultPayloadTimeout bounds waiting for the receiver to connect and
	// every chunk read or written after that.
	DefaultPayloadTimeout = 30 * time.Second

	payloadChunkSize = 64 * 1024
)

var (
	// ErrNoPayload indicates a packet without payload transfer info.
	ErrNoPayload = errors.New("network: packet has no payload")
	// ErrPayloadIncomplete indicates a payload that ended before its size.
	ErrPayloadIncomplete = errors.New("network: payload ended early")
)

// PayloadOptions configures one side of a payload transfer. Both sides
// present the local certificate and check the peer against Pinned the way
// the main connection does.
type PayloadOptions struct {
	Identity *trust.Identity
	// DeviceID names the peer in errors.
	DeviceID string
	// Pinned is the expected peer fingerprint; empty accepts any certificate.
	Pinned string

	// Host binds the listener of an upload.
	Host    string
	MinPort int
	MaxPort int

	Timeout   time.Duration
	KeepAlive time.Duration
}

func (o PayloadOptions) withDefaults() PayloadOptions {
	out := o
	if out.MinPort <= 0 && out.MaxPort <= 0 {
		out.MinPort, out.MaxPort = PayloadMinPort, PayloadMaxPort
	}
	if out.MaxPort < out.MinPort {
		out.MaxPort = out.MinPort
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultPayloadTimeout
	}
	if out.KeepAlive <= 0 {
		out.KeepAlive = DefaultKeepAlive
	}
	return out
}

func (o PayloadOptions) verify() func([][]byte, [][]*x509.Certificate) error {
	return trust.PinVerifier(o.DeviceID, o.Pinned)
}

// Upload serves one payload to the first peer that connects to its port.
// The uploading side acts as the TLS server.
type Upload struct {
	listener net.Listener
	port     int
	size     int64
	opts     PayloadOptions

	done chan struct{}

	mu       sync.Mutex
	conn     net.Conn
	sent     int64
	err      error
	finished bool
}

// ServePayload binds a port in the payload range and streams size bytes of
// payload to the first connection. A negative size streams until EOF. The
// caller owns payload and may close it once Done is closed.
func ServePayload(ctx context.Context, payload io.Reader, size int64, options PayloadOptions) (*Upload, error) {
	opts := options.withDefaults()
	if opts.Identity == nil || opts.Identity.Certificate == nil {
		return nil, ErrNoLocalIdentity
	}

	listener, err := bindRange(ctx, opts.Host, opts.MinPort, opts.MaxPort, opts.KeepAlive)
	if err != nil {
		return nil, err
	}
	u := &Upload{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		size:     size,
		opts:     opts,
		done:     make(chan struct{}),
	}
	go u.run(ctx, payload)
	return u, nil
}

// Port is the listening port announced in the packet's transfer info.
func (u *Upload) Port() int {
	return u.port
}

// Done is closed when the transfer finished, failed or was aborted.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Result reports the bytes written and the transfer error. It is final
// once Done is closed.
func (u *Upload) Result() (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent, u.err
}

// Close aborts the transfer.
func (u *Upload) Close() error {
	u.finish(ErrClosed)
	<-u.done
	return nil
}

// finish records the outcome once and releases both sockets.
func (u *Upload) finish(err error) {
	u.mu.Lock()
	if !u.finished {
		u.err, u.finished = err, true
	}
	conn := u.conn
	u.mu.Unlock()

	_ = u.listener.Close()
	if conn != nil {
		_ = conn.Close()
	}
}

func (u *Upload) run(ctx context.Context, payload io.Reader) {
	defer close(u.done)
	log := logger.With("peer", u.opts.DeviceID, "port", u.port)

	stop := context.AfterFunc(ctx, func() { u.finish(ctx.Err()) })
	defer stop()

	if tl, ok := u.listener.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(u.opts.Timeout))
	}
	raw, err := u.listener.Accept()
	_ = u.listener.Close()
	if err != nil {
		u.finish(&TransportError{Op: "payload accept", Err: err})
		log.Warn("payload receiver never connected", "error", err)
		return
	}

	tlsConn := tls.Server(raw, trust.ServerConfig(u.opts.Identity, u.opts.verify()))
	u.mu.Lock()
	u.conn = tlsConn
	aborted := u.finished
	u.mu.Unlock()
	if aborted {
		_ = tlsConn.Close()
		return
	}

	peer, _ := AddressFromNet(raw.RemoteAddr())
	if err := handshake(ctx, tlsConn, u.opts.Timeout); err != nil {
		u.finish(&TransportError{Op: "payload tls handshake", Addr: peer, Err: err})
		log.Warn("payload handshake failed", "remote", peer, "error", err)
		return
	}

	src := payload
	if u.size >= 0 {
		src = io.LimitReader(payload, u.size)
	}
	sent, err := copyChunks(tlsConn, src, tlsConn, u.opts.Timeout)
	u.mu.Lock()
	u.sent = sent
	u.mu.Unlock()
	if err == nil && u.size >= 0 && sent < u.size {
		err = fmt.Errorf("%w: sent %d of %d bytes", ErrPayloadIncomplete, sent, u.size)
	}
	if err != nil {
		u.finish(&TransportError{Op: "payload write", Addr: peer, Err: err})
		log.Warn("payload upload failed", "sent", sent, "error", err)
		return
	}

	u.finish(nil)
	log.Debug("payload uploaded", "bytes", sent)
}

// FetchPayload connects to the port announced by packet on host and copies
// the payload into w. The downloading side acts as the TLS client.
func FetchPayload(ctx context.Context, host Address, packet protocol.Packet, w io.Writer, options PayloadOptions) (int64, error) {
	if !packet.HasPayload() {
		return 0, ErrNoPayload
	}
	opts := options.withDefaults()
	if opts.Identity == nil || opts.Identity.Certificate == nil {
		return 0, ErrNoLocalIdentity
	}

	addr := host.WithPort(uint16(packet.TransferInfo.Port))
	dialer := net.Dialer{Timeout: opts.Timeout, KeepAlive: opts.KeepAlive}
	raw, err := dialer.DialContext(ctx, "tcp", addr.TCPAddr().String())
	if err != nil {
		return 0, &TransportError{Op: "payload dial", Addr: addr, Err: err}
	}
	conn := tls.Client(raw, trust.ClientConfig(opts.Identity, opts.verify()))
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := handshake(ctx, conn, opts.Timeout); err != nil {
		return 0, &TransportError{Op: "payload tls handshake", Addr: addr, Err: err}
	}

	var src io.Reader = conn
	if packet.PayloadSize >= 0 {
		src = io.LimitReader(conn, packet.PayloadSize)
	}
	received, err := copyChunks(w, src, conn, opts.Timeout)
	if err != nil {
		return received, &TransportError{Op: "payload read", Addr: addr, Err: err}
	}
	if packet.PayloadSize >= 0 && received < packet.PayloadSize {
		return received, fmt.Errorf("%w: received %d of %d bytes", ErrPayloadIncomplete, received, packet.PayloadSize)
	}
	return received, nil
}

func handshake(ctx context.Context, conn *tls.Conn, timeout time.Duration) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		return err
	}
	if len(conn.ConnectionState().PeerCertificates) == 0 {
		return trust.ErrNoCertificate
	}
	return nil
}

// copyChunks copies src to dst in payloadChunkSize pieces, extending the
// deadline on conn before each one.
func copyChunks(dst io.Writer, src io.Reader, conn net.Conn, timeout time.Duration) (int64, error) {
	buf := make([]byte, payloadChunkSize)
	var total int64
	for {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		n, readErr := src.Read(buf)
		if n > 0 {
			written, err := dst.Write(buf[:n])
			total += int64(written)
			if err != nil {
				return total, err
			}
			if written < n {
				return total, io.ErrShortWrite
			}
		}
		if errors.Is(readErr, io.EOF) {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}
