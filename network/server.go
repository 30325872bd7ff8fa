package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultMinPort is the first TCP port tried by Listen.
	DefaultMinPort = 1716
	// DefaultMaxPort is the last TCP port tried by Listen.
	DefaultMaxPort = 1764
)

// ListenOptions configures a Server.
type ListenOptions struct {
	Host    string
	MinPort int
	MaxPort int
	// Connection is applied to every accepted connection.
	Connection Options
}

func (o ListenOptions) withDefaults() ListenOptions {
	out := o
	if out.MinPort <= 0 && out.MaxPort <= 0 {
		out.MinPort, out.MaxPort = DefaultMinPort, DefaultMaxPort
	}
	if out.MaxPort < out.MinPort {
		out.MaxPort = out.MinPort
	}
	out.Connection = out.Connection.withDefaults()
	return out
}

// Server accepts inbound TCP sockets and wraps them as inbound Connections.
// Accepted connections are not started; the receiver calls Start.
// Accept errors are logged, and transient ones back off before retrying.
type Server struct {
	listener net.Listener
	options  ListenOptions
	port     uint16
	incoming chan *Connection

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the first free port in [MinPort, MaxPort] and starts the
// accept loop. Ports taken by another process are skipped.
func Listen(ctx context.Context, options ListenOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.Connection.validateIdentity(); err != nil {
		return nil, err
	}

	listener, err := bindRange(ctx, opts.Host, opts.MinPort, opts.MaxPort, opts.Connection.KeepAlive)
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: listener,
		options:  opts,
		port:     uint16(listener.Addr().(*net.TCPAddr).Port),
		incoming: make(chan *Connection, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	logger.Info("listening", "address", listener.Addr().String())
	return s, nil
}

// bindRange listens on the first free port in [minPort, maxPort].
func bindRange(ctx context.Context, host string, minPort, maxPort int, keepAlive time.Duration) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: keepAlive}
	var lastErr error
	for port := minPort; port <= maxPort; port++ {
		address := net.JoinHostPort(host, strconv.Itoa(port))
		listener, err := lc.Listen(ctx, "tcp", address)
		if err == nil {
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) && !errors.Is(err, syscall.EACCES) {
			return nil, &TransportError{Op: "listen", Err: err}
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %d-%d: %v", ErrNoPortAvailable, minPort, maxPort, lastErr)
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port is the bound TCP port, advertised in identity packets.
func (s *Server) Port() uint16 {
	return s.port
}

// Incoming delivers accepted connections. It is closed by Close.
func (s *Server) Incoming() <-chan *Connection {
	return s.incoming
}

// Close stops accepting. Connections already handed out stay open.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
	})
	return err
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

func (s *Server) serve() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if s.closing() || errors.Is(err, net.ErrClosed) {
				return
			}
			// EMFILE and friends clear up on their own; do not spin.
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			logger.Warn("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			continue
		}
		backoff = 0

		conn, err := Accept(raw, s.options.Connection)
		if err != nil {
			_ = raw.Close()
			logger.Warn("rejecting inbound socket", "remote", raw.RemoteAddr().String(), "error", err)
			continue
		}
		select {
		case s.incoming <- conn:
		case <-s.done:
			_ = raw.Close()
			return
		}
	}
}

func (s *Server) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
