package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"peerlink/logging"
	"peerlink/network"
	"peerlink/protocol"
)

var logger = logging.Logger("discovery")

const (
	// DefaultPort is the well-known UDP port for identity broadcasts.
	DefaultPort = 1716
	// DefaultAnnounceInterval is how often the local identity is broadcast.
	DefaultAnnounceInterval = time.Second
	// DefaultSuppressWindow hides repeat announcements of a known endpoint.
	DefaultSuppressWindow = 5 * time.Second
	// DefaultCacheSize bounds the suppression cache.
	DefaultCacheSize = 256
	// MaxDatagramSize is the largest identity datagram read.
	MaxDatagramSize = 64 * 1024
)

// ErrNotStarted is returned by operations on a Service before Start.
var ErrNotStarted = errors.New("discovery: service not started")

// Config controls the UDP announcer and listener.
type Config struct {
	// Host is the bind address; empty binds all interfaces.
	Host string
	Port int
	// Targets receive every announcement. Empty means the IPv4 broadcast
	// address on Port.
	Targets []network.Address

	AnnounceInterval time.Duration
	SuppressWindow   time.Duration
	CacheSize        int
	Clock            clock.Clock

	// SelfDeviceID filters our own broadcasts.
	SelfDeviceID string
	// Identity builds the packet to announce. It is called for every
	// announcement so name or port changes are picked up.
	Identity func() (protocol.Packet, error)
}

func (c Config) withDefaults() Config {
	out := c
	// A negative port binds an ephemeral one.
	switch {
	case out.Port == 0:
		out.Port = DefaultPort
	case out.Port < 0:
		out.Port = 0
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.SuppressWindow == 0 {
		out.SuppressWindow = DefaultSuppressWindow
	}
	if out.CacheSize <= 0 {
		out.CacheSize = DefaultCacheSize
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if len(out.Targets) == 0 {
		out.Targets = []network.Address{network.NewAddress(netip.AddrFrom4([4]byte{255, 255, 255, 255}), uint16(out.Port))}
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("discovery: self device ID is required")
	}
	if c.Identity == nil {
		return errors.New("discovery: identity source is required")
	}
	return nil
}

// Service broadcasts the local identity at a fixed interval and turns
// identity broadcasts from peers into Candidates. A bind failure is
// returned from Start and not retried; send and receive errors are logged
// and the announce timer keeps running.
type Service struct {
	cfg      Config
	suppress *suppressor

	conn       *net.UDPConn
	candidates chan Candidate

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewService validates config and applies defaults.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	suppress, err := newSuppressor(cfg.CacheSize, cfg.SuppressWindow)
	if err != nil {
		return nil, fmt.Errorf("discovery: create suppression cache: %w", err)
	}
	return &Service{
		cfg:        cfg,
		suppress:   suppress,
		candidates: make(chan Candidate, 64),
	}, nil
}

// Start binds the UDP socket and starts the announce and listen loops.
func (s *Service) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		host := s.cfg.Host
		if host == "" {
			host = "0.0.0.0"
		}
		listenAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, fmt.Sprint(s.cfg.Port)))
		if err != nil {
			startErr = fmt.Errorf("discovery: resolve bind address: %w", err)
			return
		}
		conn, err := net.ListenUDP("udp4", listenAddr)
		if err != nil {
			startErr = &network.TransportError{Op: "bind udp", Err: err}
			return
		}
		if err := conn.SetReadBuffer(MaxDatagramSize * 4); err != nil {
			logger.Warn("failed to set read buffer", "error", err)
		}

		s.conn = conn
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(2)
		go s.listenLoop()
		go s.announceLoop()
		logger.Info("discovery started", "address", conn.LocalAddr().String())
	})
	return startErr
}

// Stop closes the socket and waits for both loops. The Candidates channel
// is closed afterwards.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.wg.Wait()
		close(s.candidates)
	})
	return err
}

// Candidates delivers peers heard on the network.
func (s *Service) Candidates() <-chan Candidate {
	return s.candidates
}

// LocalAddr returns the bound UDP address, nil before Start.
func (s *Service) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Forget lets the next announcement from deviceID through immediately,
// for example after its connection was lost.
func (s *Service) Forget(deviceID string) {
	s.suppress.forget(deviceID)
}

// Announce sends the local identity to every target now.
func (s *Service) Announce() error {
	if s.conn == nil {
		return ErrNotStarted
	}

	packet, err := s.cfg.Identity()
	if err != nil {
		return fmt.Errorf("discovery: build identity: %w", err)
	}
	payload, err := protocol.Encode(packet)
	if err != nil {
		return err
	}

	var sendErr error
	for _, target := range s.cfg.Targets {
		if _, err := s.conn.WriteToUDP(payload, target.UDPAddr()); err != nil {
			sendErr = &network.TransportError{Op: "announce", Addr: target, Err: err}
		}
	}
	return sendErr
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	ticker := s.cfg.Clock.Ticker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	s.announceOnce()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.announceOnce()
		}
	}
}

func (s *Service) announceOnce() {
	if err := s.Announce(); err != nil && s.ctx.Err() == nil {
		// Broadcast failures are common on some networks.
		logger.Debug("announce failed", "error", err)
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("read failed", "error", err)
			continue
		}

		candidate, ok := s.parse(buf[:n], from)
		if !ok {
			continue
		}
		if !s.suppress.allow(candidate, candidate.SeenAt) {
			continue
		}

		select {
		case s.candidates <- candidate:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) parse(datagram []byte, from *net.UDPAddr) (Candidate, bool) {
	packet, err := protocol.Decode(datagram)
	if err != nil {
		logger.Debug("ignoring datagram", "from", from.String(), "error", err)
		return Candidate{}, false
	}
	identity, err := packet.Identity()
	if err != nil {
		logger.Debug("ignoring packet", "from", from.String(), "type", packet.Type, "error", err)
		return Candidate{}, false
	}
	if identity.DeviceID == s.cfg.SelfDeviceID {
		return Candidate{}, false
	}
	if err := identity.RequireTCPPort(); err != nil {
		logger.Debug("ignoring identity without tcpPort", "from", from.String(), "device", identity.DeviceID)
		return Candidate{}, false
	}

	addr, err := network.AddressFromNet(from)
	if err != nil {
		return Candidate{}, false
	}
	return Candidate{
		Identity: identity,
		Packet:   packet,
		Address:  addr.WithPort(uint16(identity.TCPPort)),
		Source:   SourceUDP,
		SeenAt:   s.cfg.Clock.Now(),
	}, true
}
