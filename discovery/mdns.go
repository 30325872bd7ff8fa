package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"

	"peerlink/network"
	"peerlink/protocol"
)

const (
	// DefaultService is the DNS-SD service type advertised on the LAN.
	DefaultService = "_peerlink._tcp"
	DefaultDomain  = "local."
	// DefaultBrowseInterval separates two browse rounds.
	DefaultBrowseInterval = 10 * time.Second
	// DefaultBrowseTimeout bounds how long one round collects answers.
	DefaultBrowseTimeout = 3 * time.Second
)

// TXT record keys, named after the identity fields they carry.
const (
	txtID          = "id"
	txtName        = "name"
	txtType        = "type"
	txtProtocol    = "protocol"
	txtFingerprint = "fp"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls DNS-SD advertisement and browsing. Advertised
// fields come from the same identity source as UDP announcements.
type MDNSConfig struct {
	Service        string
	Domain         string
	BrowseInterval time.Duration
	BrowseTimeout  time.Duration
	SuppressWindow time.Duration
	CacheSize      int
	Clock          clock.Clock

	SelfDeviceID string
	Identity     func() (protocol.Packet, error)
	// Fingerprint is published as a hint only; trust is still decided by
	// the certificate presented on the TLS channel.
	Fingerprint string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultBrowseInterval
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
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
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = browseZeroconf
	}
	return out
}

func browseZeroconf(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// MDNS advertises the local device over DNS-SD and browses for peers
// doing the same. Browse answers become Candidates on the same terms as
// UDP announcements.
type MDNS struct {
	cfg      MDNSConfig
	suppress *suppressor

	server     *zeroconf.Server
	candidates chan Candidate
	refresh    chan chan error

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMDNS validates config and applies defaults.
func NewMDNS(config MDNSConfig) (*MDNS, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("discovery: self device ID is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("discovery: identity source is required")
	}
	suppress, err := newSuppressor(cfg.CacheSize, cfg.SuppressWindow)
	if err != nil {
		return nil, fmt.Errorf("discovery: create suppression cache: %w", err)
	}
	return &MDNS{
		cfg:        cfg,
		suppress:   suppress,
		candidates: make(chan Candidate, 64),
		refresh:    make(chan chan error),
	}, nil
}

// Start registers the service record and begins browsing. The local
// identity must already carry the TCP port it is advertising.
func (m *MDNS) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		instance, port, text, err := m.advertisement()
		if err != nil {
			startErr = err
			return
		}
		server, err := m.cfg.registerFn(instance, m.cfg.Service, m.cfg.Domain, port, text, nil)
		if err != nil {
			startErr = &network.TransportError{Op: "mdns register", Err: err}
			return
		}
		m.server = server

		m.ctx, m.cancel = context.WithCancel(ctx)
		m.wg.Add(1)
		go m.browseLoop()
		logger.Info("mdns started", "service", m.cfg.Service, "instance", instance, "port", port)
	})
	return startErr
}

func (m *MDNS) advertisement() (string, int, []string, error) {
	packet, err := m.cfg.Identity()
	if err != nil {
		return "", 0, nil, fmt.Errorf("discovery: build identity: %w", err)
	}
	identity, err := packet.Identity()
	if err != nil {
		return "", 0, nil, err
	}
	if err := identity.RequireTCPPort(); err != nil {
		return "", 0, nil, fmt.Errorf("discovery: advertise: %w", err)
	}

	text := []string{
		txtID + "=" + identity.DeviceID,
		txtName + "=" + identity.DeviceName,
		txtType + "=" + string(identity.DeviceType),
		txtProtocol + "=" + strconv.Itoa(identity.ProtocolVersion),
	}
	if m.cfg.Fingerprint != "" {
		text = append(text, txtFingerprint+"="+m.cfg.Fingerprint)
	}
	// The instance label must be unique on the link; names are not.
	return identity.DeviceID, identity.TCPPort, text, nil
}

// Stop withdraws the record and ends browsing. Candidates is closed
// afterwards.
func (m *MDNS) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		if m.server != nil {
			m.server.Shutdown()
		}
		close(m.candidates)
	})
}

// Candidates delivers peers found by browsing.
func (m *MDNS) Candidates() <-chan Candidate {
	return m.candidates
}

// Forget lets the next answer for deviceID through immediately.
func (m *MDNS) Forget(deviceID string) {
	m.suppress.forget(deviceID)
}

// Refresh runs a browse round now and returns when it has finished.
func (m *MDNS) Refresh(ctx context.Context) error {
	if m.ctx == nil {
		return ErrNotStarted
	}
	done := make(chan error, 1)
	select {
	case m.refresh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MDNS) browseLoop() {
	defer m.wg.Done()

	ticker := m.cfg.Clock.Ticker(m.cfg.BrowseInterval)
	defer ticker.Stop()

	m.browseRound()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.browseRound()
		case done := <-m.refresh:
			done <- m.browse()
		}
	}
}

func (m *MDNS) browseRound() {
	if err := m.browse(); err != nil && m.ctx.Err() == nil {
		logger.Debug("mdns browse failed", "error", err)
	}
}

func (m *MDNS) browse() error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	errc := make(chan error, 1)
	go func() { errc <- m.cfg.browseFn(ctx, m.cfg.Service, m.cfg.Domain, entries) }()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if !m.offer(entry) {
				return m.ctx.Err()
			}
		case err := <-errc:
			errc = nil
			if err != nil {
				return err
			}
		case <-ctx.Done():
			if errc != nil {
				if err := <-errc; err != nil && !isContextErr(err) {
					return err
				}
			}
			return nil
		}
	}
}

// offer emits the candidate for entry. It returns false once the service
// is stopping.
func (m *MDNS) offer(entry *zeroconf.ServiceEntry) bool {
	candidate, ok := entryCandidate(entry, m.cfg.SelfDeviceID, m.cfg.Clock.Now())
	if !ok || !m.suppress.allow(candidate, candidate.SeenAt) {
		return true
	}
	select {
	case m.candidates <- candidate:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// entryCandidate turns a browse answer into a dialable Candidate. IPv4
// addresses are preferred over IPv6.
func entryCandidate(entry *zeroconf.ServiceEntry, selfID string, seenAt time.Time) (Candidate, bool) {
	if entry == nil {
		return Candidate{}, false
	}
	txt := parseTXT(entry.Text)
	deviceID := txt[txtID]
	if deviceID == "" || deviceID == selfID {
		return Candidate{}, false
	}
	version, err := strconv.Atoi(txt[txtProtocol])
	if err != nil || version <= 0 {
		logger.Debug("ignoring mdns entry without protocol version", "device", deviceID)
		return Candidate{}, false
	}

	addr, ok := entryAddress(entry)
	if !ok {
		return Candidate{}, false
	}

	name := txt[txtName]
	if name == "" {
		name = entry.Instance
	}
	identity := protocol.Identity{
		DeviceID:        deviceID,
		DeviceName:      name,
		DeviceType:      protocol.ParseDeviceType(txt[txtType]),
		ProtocolVersion: version,
		TCPPort:         entry.Port,
	}
	if identity.RequireTCPPort() != nil {
		return Candidate{}, false
	}
	packet, err := protocol.NewIdentityPacket(identity)
	if err != nil {
		return Candidate{}, false
	}
	return Candidate{
		Identity: identity,
		Packet:   packet,
		Address:  network.NewAddress(addr, uint16(entry.Port)),
		Source:   SourceMDNS,
		SeenAt:   seenAt,
	}, true
}

func entryAddress(entry *zeroconf.ServiceEntry) (netip.Addr, bool) {
	for _, ips := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		for _, ip := range ips {
			if addr, ok := netip.AddrFromSlice(ip); ok {
				return addr.Unmap(), true
			}
		}
	}
	return netip.Addr{}, false
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return out
}
