// Package node assembles a running host: configuration, certificate, trust
// store, device registry, TCP listener and discovery.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"peerlink/config"
	"peerlink/device"
	"peerlink/discovery"
	"peerlink/logging"
	"peerlink/network"
	"peerlink/pairing"
	"peerlink/protocol"
	"peerlink/service"
	"peerlink/storage"
	"peerlink/trust"
)

var logger = logging.Logger("node")

// ErrNotRunning is returned by operations that need Run to be active.
var ErrNotRunning = errors.New("node: not running")

// Options configures New. Only DataDir is needed for a normal start.
type Options struct {
	DataDir string
	// Config replaces the config file; the data directory still holds the
	// certificate and database.
	Config *config.DeviceConfig
	// Provider stores the identity certificate. Defaults to PEM files in
	// the keys directory.
	Provider trust.Provider
	Clock    clock.Clock

	// Host binds the TCP listener and the discovery socket.
	Host string
	// DiscoveryTargets replaces the broadcast address for announcements.
	DiscoveryTargets []network.Address

	// AcceptPairing answers every incoming pairing request with accept.
	AcceptPairing bool
	// PairWith lists device ids to request pairing with once reachable.
	PairWith []string

	Delegate device.Delegate
	OnPing   func(peer service.Peer, message string)
}

// Node owns every long-lived component of a host.
type Node struct {
	opts    Options
	cfg     *config.DeviceConfig
	dataDir string

	identity *trust.Identity
	store    *storage.Store
	router   *service.Router
	ping     *service.Ping
	registry *device.Registry

	port      atomic.Uint32
	discovery *discovery.Service
	mdns      *discovery.MDNS
	server    *network.Server

	ready   chan struct{}
	running atomic.Bool

	pairMu    sync.Mutex
	requested map[string]bool
}

// New loads configuration and state from disk. Nothing touches the network
// until Run.
func New(opts Options) (*Node, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	cfg, dataDir := opts.Config, opts.DataDir
	if cfg == nil {
		loaded, resolved, err := config.LoadOrCreate(dataDir)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg, dataDir = loaded, resolved
	} else if err := config.EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}

	provider := opts.Provider
	if provider == nil {
		files, err := trust.NewFileProvider(config.KeysDir(dataDir))
		if err != nil {
			return nil, err
		}
		provider = files
	}
	identity, err := provider.GetOrCreateIdentity(cfg.DeviceID, cfg.CertificateValidity())
	if err != nil {
		return nil, fmt.Errorf("load identity certificate: %w", err)
	}
	if identity.Expired(opts.Clock.Now()) {
		logger.Warn("identity certificate expired; paired devices may refuse it",
			"device_id", cfg.DeviceID,
			"not_before", identity.Certificate.NotBefore,
			"not_after", identity.Certificate.NotAfter)
	}
	if opts.Config == nil && cfg.KeyFingerprint != identity.Fingerprint() {
		cfg.KeyFingerprint = identity.Fingerprint()
		if err := config.Save(config.ConfigPath(dataDir), cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	store, err := storage.Open(dataDir, storage.WithClock(opts.Clock), storage.WithEventRetention(cfg.AuditRetention()))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	n := &Node{
		opts:      opts,
		cfg:       cfg,
		dataDir:   dataDir,
		identity:  identity,
		store:     store,
		router:    service.NewRouter(),
		ping:      service.NewPing(),
		ready:     make(chan struct{}),
		requested: make(map[string]bool),
	}
	n.ping.OnPing = opts.OnPing
	if err := n.router.Register(n.ping); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := n.loadServiceSettings(); err != nil {
		_ = store.Close()
		return nil, err
	}

	registry, err := device.NewRegistry(device.Config{
		Identity:       identity,
		LocalIdentity:  n.identityPacket,
		Store:          store,
		Router:         n.router,
		Delegate:       n,
		Clock:          opts.Clock,
		PairingTimeout: cfg.PairingTimeout(),
		Forget:         n.forget,
		Payload:        network.PayloadOptions{Host: opts.Host},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	n.registry = registry
	return n, nil
}

func (n *Node) identityPacket() (protocol.Packet, error) {
	return protocol.NewIdentityPacket(protocol.Identity{
		DeviceID:             n.cfg.DeviceID,
		DeviceName:           n.cfg.DeviceName,
		DeviceType:           n.cfg.Type(),
		ProtocolVersion:      protocol.ProtocolVersion,
		TCPPort:              int(n.port.Load()),
		IncomingCapabilities: n.router.IncomingCapabilities(),
		OutgoingCapabilities: n.router.OutgoingCapabilities(),
	})
}

func (n *Node) loadServiceSettings() error {
	settings, err := n.store.ServiceSettings()
	if err != nil {
		return fmt.Errorf("load service settings: %w", err)
	}
	for _, setting := range settings {
		n.router.SetEnabled(setting.Service, setting.DeviceID, setting.Enabled)
	}
	return nil
}

// SetServiceEnabled turns a service on or off for one device, or for every
// device without its own setting when deviceID is empty. It takes effect on
// the next packet and is persisted.
func (n *Node) SetServiceEnabled(name, deviceID string, enabled bool) error {
	if err := n.store.SetServiceEnabled(name, deviceID, enabled); err != nil {
		return err
	}
	n.router.SetEnabled(name, deviceID, enabled)
	return nil
}

// ResetService drops a setting made by SetServiceEnabled.
func (n *Node) ResetService(name, deviceID string) error {
	if err := n.store.ClearServiceSetting(name, deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	n.router.ResetEnabled(name, deviceID)
	return nil
}

func (n *Node) forget(deviceID string) {
	if n.discovery != nil {
		n.discovery.Forget(deviceID)
	}
	if n.mdns != nil {
		n.mdns.Forget(deviceID)
	}
}

// Run listens, discovers and serves peers until ctx is done. Listener
// failure is fatal; discovery failures are logged and the node keeps
// accepting connections.
func (n *Node) Run(ctx context.Context) (err error) {
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("node: already running")
	}

	server, err := network.Listen(ctx, network.ListenOptions{
		Host:       n.opts.Host,
		MinPort:    n.cfg.TCPPortMin,
		MaxPort:    n.cfg.TCPPortMax,
		Connection: n.registry.ConnectionOptions(),
	})
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	n.server = server
	n.port.Store(uint32(server.Port()))
	defer func() {
		err = multierr.Append(err, n.stopNetwork())
	}()

	n.startDiscovery(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.registry.Run(gctx) })
	g.Go(func() error { return n.acceptLoop(gctx) })
	if n.discovery != nil {
		g.Go(func() error { return n.candidateLoop(gctx, n.discovery.Candidates()) })
	}
	if n.mdns != nil {
		g.Go(func() error { return n.candidateLoop(gctx, n.mdns.Candidates()) })
	}

	logger.Info("node running", "device_id", n.cfg.DeviceID, "name", n.cfg.DeviceName, "tcp_port", server.Port())
	close(n.ready)
	return g.Wait()
}

func (n *Node) startDiscovery(ctx context.Context) {
	udp, err := discovery.NewService(discovery.Config{
		Host:             n.opts.Host,
		Port:             n.cfg.DiscoveryPort,
		Targets:          n.opts.DiscoveryTargets,
		AnnounceInterval: n.cfg.AnnounceInterval(),
		Clock:            n.opts.Clock,
		SelfDeviceID:     n.cfg.DeviceID,
		Identity:         n.identityPacket,
	})
	if err == nil {
		err = udp.Start(ctx)
	}
	if err != nil {
		logger.Warn("udp discovery unavailable", "port", n.cfg.DiscoveryPort, "error", err)
	} else {
		n.discovery = udp
	}

	if !n.cfg.MDNS() {
		return
	}
	mdns, err := discovery.NewMDNS(discovery.MDNSConfig{
		Clock:        n.opts.Clock,
		SelfDeviceID: n.cfg.DeviceID,
		Identity:     n.identityPacket,
		Fingerprint:  n.identity.Fingerprint(),
	})
	if err == nil {
		err = mdns.Start(ctx)
	}
	if err != nil {
		logger.Warn("mdns discovery unavailable", "error", err)
		return
	}
	n.mdns = mdns
}

func (n *Node) stopNetwork() error {
	var err error
	if n.mdns != nil {
		n.mdns.Stop()
	}
	if n.discovery != nil {
		err = multierr.Append(err, n.discovery.Stop())
	}
	if n.server != nil {
		err = multierr.Append(err, n.server.Close())
	}
	return err
}

func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case conn, ok := <-n.server.Incoming():
			if !ok {
				return nil
			}
			n.registry.Adopt(conn)
		}
	}
}

func (n *Node) candidateLoop(ctx context.Context, candidates <-chan discovery.Candidate) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case candidate, ok := <-candidates:
			if !ok {
				return nil
			}
			n.registry.HandleCandidate(candidate)
		}
	}
}

// Close releases the database. Call it after Run returns.
func (n *Node) Close() error {
	return n.store.Close()
}

// Ready is closed once the listener and discovery are up.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

func (n *Node) DeviceID() string             { return n.cfg.DeviceID }
func (n *Node) DeviceName() string           { return n.cfg.DeviceName }
func (n *Node) DataDir() string              { return n.dataDir }
func (n *Node) Fingerprint() string          { return n.identity.Fingerprint() }
func (n *Node) Registry() *device.Registry   { return n.registry }
func (n *Node) Store() *storage.Store        { return n.store }
func (n *Node) Config() *config.DeviceConfig { return n.cfg }
func (n *Node) PingService() *service.Ping   { return n.ping }
func (n *Node) TCPPort() uint16              { return uint16(n.port.Load()) }

// DiscoveryAddr is the bound UDP address, or nil when discovery is off.
func (n *Node) DiscoveryAddr() net.Addr {
	if n.discovery == nil {
		return nil
	}
	return n.discovery.LocalAddr()
}

// Ping sends a ping to a paired device.
func (n *Node) Ping(deviceID, message string) error {
	packet, err := service.NewPingPacket(message)
	if err != nil {
		return err
	}
	return n.registry.Send(deviceID, packet, nil)
}

// DeviceStateChanged applies the PairWith policy and forwards the event.
// Registry calls are made from new goroutines: delegates run on the
// registry loop and must not block on it.
func (n *Node) DeviceStateChanged(info device.Info) {
	if info.Reachable && info.PairingState == pairing.StateUnpaired && n.wantsPairing(info.ID) {
		go func() {
			if err := n.registry.RequestPairing(info.ID); err != nil {
				logger.Warn("pairing request failed", "device", info.ID, "error", err)
			}
		}()
	}
	if n.opts.Delegate != nil {
		n.opts.Delegate.DeviceStateChanged(info)
	}
}

func (n *Node) wantsPairing(deviceID string) bool {
	if !slices.Contains(n.opts.PairWith, deviceID) {
		return false
	}
	n.pairMu.Lock()
	defer n.pairMu.Unlock()
	if n.requested[deviceID] {
		return false
	}
	n.requested[deviceID] = true
	return true
}

func (n *Node) PairingRequestReceived(info device.Info, request pairing.Request) {
	logger.Info("pairing request", "device", info.ID, "name", info.Name, "verification_key", info.VerificationKey)
	if n.opts.AcceptPairing {
		go func() {
			if err := n.registry.AcceptPairing(info.ID); err != nil {
				logger.Warn("auto-accept failed", "device", info.ID, "error", err)
			}
		}()
	}
	if n.opts.Delegate != nil {
		n.opts.Delegate.PairingRequestReceived(info, request)
	}
}

func (n *Node) PairingFailed(info device.Info, err error) {
	if n.opts.Delegate != nil {
		n.opts.Delegate.PairingFailed(info, err)
	}
}

func (n *Node) TrustViolation(info device.Info, err error) {
	if n.opts.Delegate != nil {
		n.opts.Delegate.TrustViolation(info, err)
	}
}
