package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"peerlink/discovery"
	"peerlink/logging"
	"peerlink/network"
	"peerlink/pairing"
	"peerlink/protocol"
	"peerlink/service"
	"peerlink/storage"
	"peerlink/trust"
)

var logger = logging.Logger("device")

// DefaultTrustViolationBackoff is how long a device that failed its pinned
// certificate check is left alone before it is dialed or accepted again.
const DefaultTrustViolationBackoff = time.Minute

// TrustStore persists paired devices and the security audit log.
type TrustStore interface {
	ListTrustedDevices() ([]storage.TrustedDevice, error)
	SaveTrustedDevice(device storage.TrustedDevice) error
	RemoveTrustedDevice(deviceID string) error
	TouchTrustedDevice(deviceID, address string, seenAt time.Time) error
	RecordSecurityEvent(eventType storage.EventType, deviceID string, severity storage.Severity, details map[string]any) error
}

// Config wires a Registry.
type Config struct {
	// Identity is the local certificate presented on every connection.
	Identity *trust.Identity
	// LocalIdentity builds the identity packet sent to peers.
	LocalIdentity func() (protocol.Packet, error)

	// Store is optional; without it pairing does not survive a restart.
	Store    TrustStore
	Router   *service.Router
	Delegate Delegate

	Clock          clock.Clock
	PairingTimeout time.Duration
	// Connection carries timeouts for dialed and accepted connections.
	// Identity and Delegate are set by the registry.
	Connection network.Options

	// Forget is called with a device id when its connection closes, so
	// discovery reports the device again on its next announcement. It is
	// not called while the device is held off after a trust violation.
	Forget func(deviceID string)
	// TrustViolationBackoff defaults to DefaultTrustViolationBackoff.
	TrustViolationBackoff time.Duration
	// Payload carries the bind host, port range and timeout of payload
	// transfers. Identity, DeviceID and Pinned are set per transfer.
	Payload network.PayloadOptions
}

// Registry maps device ids to devices. All state lives on the goroutine
// running Run; the exported methods post work to it.
type Registry struct {
	cfg    Config
	selfID string

	mailbox *mailbox
	running atomic.Bool
	stopped chan struct{}
	ctx     context.Context

	devices map[string]*entry
	links   map[*network.Connection]*link
}

// NewRegistry validates cfg. Call Run to start the event loop.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Identity == nil || cfg.Identity.Certificate == nil {
		return nil, network.ErrNoLocalIdentity
	}
	if cfg.LocalIdentity == nil {
		return nil, errors.New("device: local identity source is required")
	}
	packet, err := cfg.LocalIdentity()
	if err != nil {
		return nil, fmt.Errorf("build local identity: %w", err)
	}
	self, err := packet.Identity()
	if err != nil {
		return nil, fmt.Errorf("build local identity: %w", err)
	}

	if cfg.Router == nil {
		cfg.Router = service.NewRouter()
	}
	if cfg.Delegate == nil {
		cfg.Delegate = DelegateFuncs{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.TrustViolationBackoff <= 0 {
		cfg.TrustViolationBackoff = DefaultTrustViolationBackoff
	}

	return &Registry{
		cfg:     cfg,
		selfID:  self.DeviceID,
		mailbox: newMailbox(),
		stopped: make(chan struct{}),
		devices: make(map[string]*entry),
		links:   make(map[*network.Connection]*link),
	}, nil
}

// SelfID is the local device id.
func (r *Registry) SelfID() string {
	return r.selfID
}

func (r *Registry) Router() *service.Router {
	return r.cfg.Router
}

// ConnectionOptions returns the options a listener must use for accepted
// connections handed to Adopt.
func (r *Registry) ConnectionOptions() network.Options {
	opts := r.cfg.Connection
	opts.Identity = r.cfg.Identity
	opts.Delegate = connectionEvents{r}
	return opts
}

// Run loads trusted devices and processes events until ctx is done. Open
// connections are closed on return.
func (r *Registry) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	r.ctx = ctx
	defer r.shutdown()

	if err := r.loadTrusted(); err != nil {
		return err
	}
	logger.Info("device registry started", "device_id", r.selfID, "trusted", len(r.devices))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.mailbox.ready:
			for _, f := range r.mailbox.drain() {
				f()
			}
		}
	}
}

func (r *Registry) shutdown() {
	r.mailbox.close()
	for conn := range r.links {
		_ = conn.Close()
	}
	for _, e := range r.devices {
		e.pairing.Stop()
	}
	close(r.stopped)
}

// do runs f on the loop and waits for it.
func (r *Registry) do(f func()) error {
	done := make(chan struct{})
	if !r.mailbox.post(func() {
		f()
		close(done)
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-r.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Devices returns snapshots of every known device sorted by id.
func (r *Registry) Devices() []Info {
	var out []Info
	_ = r.do(func() {
		out = make([]Info, 0, len(r.devices))
		for _, e := range r.devices {
			out = append(out, e.info(r.cfg.Identity))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Device(deviceID string) (Info, bool) {
	var (
		info  Info
		found bool
	)
	_ = r.do(func() {
		if e, ok := r.devices[deviceID]; ok {
			info, found = e.info(r.cfg.Identity), true
		}
	})
	return info, found
}

// withDevice runs f on the loop for a known device and returns its error.
func (r *Registry) withDevice(deviceID string, f func(e *entry) error) error {
	var result error
	if err := r.do(func() {
		e, ok := r.devices[deviceID]
		if !ok {
			result = fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
			return
		}
		result = f(e)
	}); err != nil {
		return err
	}
	return result
}

// RequestPairing asks a reachable, unpaired device to pair.
func (r *Registry) RequestPairing(deviceID string) error {
	return r.withDevice(deviceID, func(e *entry) error {
		return e.pairing.RequestPairing()
	})
}

// AcceptPairing answers a request from the device and pins the certificate
// it presented on the current connection.
func (r *Registry) AcceptPairing(deviceID string) error {
	return r.withDevice(deviceID, func(e *entry) error {
		return e.pairing.Accept(trust.Digest(e.peerCertificate()))
	})
}

// DeclinePairing rejects a request from the device or withdraws ours.
func (r *Registry) DeclinePairing(deviceID string) error {
	return r.withDevice(deviceID, func(e *entry) error {
		if err := e.pairing.Decline(); err != nil {
			return err
		}
		r.audit(storage.EventPairingDeclined, e.id, storage.SeverityInfo, map[string]any{"by": "local"})
		return nil
	})
}

// Unpair removes trust in the device. An unreachable device is forgotten.
func (r *Registry) Unpair(deviceID string) error {
	return r.withDevice(deviceID, func(e *entry) error {
		return e.pairing.Unpair()
	})
}

// Send writes packet to a paired, reachable device. done, when set, runs on
// the registry goroutine once the packet is written, which may be on a
// later connection if the current one closes first.
func (r *Registry) Send(deviceID string, packet protocol.Packet, done func(error)) error {
	return r.withDevice(deviceID, func(e *entry) error {
		return r.send(e, packet, done)
	})
}

// SendWithPayload writes packet to a paired, reachable device and serves
// size bytes of payload to it on a separate TLS connection; a negative size
// streams until EOF. done, when set, runs on the registry goroutine once the
// transfer ends and reports the packet error if the packet never left,
// otherwise the payload error. The caller owns payload until then.
func (r *Registry) SendWithPayload(deviceID string, packet protocol.Packet, payload io.Reader, size int64, done func(error)) error {
	return r.withDevice(deviceID, func(e *entry) error {
		return r.sendWithPayload(e, packet, payload, size, done)
	})
}

// HandleCandidate records a discovered peer and connects to it unless a
// connection already exists.
func (r *Registry) HandleCandidate(candidate discovery.Candidate) {
	r.mailbox.post(func() { r.handleCandidate(candidate) })
}

// Adopt takes an accepted connection created with ConnectionOptions.
func (r *Registry) Adopt(conn *network.Connection) {
	if conn == nil {
		return
	}
	if !r.mailbox.post(func() {
		r.links[conn] = &link{conn: conn}
		conn.Start(r.ctx)
	}) {
		_ = conn.Close()
	}
}

func (r *Registry) loadTrusted() error {
	if r.cfg.Store == nil {
		return nil
	}
	records, err := r.cfg.Store.ListTrustedDevices()
	if err != nil {
		return fmt.Errorf("load trusted devices: %w", err)
	}

	for _, record := range records {
		e := newEntry(record.DeviceID)
		e.identity.DeviceName = record.DeviceName
		e.identity.DeviceType = protocol.ParseDeviceType(record.DeviceType)
		e.identity.ProtocolVersion = record.ProtocolVersion
		if record.LastKnownAddress != nil {
			if addr, err := network.ParseAddress(*record.LastKnownAddress); err == nil {
				e.addAddress(addr)
			}
		}
		e.pairing = r.newMachine(e, record.CertificateFingerprint)
		r.devices[e.id] = e
	}
	return nil
}

func (r *Registry) newMachine(e *entry, pinned string) *pairing.Machine {
	return pairing.Restore(pairing.Config{
		DeviceID: e.id,
		Clock:    r.cfg.Clock,
		Timeout:  r.cfg.PairingTimeout,
		Post:     func(f func()) { r.mailbox.post(f) },
		Send: func(packet protocol.Packet) bool {
			if !e.reachable() {
				return false
			}
			return e.link.conn.Send(packet, nil) == nil
		},
		Observer: pairingEvents{r},
	}, pinned)
}

// ensure returns the device for id, creating an Unpaired one if needed.
func (r *Registry) ensure(id string) (*entry, bool) {
	if e, ok := r.devices[id]; ok {
		return e, false
	}
	e := newEntry(id)
	e.pairing = r.newMachine(e, "")
	r.devices[id] = e
	return e, true
}

func (r *Registry) notify(e *entry) {
	r.cfg.Delegate.DeviceStateChanged(e.info(r.cfg.Identity))
}

func (r *Registry) handleCandidate(candidate discovery.Candidate) {
	id := candidate.Identity.DeviceID
	if id == "" || id == r.selfID {
		return
	}

	e, created := r.ensure(id)
	before := e.identity
	// The handshake identity is authoritative while a link is up.
	if !e.reachable() {
		e.merge(candidate.Identity)
	}
	e.addAddress(candidate.Address)
	if created || !sameIdentity(before, e.identity) {
		r.notify(e)
	}

	if e.link != nil {
		return
	}
	if e.distrusted(r.cfg.Clock.Now()) {
		logger.Debug("not dialing distrusted device", "device", e.id, "until", e.distrustedUntil)
		return
	}
	r.dial(e, candidate)
}

func (r *Registry) send(e *entry, packet protocol.Packet, done func(error)) error {
	if e.pairing.State() != pairing.StatePaired {
		return pairing.ErrNotPaired
	}
	if !e.reachable() {
		return pairing.ErrNotReachable
	}
	if done != nil {
		e.callbacks[packet.ID] = done
	}
	if err := r.write(e, packet); err != nil {
		delete(e.callbacks, packet.ID)
		return pairing.ErrNotReachable
	}
	return nil
}

func (r *Registry) sendWithPayload(e *entry, packet protocol.Packet, payload io.Reader, size int64, done func(error)) error {
	if e.pairing.State() != pairing.StatePaired {
		return pairing.ErrNotPaired
	}
	if !e.reachable() {
		return pairing.ErrNotReachable
	}

	upload, err := network.ServePayload(r.ctx, payload, size, r.payloadOptions(e))
	if err != nil {
		return fmt.Errorf("serve payload: %w", err)
	}

	var packetErr error
	sent := func(err error) {
		if err != nil {
			packetErr = err
			go upload.Close()
		}
	}
	if err := r.send(e, packet.WithPayload(size, upload.Port()), sent); err != nil {
		_ = upload.Close()
		return err
	}

	deviceID := e.id
	go func() {
		<-upload.Done()
		n, err := upload.Result()
		r.mailbox.post(func() {
			if packetErr != nil {
				err = packetErr
			}
			if err != nil {
				logger.Warn("payload transfer failed", "device", deviceID, "type", packet.Type, "bytes", n, "error", err)
			} else {
				logger.Debug("payload transferred", "device", deviceID, "type", packet.Type, "bytes", n)
			}
			if done != nil {
				done(err)
			}
		})
	}()
	return nil
}

// payloadOptions pins payload transfers with e to its paired certificate.
func (r *Registry) payloadOptions(e *entry) network.PayloadOptions {
	opts := r.cfg.Payload
	opts.Identity = r.cfg.Identity
	opts.DeviceID = e.id
	opts.Pinned = e.pairing.PinnedFingerprint()
	return opts
}

func (r *Registry) write(e *entry, packet protocol.Packet) error {
	var done func(error)
	if _, ok := e.callbacks[packet.ID]; ok {
		id, packetID := e.id, packet.ID
		done = func(err error) {
			r.mailbox.post(func() { r.delivered(id, packetID, err) })
		}
	}
	return e.link.conn.Send(packet, done)
}

func (r *Registry) delivered(deviceID string, packetID int64, err error) {
	e, ok := r.devices[deviceID]
	if !ok {
		return
	}
	if done, ok := e.callbacks[packetID]; ok {
		delete(e.callbacks, packetID)
		done(err)
	}
}

// flushPending re-sends packets reclaimed from earlier connections.
func (r *Registry) flushPending(e *entry) {
	pending := e.pending
	e.pending = nil
	for i, packet := range pending {
		if err := r.write(e, packet); err != nil {
			e.pending = append(e.pending, pending[i:]...)
			return
		}
	}
}

// route hands a packet to services. Only paired devices may use services;
// a device we consider unpaired is told so.
func (r *Registry) route(e *entry, packet protocol.Packet) {
	switch e.pairing.State() {
	case pairing.StatePaired:
		r.cfg.Router.Dispatch(r.peer(e), packet)
	case pairing.StateUnpaired:
		logger.Debug("dropping packet from unpaired device", "device", e.id, "type", packet.Type)
		_ = e.link.conn.Send(protocol.NewPairPacket(false), nil)
	default:
		logger.Debug("dropping packet while pairing", "device", e.id, "type", packet.Type)
	}
}

func (r *Registry) audit(eventType storage.EventType, deviceID string, severity storage.Severity, details map[string]any) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.RecordSecurityEvent(eventType, deviceID, severity, details); err != nil {
		logger.Warn("cannot record security event", "event", eventType, "device", deviceID, "error", err)
	}
}

func sameIdentity(a, b protocol.Identity) bool {
	return a.DeviceName == b.DeviceName &&
		a.DeviceType == b.DeviceType &&
		a.ProtocolVersion == b.ProtocolVersion &&
		slices.Equal(a.IncomingCapabilities, b.IncomingCapabilities) &&
		slices.Equal(a.OutgoingCapabilities, b.OutgoingCapabilities)
}

// peer is the service-facing view of a device, captured when a packet is
// routed.
type peer struct {
	r    *Registry
	id   string
	name string
	caps []string

	host    network.Address
	payload network.PayloadOptions
}

func (r *Registry) peer(e *entry) service.Peer {
	p := peer{
		r:       r,
		id:      e.id,
		name:    e.identity.DeviceName,
		caps:    slices.Clone(e.identity.IncomingCapabilities),
		payload: r.payloadOptions(e),
	}
	if e.link != nil {
		p.host = e.link.conn.PeerAddress()
	}
	return p
}

func (p peer) ID() string                     { return p.id }
func (p peer) Name() string                   { return p.name }
func (p peer) IncomingCapabilities() []string { return p.caps }

func (p peer) Send(packet protocol.Packet) error {
	if !p.r.mailbox.post(func() {
		e, ok := p.r.devices[p.id]
		if !ok {
			return
		}
		if err := p.r.send(e, packet, nil); err != nil {
			logger.Warn("service packet not sent", "device", p.id, "type", packet.Type, "error", err)
		}
	}) {
		return ErrStopped
	}
	return nil
}

func (p peer) SendWithPayload(packet protocol.Packet, payload io.Reader, size int64, done func(error)) error {
	if !p.r.mailbox.post(func() {
		e, ok := p.r.devices[p.id]
		if !ok {
			return
		}
		if err := p.r.sendWithPayload(e, packet, payload, size, done); err != nil {
			logger.Warn("service payload not sent", "device", p.id, "type", packet.Type, "error", err)
			if done != nil {
				done(err)
			}
		}
	}) {
		return ErrStopped
	}
	return nil
}

func (p peer) FetchPayload(ctx context.Context, packet protocol.Packet, w io.Writer) (int64, error) {
	if p.host.IsZero() {
		return 0, pairing.ErrNotReachable
	}
	return network.FetchPayload(ctx, p.host, packet, w, p.payload)
}
