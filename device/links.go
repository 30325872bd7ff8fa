package device

import (
	"errors"

	"peerlink/discovery"
	"peerlink/network"
	"peerlink/protocol"
	"peerlink/storage"
	"peerlink/trust"
)

// link is one connection owned by the registry. deviceID stays empty on an
// accepted connection until the peer identity arrives.
type link struct {
	conn        *network.Connection
	deviceID    string
	continuing  bool
	established bool
}

// connectionEvents forwards connection callbacks onto the registry loop.
type connectionEvents struct {
	r *Registry
}

func (c connectionEvents) ConnectionStateChanged(conn *network.Connection, state network.State) {
	c.r.mailbox.post(func() { c.r.connectionStateChanged(conn, state) })
}

func (c connectionEvents) ConnectionPacketSent(conn *network.Connection, packet protocol.Packet) {
	if packet.Type != protocol.TypeIdentity {
		return
	}
	c.r.mailbox.post(func() { c.r.identitySent(conn) })
}

func (c connectionEvents) ConnectionPacketReceived(conn *network.Connection, packet protocol.Packet) {
	c.r.mailbox.post(func() { c.r.packetReceived(conn, packet) })
}

func (r *Registry) dial(e *entry, candidate discovery.Candidate) {
	conn, err := network.Open(candidate.Address, candidate.Packet, r.ConnectionOptions())
	if err != nil {
		logger.Warn("cannot open connection", "device", e.id, "addr", candidate.Address, "error", err)
		return
	}
	l := &link{conn: conn, deviceID: e.id}
	r.links[conn] = l
	e.link = l

	logger.Debug("dialing device", "device", e.id, "addr", candidate.Address, "source", candidate.Source)
	conn.Start(r.ctx)
}

func (r *Registry) connectionStateChanged(conn *network.Connection, state network.State) {
	l, ok := r.links[conn]
	if !ok {
		return
	}
	switch state {
	case network.StateOpen:
		// The dialing side speaks first.
		if conn.Role() == network.RoleOutbound {
			r.sendIdentity(l)
		}
	case network.StateClosed:
		r.linkClosed(l)
	}
}

func (r *Registry) sendIdentity(l *link) {
	packet, err := r.cfg.LocalIdentity()
	if err != nil {
		logger.Error("cannot build identity packet", "error", err)
		_ = l.conn.Close()
		return
	}
	_ = l.conn.Send(packet, nil)
}

// identitySent starts the upgrade of a dialed connection once our identity
// is on the wire.
func (r *Registry) identitySent(conn *network.Connection) {
	l, ok := r.links[conn]
	if !ok || conn.Role() != network.RoleOutbound || l.continuing {
		return
	}
	r.continueLink(l)
}

func (r *Registry) packetReceived(conn *network.Connection, packet protocol.Packet) {
	l, ok := r.links[conn]
	if !ok {
		return
	}
	if l.deviceID == "" {
		identity, err := packet.Identity()
		if err != nil {
			_ = conn.Close()
			return
		}
		r.identify(l, identity)
		return
	}

	e, ok := r.devices[l.deviceID]
	if !ok || e.link != l {
		return
	}

	switch {
	case packet.Type == protocol.TypeIdentity:
		identity, err := packet.Identity()
		if err != nil || identity.DeviceID != e.id {
			logger.Warn("ignoring identity packet", "device", e.id, "error", err)
			return
		}
		conn.SetPeerIdentity(identity)
		if !sameIdentity(e.identity, identity) {
			e.observe(identity)
			r.notify(e)
		}
	case packet.IsPair():
		pair, err := packet.PairFlag()
		if err != nil {
			logger.Warn("malformed pair packet", "device", e.id, "error", err)
			return
		}
		if err := e.pairing.HandlePair(pair, trust.Digest(e.peerCertificate())); err != nil {
			logger.Warn("pair packet rejected", "device", e.id, "error", err)
		}
	default:
		r.route(e, packet)
	}
}

// identify binds an accepted connection to the device it claims to be.
func (r *Registry) identify(l *link, identity protocol.Identity) {
	if identity.DeviceID == r.selfID {
		logger.Debug("dropping connection from ourselves", "conn", l.conn.String())
		_ = l.conn.Close()
		return
	}

	if e, ok := r.devices[identity.DeviceID]; ok && e.distrusted(r.cfg.Clock.Now()) {
		logger.Debug("dropping connection from distrusted device", "device", e.id, "conn", l.conn.String())
		_ = l.conn.Close()
		return
	}

	e, created := r.ensure(identity.DeviceID)
	changed := created || !sameIdentity(e.identity, identity)
	e.observe(identity)
	if identity.RequireTCPPort() == nil {
		e.addAddress(l.conn.PeerAddress().WithPort(uint16(identity.TCPPort)))
	}
	l.deviceID = e.id
	if changed {
		r.notify(e)
	}

	if r.attach(e, l) {
		r.continueLink(l)
	}
}

// attach makes l the device's connection. With two live connections both
// ends keep the one dialed by the smaller device id, so a simultaneous dial
// settles on the same socket; a newer connection from the same dialer
// replaces the older one.
func (r *Registry) attach(e *entry, l *link) bool {
	old := e.link
	if old == nil || old == l || old.conn.State() == network.StateClosed {
		e.link = l
		return true
	}

	dialerOld, dialerNew := r.dialer(old), r.dialer(l)
	if dialerOld != dialerNew && dialerOld < dialerNew {
		logger.Debug("keeping existing connection", "device", e.id, "kept", old.conn.String(), "dropped", l.conn.String())
		_ = l.conn.Close()
		return false
	}

	logger.Debug("replacing connection", "device", e.id, "old", old.conn.String(), "new", l.conn.String())
	e.link = l
	_ = old.conn.Close()
	return true
}

func (r *Registry) dialer(l *link) string {
	if l.conn.Role() == network.RoleOutbound {
		return r.selfID
	}
	return l.deviceID
}

// continueLink finishes the handshake off the loop. A paired device is
// pinned to its stored certificate; any other device is accepted on first
// use and must then pair.
func (r *Registry) continueLink(l *link) {
	e, ok := r.devices[l.deviceID]
	if !ok {
		_ = l.conn.Close()
		return
	}
	identity, _ := l.conn.PeerIdentity()
	l.continuing = true
	conn, ctx := l.conn, r.ctx

	if !identity.SupportsSecureChannel() {
		if e.pairing.PinnedFingerprint() != "" {
			r.trustViolation(e, ErrInsecureChannel)
			_ = conn.Close()
			return
		}
		go func() {
			err := conn.ContinueWithoutSecureChannel()
			r.mailbox.post(func() { r.continued(l, err) })
		}()
		return
	}

	pinned := e.pairing.PinnedFingerprint()
	go func() {
		err := conn.ContinueWithSecureChannel(ctx, pinned)
		r.mailbox.post(func() { r.continued(l, err) })
	}()
}

func (r *Registry) continued(l *link, err error) {
	if err != nil {
		e, ok := r.devices[l.deviceID]
		if ok && errors.Is(err, trust.ErrFingerprintMismatch) {
			r.trustViolation(e, err)
			return
		}
		if errors.Is(err, network.ErrClosed) {
			logger.Debug("connection closed before upgrade", "device", l.deviceID, "conn", l.conn.String())
			return
		}
		logger.Warn("connection upgrade failed", "device", l.deviceID, "conn", l.conn.String(), "error", err)
		return
	}
	if r.links[l.conn] != l {
		return
	}
	l.established = true

	e, ok := r.devices[l.deviceID]
	if !ok || e.link != l {
		return
	}
	if l.conn.Role() == network.RoleInbound {
		r.sendIdentity(l)
	}
	r.flushPending(e)

	if e.pairing.PinnedFingerprint() != "" && r.cfg.Store != nil && len(e.addresses) > 0 {
		if err := r.cfg.Store.TouchTrustedDevice(e.id, e.addresses[0].String(), r.cfg.Clock.Now()); err != nil {
			logger.Warn("cannot update last seen", "device", e.id, "error", err)
		}
	}

	logger.Info("device reachable", "device", e.id, "name", e.identity.DeviceName, "secure", l.conn.IsSecure(), "conn", l.conn.String())
	r.notify(e)
}

func (r *Registry) linkClosed(l *link) {
	delete(r.links, l.conn)
	unsent := l.conn.ReclaimUnsent()

	e, ok := r.devices[l.deviceID]
	if !ok {
		return
	}
	for _, packet := range unsent {
		if packet.Type == protocol.TypeIdentity || packet.IsPair() {
			continue
		}
		e.pending = append(e.pending, packet)
	}

	if e.link != l {
		if e.reachable() {
			r.flushPending(e)
		}
		return
	}

	e.link = nil
	if err := l.conn.Err(); err != nil {
		logger.Warn("device connection lost", "device", e.id, "error", err)
	} else {
		logger.Info("device disconnected", "device", e.id)
	}
	if r.cfg.Forget != nil && !e.distrusted(r.cfg.Clock.Now()) {
		r.cfg.Forget(e.id)
	}
	if l.established {
		r.notify(e)
	}
}

func (r *Registry) trustViolation(e *entry, err error) {
	e.distrustedUntil = r.cfg.Clock.Now().Add(r.cfg.TrustViolationBackoff)
	logger.Error("trust violation", "device", e.id, "retry_after", e.distrustedUntil, "error", err)

	eventType := storage.EventFingerprintMismatch
	if errors.Is(err, ErrInsecureChannel) {
		eventType = storage.EventInsecureChannel
	}
	details := map[string]any{"error": err.Error()}
	var mismatch *trust.MismatchError
	if errors.As(err, &mismatch) {
		details["pinned"] = mismatch.Pinned
		details["presented"] = mismatch.Presented
	}
	r.audit(eventType, e.id, storage.SeverityCritical, details)
	r.cfg.Delegate.TrustViolation(e.info(r.cfg.Identity), err)
}
