package device

import (
	"errors"

	"peerlink/pairing"
	"peerlink/storage"
)

// pairingEvents receives pairing machine callbacks on the registry loop.
type pairingEvents struct {
	r *Registry
}

func (p pairingEvents) PairingStateChanged(deviceID string, from, to pairing.State) {
	r := p.r
	e, ok := r.devices[deviceID]
	if !ok {
		return
	}
	logger.Info("pairing state changed", "device", deviceID, "from", from, "to", to)

	switch {
	case to == pairing.StatePaired:
		r.persist(e)
		r.audit(storage.EventPairingAccepted, deviceID, storage.SeverityInfo, map[string]any{
			"fingerprint": e.pairing.PinnedFingerprint(),
		})
		r.cfg.Router.Setup(r.peer(e))

	case from == pairing.StatePaired:
		if r.cfg.Store != nil {
			if err := r.cfg.Store.RemoveTrustedDevice(deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				logger.Warn("cannot remove trusted device", "device", deviceID, "error", err)
			}
		}
		r.audit(storage.EventUnpaired, deviceID, storage.SeverityInfo, nil)
		r.cfg.Router.Cleanup(r.peer(e))

		// Nothing is left to show for an unpaired device we cannot reach.
		if e.link == nil {
			r.notify(e)
			e.pairing.Stop()
			delete(r.devices, deviceID)
			return
		}
	}
	r.notify(e)
}

func (p pairingEvents) PairingRequested(request pairing.Request) {
	e, ok := p.r.devices[request.DeviceID]
	if !ok {
		return
	}
	logger.Info("pairing requested", "device", e.id, "name", e.identity.DeviceName)
	p.r.cfg.Delegate.PairingRequestReceived(e.info(p.r.cfg.Identity), request)
}

func (p pairingEvents) PairingFailed(deviceID string, err error) {
	r := p.r
	e, ok := r.devices[deviceID]
	if !ok {
		return
	}
	logger.Info("pairing failed", "device", deviceID, "error", err)

	switch {
	case errors.Is(err, pairing.ErrTimedOut):
		r.audit(storage.EventPairingTimedOut, deviceID, storage.SeverityInfo, nil)
	case errors.Is(err, pairing.ErrDeclinedByPeer), errors.Is(err, pairing.ErrCancelledByPeer):
		r.audit(storage.EventPairingDeclined, deviceID, storage.SeverityInfo, map[string]any{"by": "peer"})
	case errors.Is(err, pairing.ErrNoPeerCertificate):
		r.audit(storage.EventInsecureChannel, deviceID, storage.SeverityWarning, nil)
	}
	r.cfg.Delegate.PairingFailed(e.info(r.cfg.Identity), err)
}

// persist stores a newly paired device with its pinned certificate.
func (r *Registry) persist(e *entry) {
	if r.cfg.Store == nil {
		return
	}
	record := storage.TrustedDevice{
		DeviceID:               e.id,
		DeviceName:             e.identity.DeviceName,
		DeviceType:             string(e.identity.DeviceType),
		CertificateFingerprint: e.pairing.PinnedFingerprint(),
		ProtocolVersion:        e.identity.ProtocolVersion,
	}
	seen := r.cfg.Clock.Now().UnixMilli()
	record.LastSeenTimestamp = &seen
	if len(e.addresses) > 0 {
		addr := e.addresses[0].String()
		record.LastKnownAddress = &addr
	}
	if err := r.cfg.Store.SaveTrustedDevice(record); err != nil {
		logger.Error("cannot store trusted device", "device", e.id, "error", err)
	}
}
