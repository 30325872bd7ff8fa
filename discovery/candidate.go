package discovery

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"peerlink/network"
	"peerlink/protocol"
)

// Source names where a Candidate came from.
type Source string

const (
	SourceUDP  Source = "udp"
	SourceMDNS Source = "mdns"
)

// Candidate is a peer that announced itself and can be dialed at Address.
// Discovery never connects on its own; candidates are handed to the device
// registry.
type Candidate struct {
	Identity protocol.Identity
	// Packet is the identity packet used to open the connection.
	Packet  protocol.Packet
	Address network.Address
	Source  Source
	SeenAt  time.Time
}

// suppressor drops repeats of the same device and address seen within a
// window, so the once-per-second announce does not flood the registry.
type suppressor struct {
	window time.Duration
	seen   *lru.Cache[string, time.Time]
}

func newSuppressor(size int, window time.Duration) (*suppressor, error) {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &suppressor{window: window, seen: cache}, nil
}

func (s *suppressor) allow(c Candidate, now time.Time) bool {
	if s == nil || s.window <= 0 {
		return true
	}
	key := c.Identity.DeviceID + "|" + c.Address.String()
	if last, ok := s.seen.Get(key); ok && now.Sub(last) < s.window {
		return false
	}
	s.seen.Add(key, now)
	return true
}

// forget clears suppression for deviceID so its next announcement passes.
func (s *suppressor) forget(deviceID string) {
	if s == nil {
		return
	}
	prefix := deviceID + "|"
	for _, key := range s.seen.Keys() {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			s.seen.Remove(key)
		}
	}
}
