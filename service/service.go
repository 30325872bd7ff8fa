// Package service routes application packets from paired devices to the
// services that declared them as capabilities.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"

	"peerlink/logging"
	"peerlink/protocol"
)

var logger = logging.Logger("service")

var (
	// ErrDuplicateService indicates a second service registered under one name.
	ErrDuplicateService = errors.New("service: duplicate service name")
	// ErrInvalidService indicates a service without a name.
	ErrInvalidService = errors.New("service: invalid service")
)

// Peer is the device a packet came from. Send queues a reply; it does not
// wait for the write and is safe to call from HandlePacket.
type Peer interface {
	ID() string
	Name() string
	// IncomingCapabilities are the packet types the peer accepts.
	IncomingCapabilities() []string
	Send(packet protocol.Packet) error
	// SendWithPayload queues packet and serves payload to the peer on a
	// separate connection. done, when set, reports the outcome of both and
	// runs on the registry goroutine.
	SendWithPayload(packet protocol.Packet, payload io.Reader, size int64, done func(error)) error
	// FetchPayload downloads the payload announced by packet into w. It
	// blocks, so call it from a goroutine owned by the service.
	FetchPayload(ctx context.Context, packet protocol.Packet, w io.Writer) (int64, error)
}

// Service consumes and produces packets of the types it declares.
type Service interface {
	Name() string
	// IncomingCapabilities are the packet types the service handles.
	IncomingCapabilities() []string
	// OutgoingCapabilities are the packet types the service sends.
	OutgoingCapabilities() []string
	// HandlePacket reports whether the service acted on the packet. It runs
	// on the registry goroutine and must not block.
	HandlePacket(peer Peer, packet protocol.Packet) bool
}

// Lifecycle is implemented by services that keep per-device state.
type Lifecycle interface {
	// Setup runs when a device becomes Paired.
	Setup(peer Peer)
	// Cleanup runs when a device stops being Paired.
	Cleanup(peer Peer)
}

// Router offers packets to every registered service whose incoming
// capabilities contain the packet type, in registration order. A service
// can be disabled for every device or for one device; services are enabled
// unless a setting says otherwise.
type Router struct {
	mu       sync.RWMutex
	services []Service
	names    map[string]struct{}
	enabled  map[setting]bool
}

// setting keys an enablement override. An empty deviceID is the default.
type setting struct {
	service  string
	deviceID string
}

func NewRouter() *Router {
	return &Router{names: make(map[string]struct{}), enabled: make(map[setting]bool)}
}

// SetEnabled overrides whether service handles packets from deviceID, or
// from every device without its own override when deviceID is empty.
func (r *Router) SetEnabled(service, deviceID string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[setting{service, deviceID}] = enabled
}

// ResetEnabled drops an override set by SetEnabled.
func (r *Router) ResetEnabled(service, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.enabled, setting{service, deviceID})
}

// Enabled resolves the device override, then the default override.
func (r *Router) Enabled(service, deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if enabled, ok := r.enabled[setting{service, deviceID}]; ok {
		return enabled
	}
	if enabled, ok := r.enabled[setting{service, ""}]; ok {
		return enabled
	}
	return true
}

// Register appends svc to the dispatch order.
func (r *Router) Register(svc Service) error {
	if svc == nil || strings.TrimSpace(svc.Name()) == "" {
		return ErrInvalidService
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[svc.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, svc.Name())
	}
	r.names[svc.Name()] = struct{}{}
	r.services = append(r.services, svc)
	return nil
}

// Services returns the registered services in dispatch order.
func (r *Router) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.services)
}

// Dispatch offers packet to all matching services enabled for the peer,
// even after one of them handles it, and returns how many reported
// handling it.
func (r *Router) Dispatch(peer Peer, packet protocol.Packet) int {
	handled, matched := 0, 0
	for _, svc := range r.Services() {
		if !slices.Contains(svc.IncomingCapabilities(), packet.Type) {
			continue
		}
		if !r.Enabled(svc.Name(), peer.ID()) {
			logger.Debug("service disabled for device", "service", svc.Name(), "device", peer.ID(), "type", packet.Type)
			continue
		}
		matched++
		if svc.HandlePacket(peer, packet) {
			handled++
		}
	}

	if matched == 0 {
		logger.Debug("no service for packet", "device", peer.ID(), "type", packet.Type)
	}
	return handled
}

// IncomingCapabilities is the sorted union over all services, as advertised
// in the local identity packet.
func (r *Router) IncomingCapabilities() []string {
	return r.union(Service.IncomingCapabilities)
}

// OutgoingCapabilities is the sorted union over all services.
func (r *Router) OutgoingCapabilities() []string {
	return r.union(Service.OutgoingCapabilities)
}

func (r *Router) union(capabilities func(Service) []string) []string {
	set := make(map[string]struct{})
	for _, svc := range r.Services() {
		for _, c := range capabilities(svc) {
			set[c] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Setup calls Lifecycle.Setup on every service that implements it.
func (r *Router) Setup(peer Peer) {
	for _, svc := range r.Services() {
		if lc, ok := svc.(Lifecycle); ok {
			lc.Setup(peer)
		}
	}
}

// Cleanup calls Lifecycle.Cleanup in reverse registration order.
func (r *Router) Cleanup(peer Peer) {
	services := r.Services()
	for i := len(services) - 1; i >= 0; i-- {
		if lc, ok := services[i].(Lifecycle); ok {
			lc.Cleanup(peer)
		}
	}
}

// Supports reports whether peer advertised packetType as incoming.
func Supports(peer Peer, packetType string) bool {
	return slices.Contains(peer.IncomingCapabilities(), packetType)
}

// Func adapts a handler function into a Service.
type Func struct {
	ServiceName string
	Incoming    []string
	Outgoing    []string
	Handle      func(peer Peer, packet protocol.Packet) bool
}

func (f *Func) Name() string                   { return f.ServiceName }
func (f *Func) IncomingCapabilities() []string { return f.Incoming }
func (f *Func) OutgoingCapabilities() []string { return f.Outgoing }

func (f *Func) HandlePacket(peer Peer, packet protocol.Packet) bool {
	if f.Handle == nil {
		return false
	}
	return f.Handle(peer, packet)
}
