package service

import (
	"errors"
	"sync"

	"peerlink/protocol"
)

// TypePing is the connectivity test packet.
const TypePing = "kdeconnect.ping"

// PingServiceName is the name Ping registers under.
const PingServiceName = "ping"

// ErrPingUnsupported indicates a peer that does not accept pings.
var ErrPingUnsupported = errors.New("service: peer does not accept ping")

type pingBody struct {
	Message string `json:"message,omitempty"`
}

// NewPingPacket builds a ping with an optional message.
func NewPingPacket(message string) (protocol.Packet, error) {
	return protocol.New(TypePing, pingBody{Message: message})
}

// Ping is the connectivity test service. Received pings are logged and
// handed to OnPing.
type Ping struct {
	OnPing func(peer Peer, message string)

	mu       sync.Mutex
	received map[string]int
}

func NewPing() *Ping {
	return &Ping{received: make(map[string]int)}
}

func (p *Ping) Name() string                   { return PingServiceName }
func (p *Ping) IncomingCapabilities() []string { return []string{TypePing} }
func (p *Ping) OutgoingCapabilities() []string { return []string{TypePing} }

func (p *Ping) HandlePacket(peer Peer, packet protocol.Packet) bool {
	var body pingBody
	if err := packet.DecodeBody(&body); err != nil {
		logger.Warn("malformed ping", "device", peer.ID(), "error", err)
		return false
	}

	p.mu.Lock()
	p.received[peer.ID()]++
	p.mu.Unlock()

	logger.Info("ping received", "device", peer.ID(), "name", peer.Name(), "message", body.Message)
	if p.OnPing != nil {
		p.OnPing(peer, body.Message)
	}
	return true
}

// Send pings peer.
func (p *Ping) Send(peer Peer, message string) error {
	if !Supports(peer, TypePing) {
		return ErrPingUnsupported
	}
	packet, err := NewPingPacket(message)
	if err != nil {
		return err
	}
	return peer.Send(packet)
}

// Received returns how many pings arrived from deviceID.
func (p *Ping) Received(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received[deviceID]
}

// Setup and Cleanup reset the counter while a device is paired.
func (p *Ping) Setup(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received[peer.ID()] = 0
}

func (p *Ping) Cleanup(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.received, peer.ID())
}
