package service

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/protocol"
)

type fakePeer struct {
	id   string
	caps []string
	sent []protocol.Packet
}

func (p *fakePeer) ID() string                     { return p.id }
func (p *fakePeer) Name() string                   { return "Fake " + p.id }
func (p *fakePeer) IncomingCapabilities() []string { return p.caps }
func (p *fakePeer) Send(packet protocol.Packet) error {
	p.sent = append(p.sent, packet)
	return nil
}
func (p *fakePeer) SendWithPayload(packet protocol.Packet, _ io.Reader, _ int64, _ func(error)) error {
	return p.Send(packet)
}
func (p *fakePeer) FetchPayload(context.Context, protocol.Packet, io.Writer) (int64, error) {
	return 0, io.EOF
}

type lifecycleService struct {
	Func
	events *[]string
}

func (s *lifecycleService) Setup(peer Peer) { *s.events = append(*s.events, "setup:"+s.ServiceName) }
func (s *lifecycleService) Cleanup(peer Peer) {
	*s.events = append(*s.events, "cleanup:"+s.ServiceName)
}

func packet(t *testing.T, packetType string) protocol.Packet {
	t.Helper()
	p, err := protocol.New(packetType, nil)
	require.NoError(t, err)
	return p
}

func TestDispatchBroadcastsInRegistrationOrder(t *testing.T) {
	router := NewRouter()
	var order []string
	handler := func(name string, claims bool) *Func {
		return &Func{
			ServiceName: name,
			Incoming:    []string{"test.echo"},
			Handle: func(Peer, protocol.Packet) bool {
				order = append(order, name)
				return claims
			},
		}
	}

	require.NoError(t, router.Register(handler("first", true)))
	require.NoError(t, router.Register(handler("second", false)))
	require.NoError(t, router.Register(handler("third", true)))
	require.NoError(t, router.Register(&Func{
		ServiceName: "other",
		Incoming:    []string{"test.other"},
		Handle: func(Peer, protocol.Packet) bool {
			t.Fatal("service with a different capability must not be offered the packet")
			return false
		},
	}))

	handled := router.Dispatch(&fakePeer{id: "peer"}, packet(t, "test.echo"))
	assert.Equal(t, 2, handled)
	assert.Equal(t, []string{"first", "second", "third"}, order)

	assert.Zero(t, router.Dispatch(&fakePeer{id: "peer"}, packet(t, "test.unknown")))
}

func TestDispatchSkipsDisabledServices(t *testing.T) {
	router := NewRouter()
	var handledBy []string
	for _, name := range []string{"share", "clipboard"} {
		require.NoError(t, router.Register(&Func{
			ServiceName: name,
			Incoming:    []string{"test.echo"},
			Handle: func(peer Peer, _ protocol.Packet) bool {
				handledBy = append(handledBy, name+"@"+peer.ID())
				return true
			},
		}))
	}
	alpha, beta := &fakePeer{id: "alpha"}, &fakePeer{id: "beta"}

	assert.True(t, router.Enabled("share", "alpha"))

	// A default applies to devices without their own setting.
	router.SetEnabled("share", "", false)
	router.SetEnabled("share", "beta", true)
	assert.False(t, router.Enabled("share", "alpha"))
	assert.True(t, router.Enabled("share", "beta"))
	assert.Equal(t, 1, router.Dispatch(alpha, packet(t, "test.echo")))
	assert.Equal(t, 2, router.Dispatch(beta, packet(t, "test.echo")))

	router.SetEnabled("clipboard", "alpha", false)
	assert.Zero(t, router.Dispatch(alpha, packet(t, "test.echo")))

	router.ResetEnabled("share", "")
	router.ResetEnabled("clipboard", "alpha")
	assert.Equal(t, 2, router.Dispatch(alpha, packet(t, "test.echo")))

	assert.Equal(t, []string{
		"clipboard@alpha",
		"share@beta", "clipboard@beta",
		"share@alpha", "clipboard@alpha",
	}, handledBy)
}

func TestRegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	router := NewRouter()
	require.NoError(t, router.Register(&Func{ServiceName: "ping"}))
	assert.ErrorIs(t, router.Register(&Func{ServiceName: "ping"}), ErrDuplicateService)
	assert.ErrorIs(t, router.Register(&Func{}), ErrInvalidService)
	assert.ErrorIs(t, router.Register(nil), ErrInvalidService)
	assert.Len(t, router.Services(), 1)
}

func TestCapabilityUnion(t *testing.T) {
	router := NewRouter()
	require.NoError(t, router.Register(&Func{ServiceName: "a", Incoming: []string{"x.b", "x.a"}, Outgoing: []string{"x.c"}}))
	require.NoError(t, router.Register(&Func{ServiceName: "b", Incoming: []string{"x.a"}, Outgoing: []string{"x.d", "x.c"}}))

	assert.Equal(t, []string{"x.a", "x.b"}, router.IncomingCapabilities())
	assert.Equal(t, []string{"x.c", "x.d"}, router.OutgoingCapabilities())
	assert.Empty(t, NewRouter().IncomingCapabilities())
}

func TestLifecycleOrder(t *testing.T) {
	var events []string
	router := NewRouter()
	require.NoError(t, router.Register(&lifecycleService{Func: Func{ServiceName: "one"}, events: &events}))
	require.NoError(t, router.Register(&Func{ServiceName: "plain"}))
	require.NoError(t, router.Register(&lifecycleService{Func: Func{ServiceName: "two"}, events: &events}))

	peer := &fakePeer{id: "peer"}
	router.Setup(peer)
	router.Cleanup(peer)
	assert.Equal(t, []string{"setup:one", "setup:two", "cleanup:two", "cleanup:one"}, events)
}

func TestPingService(t *testing.T) {
	ping := NewPing()
	router := NewRouter()
	require.NoError(t, router.Register(ping))

	var messages []string
	ping.OnPing = func(_ Peer, message string) { messages = append(messages, message) }

	peer := &fakePeer{id: "peer", caps: []string{TypePing}}
	router.Setup(peer)

	p, err := NewPingPacket("hello")
	require.NoError(t, err)
	assert.Equal(t, 1, router.Dispatch(peer, p))
	assert.Equal(t, []string{"hello"}, messages)
	assert.Equal(t, 1, ping.Received("peer"))

	require.NoError(t, ping.Send(peer, "back"))
	require.Len(t, peer.sent, 1)
	assert.Equal(t, TypePing, peer.sent[0].Type)

	assert.ErrorIs(t, ping.Send(&fakePeer{id: "mute"}, "x"), ErrPingUnsupported)

	router.Cleanup(peer)
	assert.Zero(t, ping.Received("peer"))
}
