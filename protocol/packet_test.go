package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	bodies := []any{
		nil,
		map[string]any{"text": "line one\nline two", "count": 3},
		map[string]any{"nested": map[string]any{"ok": true, "list": []string{"a", "b"}}},
		struct {
			Quote string `json:"quote"`
		}{Quote: "tab\tand \"quotes\" and <html>"},
	}

	for _, body := range bodies {
		p, err := New("test.echo", body)
		require.NoError(t, err)

		encoded, err := Encode(p)
		require.NoError(t, err)
		require.Equal(t, Delimiter, encoded[len(encoded)-1])
		require.Equal(t, 1, bytes.Count(encoded, []byte{Delimiter}), "only the terminator may be a raw newline")

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, p, decoded)
	}
}

func TestDecodeAcceptsStringID(t *testing.T) {
	p, err := Decode([]byte(`{"id":"1700000000123","type":"test.x","body":{}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), p.ID)
	assert.Equal(t, "test.x", p.Type)
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":        `hello`,
		"array":           `[1,2,3]`,
		"missing id":      `{"type":"a","body":{}}`,
		"fractional id":   `{"id":1.5,"type":"a","body":{}}`,
		"bool id":         `{"id":true,"type":"a","body":{}}`,
		"missing type":    `{"id":1,"body":{}}`,
		"numeric type":    `{"id":1,"type":5,"body":{}}`,
		"missing body":    `{"id":1,"type":"a"}`,
		"non-object body": `{"id":1,"type":"a","body":[1]}`,
		"empty":           ``,
		"transfer info":   `{"id":1,"type":"a","body":{},"payloadTransferInfo":5}`,
		"missing port":    `{"id":1,"type":"a","body":{},"payloadTransferInfo":{}}`,
		"port range":      `{"id":1,"type":"a","body":{},"payloadTransferInfo":{"port":70000}}`,
		"payload size":    `{"id":1,"type":"a","body":{},"payloadSize":"big","payloadTransferInfo":{"port":1739}}`,
	}

	for name, input := range cases {
		_, err := Decode([]byte(input))
		assert.ErrorIs(t, err, ErrNotAPacket, name)
	}
}

func TestPayloadFields(t *testing.T) {
	p, err := New("test.share", map[string]any{"filename": "a.txt"})
	require.NoError(t, err)
	assert.False(t, p.HasPayload())

	plain, err := Encode(p)
	require.NoError(t, err)
	assert.NotContains(t, string(plain), "payloadSize")
	assert.NotContains(t, string(plain), "payloadTransferInfo")

	withPayload := p.WithPayload(4096, 1739)
	encoded, err := Encode(withPayload)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"payloadSize":4096`)
	assert.Contains(t, string(encoded), `"payloadTransferInfo":{"port":1739}`)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.True(t, decoded.HasPayload())
	assert.Equal(t, int64(4096), decoded.PayloadSize)
	assert.Equal(t, 1739, decoded.TransferInfo.Port)
	assert.Equal(t, withPayload, decoded)

	// Unknown sizes travel as -1, and a size without transfer info is ignored.
	unknown, err := Decode([]byte(`{"id":2,"type":"a","body":{},"payloadTransferInfo":{"port":"1740"}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), unknown.PayloadSize)
	assert.Equal(t, 1740, unknown.TransferInfo.Port)

	orphan, err := Decode([]byte(`{"id":3,"type":"a","body":{},"payloadSize":12}`))
	require.NoError(t, err)
	assert.False(t, orphan.HasPayload())
	assert.Zero(t, orphan.PayloadSize)
}

func TestNextIDIsStrictlyIncreasing(t *testing.T) {
	now := time.UnixMilli(1_900_000_000_000)
	first := NextID(now)
	second := NextID(now)
	third := NextID(now.Add(-time.Second))

	assert.Greater(t, second, first)
	assert.Greater(t, third, second)
}

func TestIdentityPacketAccessors(t *testing.T) {
	p, err := NewIdentityPacket(Identity{
		DeviceID:             "abc_123",
		DeviceName:           "Workstation",
		DeviceType:           DeviceTypeDesktop,
		TCPPort:              1716,
		IncomingCapabilities: []string{"kdeconnect.ping", "kdeconnect.clipboard", "kdeconnect.ping"},
		OutgoingCapabilities: []string{"kdeconnect.ping"},
	})
	require.NoError(t, err)

	id, err := p.Identity()
	require.NoError(t, err)
	assert.Equal(t, "abc_123", id.DeviceID)
	assert.Equal(t, ProtocolVersion, id.ProtocolVersion)
	assert.Equal(t, []string{"kdeconnect.clipboard", "kdeconnect.ping"}, id.IncomingCapabilities)
	assert.True(t, id.SupportsSecureChannel())
	assert.NoError(t, id.RequireTCPPort())
}

func TestIdentityValidation(t *testing.T) {
	missingVersion, err := New(TypeIdentity, map[string]any{"deviceId": "x"})
	require.NoError(t, err)
	_, err = missingVersion.Identity()
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	assert.ErrorIs(t, err, ErrInvalidProtocolVersion)

	missingID, err := New(TypeIdentity, map[string]any{"protocolVersion": 7})
	require.NoError(t, err)
	_, err = missingID.Identity()
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	other, err := New("kdeconnect.ping", nil)
	require.NoError(t, err)
	_, err = other.Identity()
	assert.ErrorIs(t, err, ErrWrongType)

	minimal, err := New(TypeIdentity, map[string]any{"deviceId": "x", "protocolVersion": 5, "deviceType": "toaster"})
	require.NoError(t, err)
	id, err := minimal.Identity()
	require.NoError(t, err)
	assert.Equal(t, "x", id.DeviceName)
	assert.Equal(t, DeviceTypeUnknown, id.DeviceType)
	assert.False(t, id.SupportsSecureChannel())
	assert.ErrorIs(t, id.RequireTCPPort(), ErrMissingTCPPort)
}

func TestPairPacket(t *testing.T) {
	accept := NewPairPacket(true)
	flag, err := accept.PairFlag()
	require.NoError(t, err)
	assert.True(t, flag)

	decline := NewPairPacket(false)
	flag, err = decline.PairFlag()
	require.NoError(t, err)
	assert.False(t, flag)

	broken, err := New(TypePair, map[string]any{"pair": "yes"})
	require.NoError(t, err)
	_, err = broken.PairFlag()
	assert.ErrorIs(t, err, ErrInvalidPairFlag)

	missing, err := New(TypePair, nil)
	require.NoError(t, err)
	_, err = missing.PairFlag()
	assert.ErrorIs(t, err, ErrInvalidPairFlag)
}
