// Package protocol defines the newline-delimited JSON packet envelope shared
// by discovery broadcasts and TCP sessions.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Delimiter terminates every encoded packet on the wire.
const Delimiter byte = '\n'

var (
	// ErrNotAPacket indicates bytes that do not form a valid envelope.
	ErrNotAPacket = errors.New("protocol: not a packet")
	// ErrWrongType indicates a typed accessor was used on another packet type.
	ErrWrongType = errors.New("protocol: wrong packet type")
)

var lastID atomic.Int64

// NextID returns a millisecond timestamp id, bumped when needed so that ids
// handed out by this process are strictly increasing.
func NextID(now time.Time) int64 {
	for {
		prev := lastID.Load()
		id := now.UnixMilli()
		if id <= prev {
			id = prev + 1
		}
		if lastID.CompareAndSwap(prev, id) {
			return id
		}
	}
}

// Packet is one wire envelope. Body always holds a compact JSON object.
type Packet struct {
	ID   int64
	Type string
	Body json.RawMessage

	// PayloadSize is the length of the attached payload, or -1 when the
	// sender does not know it. It is only meaningful with TransferInfo.
	PayloadSize int64
	// TransferInfo is set when a payload follows on a separate connection.
	TransferInfo *TransferInfo
}

// TransferInfo tells the receiver where to fetch a payload.
type TransferInfo struct {
	Port int `json:"port"`
}

type wirePacket struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Body         json.RawMessage `json:"body"`
	PayloadSize  *int64          `json:"payloadSize,omitempty"`
	TransferInfo *TransferInfo   `json:"payloadTransferInfo,omitempty"`
}

// HasPayload reports whether a payload follows the packet.
func (p Packet) HasPayload() bool {
	return p.TransferInfo != nil
}

// WithPayload returns a copy of p announcing size bytes on port.
func (p Packet) WithPayload(size int64, port int) Packet {
	if size < 0 {
		size = -1
	}
	p.PayloadSize = size
	p.TransferInfo = &TransferInfo{Port: port}
	return p
}

// New builds a packet with a fresh id. body must marshal to a JSON object;
// nil yields an empty object.
func New(packetType string, body any) (Packet, error) {
	raw := json.RawMessage(`{}`)
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Packet{}, fmt.Errorf("marshal %s body: %w", packetType, err)
		}
		raw = encoded
	}

	compact, err := compactObject(raw)
	if err != nil {
		return Packet{}, fmt.Errorf("%s body: %w", packetType, err)
	}

	return Packet{
		ID:   NextID(time.Now()),
		Type: packetType,
		Body: compact,
	}, nil
}

// DecodeBody unmarshals the body into v.
func (p Packet) DecodeBody(v any) error {
	if len(p.Body) == 0 {
		return json.Unmarshal([]byte(`{}`), v)
	}
	return json.Unmarshal(p.Body, v)
}

func (p Packet) String() string {
	return fmt.Sprintf("Packet{id=%d type=%s}", p.ID, p.Type)
}

// Encode serializes p as one JSON object followed by the delimiter. JSON
// escaping guarantees no raw newline appears before the terminator.
func Encode(p Packet) ([]byte, error) {
	body := p.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	wire := wirePacket{ID: p.ID, Type: p.Type, Body: body}
	if p.HasPayload() {
		size := p.PayloadSize
		wire.PayloadSize = &size
		wire.TransferInfo = p.TransferInfo
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("encode packet %d: %w", p.ID, err)
	}
	// Encoder.Encode terminates with exactly one '\n'.
	return buf.Bytes(), nil
}

// Decode parses one frame. A trailing delimiter and surrounding whitespace
// are tolerated.
func Decode(data []byte) (Packet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Packet{}, fmt.Errorf("%w: payload is not a JSON object", ErrNotAPacket)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrNotAPacket, err)
	}

	rawID, ok := fields["id"]
	if !ok {
		return Packet{}, fmt.Errorf("%w: missing id", ErrNotAPacket)
	}
	id, err := parseInt(rawID)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: id: %v", ErrNotAPacket, err)
	}

	var packetType string
	rawType, ok := fields["type"]
	if !ok {
		return Packet{}, fmt.Errorf("%w: missing type", ErrNotAPacket)
	}
	if err := json.Unmarshal(rawType, &packetType); err != nil {
		return Packet{}, fmt.Errorf("%w: type is not a string", ErrNotAPacket)
	}

	rawBody, ok := fields["body"]
	if !ok {
		return Packet{}, fmt.Errorf("%w: missing body", ErrNotAPacket)
	}
	body, err := compactObject(rawBody)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: body: %v", ErrNotAPacket, err)
	}

	packet := Packet{ID: id, Type: packetType, Body: body}
	if rawInfo, ok := fields["payloadTransferInfo"]; ok && !isNull(rawInfo) {
		info, err := decodeTransferInfo(rawInfo)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: payloadTransferInfo: %v", ErrNotAPacket, err)
		}
		packet.TransferInfo = info
		packet.PayloadSize = -1
		if rawSize, ok := fields["payloadSize"]; ok && !isNull(rawSize) {
			size, err := parseInt(rawSize)
			if err != nil {
				return Packet{}, fmt.Errorf("%w: payloadSize: %v", ErrNotAPacket, err)
			}
			if size >= 0 {
				packet.PayloadSize = size
			}
		}
	}
	return packet, nil
}

func decodeTransferInfo(raw json.RawMessage) (*TransferInfo, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.New("not a JSON object")
	}
	rawPort, ok := fields["port"]
	if !ok {
		return nil, errors.New("missing port")
	}
	port, err := parseInt(rawPort)
	if err != nil {
		return nil, fmt.Errorf("port: %v", err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("port %d out of range", port)
	}
	return &TransferInfo{Port: int(port)}, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseInt accepts a JSON integer or a string holding one; some peers send
// ids and sizes quoted.
func parseInt(raw json.RawMessage) (int64, error) {
	var number json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return 0, err
	}

	switch v := value.(type) {
	case json.Number:
		number = v
	case string:
		number = json.Number(v)
	default:
		return 0, errors.New("not an integer")
	}

	n, err := strconv.ParseInt(number.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", number.String())
	}
	return n, nil
}

func compactObject(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("not a JSON object")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
