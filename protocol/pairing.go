package protocol

import (
	"errors"
	"fmt"
)

// TypePair carries pairing requests, accepts, declines and unpair notices.
// pair=true requests or accepts; pair=false declines, cancels or unpairs.
const TypePair = "kdeconnect.pair"

// ErrInvalidPairFlag indicates a pair packet without a boolean pair field.
var ErrInvalidPairFlag = errors.New("protocol: invalid pair flag")

type pairBody struct {
	Pair *bool `json:"pair"`
}

// NewPairPacket builds a pairing packet.
func NewPairPacket(pair bool) Packet {
	p, err := New(TypePair, pairBody{Pair: &pair})
	if err != nil {
		// A struct with one bool field always marshals.
		panic(err)
	}
	return p
}

// IsPair reports whether p is a pairing packet.
func (p Packet) IsPair() bool {
	return p.Type == TypePair
}

// PairFlag returns the pair field of a pairing packet.
func (p Packet) PairFlag() (bool, error) {
	if !p.IsPair() {
		return false, fmt.Errorf("%w: expected %s, got %s", ErrWrongType, TypePair, p.Type)
	}

	var body pairBody
	if err := p.DecodeBody(&body); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPairFlag, err)
	}
	if body.Pair == nil {
		return false, ErrInvalidPairFlag
	}
	return *body.Pair, nil
}
