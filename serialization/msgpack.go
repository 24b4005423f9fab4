package serialization

import (
	"fmt"

	"github.com/glimte/cogbus/contracts"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec is a compact binary codec sharing the JSON codec's field layout
type MsgpackCodec struct{}

// NewMsgpackCodec creates a msgpack codec
func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{}
}

func (c *MsgpackCodec) Name() string        { return "msgpack" }
func (c *MsgpackCodec) ContentType() string { return "application/vnd.cogbus.envelope+msgpack" }

// Encode implements Codec
func (c *MsgpackCodec) Encode(env contracts.Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(toWire(env))
	if err != nil {
		return nil, fmt.Errorf("serialization: encode envelope %s: %w", env.ID, err)
	}
	return data, nil
}

// Decode implements Codec
func (c *MsgpackCodec) Decode(data []byte) (contracts.Envelope, error) {
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return contracts.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return fromWire(w)
}
