package piecestore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored values carry a one byte marker so stores can switch compression on
// and off without rewriting existing data.
const (
	markerRaw  byte = 0
	markerZstd byte = 1
)

type valueCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newValueCodec(compress bool) (*valueCodec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("piecestore: zstd reader: %w", err)
	}
	c := &valueCodec{dec: dec}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("piecestore: zstd writer: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

func (c *valueCodec) encode(data []byte) []byte {
	if c.enc == nil {
		out := make([]byte, 1+len(data))
		out[0] = markerRaw
		copy(out[1:], data)
		return out
	}
	return c.enc.EncodeAll(data, []byte{markerZstd})
}

func (c *valueCodec) decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("piecestore: empty stored value")
	}
	switch stored[0] {
	case markerRaw:
		out := make([]byte, len(stored)-1)
		copy(out, stored[1:])
		return out, nil
	case markerZstd:
		out, err := c.dec.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("piecestore: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("piecestore: unknown value marker %d", stored[0])
	}
}

func (c *valueCodec) close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	c.dec.Close()
}
