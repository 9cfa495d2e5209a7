// Package erasure splits objects into Reed-Solomon shards and puts them back
// together.
package erasure

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	rs "github.com/klauspost/reedsolomon"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// sizeHeader is the length prefix written in front of every object so that
// Decode can strip the padding added by Split.
const sizeHeader = 8

// ErrTooFewShards is returned when fewer than k shards are present.
var ErrTooFewShards = errors.New("erasure: too few shards")

// Coder is a systematic k-of-n Reed-Solomon coder. It is safe for
// concurrent use.
type Coder struct {
	k, n int
	enc  rs.Encoder
}

// New creates a coder with k data shards and n-k parity shards.
func New(k, n int) (*Coder, error) {
	if k <= 0 || n <= k {
		return nil, fmt.Errorf("erasure: invalid geometry k=%d n=%d", k, n)
	}
	enc, err := rs.New(k, n-k)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}
	return &Coder{k: k, n: n, enc: enc}, nil
}

// Default returns the coder for the store-wide model.K / model.N geometry.
func Default() *Coder {
	c, err := New(model.K, model.N)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Coder) K() int { return c.k }
func (c *Coder) N() int { return c.n }

// Encode splits data into n shards of equal size; the first k carry the
// (length-prefixed) data, the rest parity.
func (c *Coder) Encode(data []byte) ([][]byte, error) {
	framed := make([]byte, sizeHeader+len(data))
	binary.BigEndian.PutUint64(framed, uint64(len(data)))
	copy(framed[sizeHeader:], data)

	shards, err := c.enc.Split(framed)
	if err != nil {
		return nil, fmt.Errorf("erasure: split: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode shards: %w", err)
	}
	// Split may share one backing array; give every shard its own.
	out := make([][]byte, len(shards))
	for i, s := range shards {
		out[i] = bytes.Clone(s)
	}
	return out, nil
}

// Reconstruct fills the nil entries of shards in place. With withParity it
// restores all n shards, otherwise only the k data shards.
func (c *Coder) Reconstruct(shards [][]byte, withParity bool) error {
	if len(shards) != c.n {
		return fmt.Errorf("erasure: expected %d shards, got %d", c.n, len(shards))
	}
	if present(shards) < c.k {
		return ErrTooFewShards
	}
	var err error
	if withParity {
		err = c.enc.Reconstruct(shards)
	} else {
		err = c.enc.ReconstructData(shards)
	}
	if err != nil {
		return fmt.Errorf("erasure: reconstruct: %w", err)
	}
	return nil
}

// Decode reconstructs the data shards if needed and returns the original
// object.
func (c *Coder) Decode(shards [][]byte) ([]byte, error) {
	if err := c.Reconstruct(shards, false); err != nil {
		return nil, err
	}
	shardLen := len(shards[0])
	var buf bytes.Buffer
	if err := c.enc.Join(&buf, shards, shardLen*c.k); err != nil {
		return nil, fmt.Errorf("erasure: join: %w", err)
	}
	framed := buf.Bytes()
	if len(framed) < sizeHeader {
		return nil, errors.New("erasure: truncated object header")
	}
	size := binary.BigEndian.Uint64(framed[:sizeHeader])
	if size > uint64(len(framed)-sizeHeader) {
		return nil, fmt.Errorf("erasure: object size %d exceeds shard payload", size)
	}
	return framed[sizeHeader : sizeHeader+int(size)], nil
}

func present(shards [][]byte) int {
	n := 0
	for _, s := range shards {
		if len(s) > 0 {
			n++
		}
	}
	return n
}
