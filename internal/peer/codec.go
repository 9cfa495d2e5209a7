package peer

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// Field numbers of the peer wire messages. Each message is a flat protobuf
// record written with protowire.
const (
	fieldVersion = 1
	fieldKey     = 2
	fieldIndex   = 3
	fieldData    = 4
	fieldFound   = 5
	fieldPiece   = 6
	fieldStatus  = 7
	fieldTarget  = 8
	fieldFloat   = 9
)

const (
	statusAccepted = 0
	statusRejected = 1
)

var errMalformed = errors.New("peer: malformed message")

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

// walk calls fn for every field of b. Values of varint fields are passed as
// v, bytes fields as raw.
func walk(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			// keep presence of empty values distinguishable from absence
			if raw == nil {
				raw = []byte{}
			}
			if err := fn(num, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func encodeLocator(b []byte, loc model.PieceLocator) []byte {
	b = appendBytes(b, fieldKey, []byte(loc.Key))
	return appendVarint(b, fieldIndex, uint64(loc.Index))
}

func decodeLocator(b []byte) (model.PieceLocator, error) {
	var loc model.PieceLocator
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldKey:
			loc.Key = string(raw)
		case fieldIndex:
			loc.Index = int(v)
		}
		return nil
	})
	if err != nil {
		return loc, err
	}
	if !loc.Valid() {
		return loc, fmt.Errorf("%w: piece index %d", errMalformed, loc.Index)
	}
	return loc, nil
}

func encodeSendPiece(p model.SendPiece) []byte {
	b := appendVarint(nil, fieldVersion, p.Version)
	b = encodeLocator(b, p.Loc)
	if !p.IsPlaceholder() {
		b = appendBytes(b, fieldData, p.Data)
	}
	return b
}

func decodeSendPiece(b []byte) (model.SendPiece, error) {
	var p model.SendPiece
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldVersion:
			p.Version = v
		case fieldKey:
			p.Loc.Key = string(raw)
		case fieldIndex:
			p.Loc.Index = int(v)
		case fieldData:
			p.Data = raw
		}
		return nil
	})
	if err != nil {
		return p, err
	}
	if !p.Loc.Valid() {
		return p, fmt.Errorf("%w: piece index %d", errMalformed, p.Loc.Index)
	}
	return p, nil
}

func encodeStatus(status uint64) []byte {
	return appendVarint(nil, fieldStatus, status)
}

func decodeStatus(b []byte) (uint64, error) {
	var status uint64
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		if num == fieldStatus {
			status = v
		}
		return nil
	})
	return status, err
}

// encodeOptionalPiece answers RequestPiece.
func encodeOptionalPiece(data []byte, found bool) []byte {
	b := appendBool(nil, fieldFound, found)
	if found {
		b = appendBytes(b, fieldData, data)
	}
	return b
}

func decodeOptionalPiece(b []byte) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldFound:
			found = protowire.DecodeBool(v)
		case fieldData:
			data = raw
		}
		return nil
	})
	return data, found, err
}

func encodePieces(pieces []model.IndexedPiece) []byte {
	var b []byte
	for _, p := range pieces {
		var inner []byte
		inner = appendVarint(inner, fieldIndex, uint64(p.Index))
		inner = appendBytes(inner, fieldData, p.Data)
		b = appendBytes(b, fieldPiece, inner)
	}
	return b
}

func decodePieces(b []byte) ([]model.IndexedPiece, error) {
	var out []model.IndexedPiece
	err := walk(b, func(num protowire.Number, _ uint64, raw []byte) error {
		if num != fieldPiece {
			return nil
		}
		var p model.IndexedPiece
		err := walk(raw, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case fieldIndex:
				p.Index = int(v)
			case fieldData:
				p.Data = raw
			}
			return nil
		})
		if err != nil {
			return err
		}
		if p.Index < 0 || p.Index >= model.N {
			return fmt.Errorf("%w: piece index %d", errMalformed, p.Index)
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func encodeBool(v bool) []byte {
	return appendBool(nil, fieldFound, v)
}

func decodeBool(b []byte) (bool, error) {
	var out bool
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		if num == fieldFound {
			out = protowire.DecodeBool(v)
		}
		return nil
	})
	return out, err
}

func encodeKey(key string) []byte {
	return appendBytes(nil, fieldKey, []byte(key))
}

func decodeKey(b []byte) (string, error) {
	var key string
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		if num == fieldKey {
			key = string(raw)
		}
		return nil
	})
	return key, err
}

func encodeTarget(target model.Address) []byte {
	return appendBytes(nil, fieldTarget, []byte(target))
}

func decodeTarget(b []byte) (model.Address, error) {
	var target model.Address
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		if num == fieldTarget {
			target = model.Address(raw)
		}
		return nil
	})
	if err == nil && target == "" {
		err = fmt.Errorf("%w: missing target", errMalformed)
	}
	return target, err
}

func encodeFloat(f float64) []byte {
	b := protowire.AppendTag(nil, fieldFloat, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(f))
}

func decodeFloat(b []byte) (float64, error) {
	var out float64
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		if num == fieldFloat {
			out = math.Float64frombits(v)
		}
		return nil
	})
	return out, err
}
