// Package membership holds the replicated state machine that turns an
// ordered stream of AddNode/RemoveNode commands into cluster maps.
package membership

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// Op is the kind of a membership command.
type Op uint8

const (
	OpAddNode Op = iota + 1
	OpRemoveNode
)

func (o Op) String() string {
	switch o {
	case OpAddNode:
		return "AddNode"
	case OpRemoveNode:
		return "RemoveNode"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Command is one entry of the membership log.
type Command struct {
	Op       Op
	Address  model.Address
	Capacity float64
}

func AddNode(addr model.Address, capacity float64) Command {
	return Command{Op: OpAddNode, Address: addr, Capacity: capacity}
}

func RemoveNode(addr model.Address) Command {
	return Command{Op: OpRemoveNode, Address: addr}
}

func (c Command) String() string {
	if c.Op == OpAddNode {
		return fmt.Sprintf("%s(%s, %g)", c.Op, c.Address, c.Capacity)
	}
	return fmt.Sprintf("%s(%s)", c.Op, c.Address)
}

const (
	fieldOp       protowire.Number = 1
	fieldAddress  protowire.Number = 2
	fieldCapacity protowire.Number = 3
)

var errMalformed = errors.New("membership: malformed command")

// Encode serialises c for the log.
func (c Command) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Op))
	b = protowire.AppendTag(b, fieldAddress, protowire.BytesType)
	b = protowire.AppendString(b, string(c.Address))
	if c.Capacity != 0 {
		b = protowire.AppendTag(b, fieldCapacity, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(c.Capacity))
	}
	return b
}

// DecodeCommand parses a command produced by Encode.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Command{}, errMalformed
		}
		b = b[n:]
		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Command{}, errMalformed
			}
			c.Op = Op(v)
			n = m
		case num == fieldAddress && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return Command{}, errMalformed
			}
			c.Address = model.Address(v)
			n = m
		case num == fieldCapacity && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return Command{}, errMalformed
			}
			c.Capacity = math.Float64frombits(v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Command{}, errMalformed
			}
		}
		b = b[n:]
	}
	if c.Op != OpAddNode && c.Op != OpRemoveNode {
		return Command{}, fmt.Errorf("%w: unknown op %d", errMalformed, c.Op)
	}
	if c.Address == "" {
		return Command{}, fmt.Errorf("%w: empty address", errMalformed)
	}
	return c, nil
}
