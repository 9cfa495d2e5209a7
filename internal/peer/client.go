// Package peer implements the node-to-node RPC surface: the outbound client
// used by the rebuild engine, stabilizer and failure detector, and the
// inbound service that answers it.
package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-ec/internal/transport"
	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// DefaultPingTimeout bounds a single liveness probe.
const DefaultPingTimeout = time.Second

// Client issues peer RPCs over a transport.
type Client struct {
	caller      transport.Caller
	pingTimeout time.Duration
}

var (
	_ interfaces.PeerClient = (*Client)(nil)
	_ interfaces.Prober     = (*Client)(nil)
)

// NewClient wraps caller. A pingTimeout of zero uses DefaultPingTimeout.
func NewClient(caller transport.Caller, pingTimeout time.Duration) *Client {
	if pingTimeout <= 0 {
		pingTimeout = DefaultPingTimeout
	}
	return &Client{caller: caller, pingTimeout: pingTimeout}
}

func (c *Client) call(ctx context.Context, to model.Address, t transport.MessageType, payload []byte) ([]byte, error) {
	if to == "" {
		return nil, model.Failed(errors.New("peer: empty destination"))
	}
	resp, err := c.caller.Call(ctx, to, t, payload)
	if err != nil {
		return nil, model.Failed(fmt.Errorf("peer: %s to %s: %w", t, to, err))
	}
	return resp, nil
}

func (c *Client) SendPiece(ctx context.Context, to model.Address, piece model.SendPiece) error {
	resp, err := c.call(ctx, to, transport.MessageTypeSendPiece, encodeSendPiece(piece))
	if err != nil {
		return err
	}
	status, err := decodeStatus(resp)
	if err != nil {
		return model.Failed(err)
	}
	if status == statusRejected {
		return model.ErrRejected
	}
	return nil
}

func (c *Client) RequestPiece(ctx context.Context, to model.Address, loc model.PieceLocator) ([]byte, error) {
	resp, err := c.call(ctx, to, transport.MessageTypeRequestPiece, encodeLocator(nil, loc))
	if err != nil {
		return nil, err
	}
	data, found, err := decodeOptionalPiece(resp)
	if err != nil {
		return nil, model.Failed(err)
	}
	if !found {
		return nil, model.ErrNotFound
	}
	return data, nil
}

func (c *Client) RequestAnyPieces(ctx context.Context, to model.Address, key string) ([]model.IndexedPiece, error) {
	resp, err := c.call(ctx, to, transport.MessageTypeRequestAnyPieces, encodeKey(key))
	if err != nil {
		return nil, err
	}
	pieces, err := decodePieces(resp)
	if err != nil {
		return nil, model.Failed(err)
	}
	return pieces, nil
}

func (c *Client) PieceExists(ctx context.Context, to model.Address, loc model.PieceLocator) (bool, error) {
	resp, err := c.call(ctx, to, transport.MessageTypePieceExists, encodeLocator(nil, loc))
	if err != nil {
		return false, err
	}
	ok, err := decodeBool(resp)
	if err != nil {
		return false, model.Failed(err)
	}
	return ok, nil
}

func (c *Client) RequestCapacity(ctx context.Context, to model.Address) (float64, error) {
	resp, err := c.call(ctx, to, transport.MessageTypeRequestCapacity, nil)
	if err != nil {
		return 0, err
	}
	capacity, err := decodeFloat(resp)
	if err != nil {
		return 0, model.Failed(err)
	}
	return capacity, nil
}

// Ping1 reports whether target answers a direct probe.
func (c *Client) Ping1(ctx context.Context, target model.Address) bool {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	_, err := c.call(ctx, target, transport.MessageTypePing1, nil)
	return err == nil
}

// Ping2 reports whether relay could reach target. An unreachable relay
// counts as a failed probe.
func (c *Client) Ping2(ctx context.Context, relay, target model.Address) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*c.pingTimeout)
	defer cancel()
	resp, err := c.call(ctx, relay, transport.MessageTypePing2, encodeTarget(target))
	if err != nil {
		return false
	}
	ok, err := decodeBool(resp)
	return err == nil && ok
}
