package interfaces

import (
	"context"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// PeerClient is the outbound half of the peer RPC surface.
type PeerClient interface { // A
	// SendPiece returns model.ErrRejected when the receiver knows a newer
	// cluster version, and an error wrapping model.ErrFailed on I/O failure.
	SendPiece(ctx context.Context, to model.Address, piece model.SendPiece) error
	// RequestPiece returns model.ErrNotFound when the peer lacks the piece.
	RequestPiece(ctx context.Context, to model.Address, loc model.PieceLocator) ([]byte, error)
	RequestAnyPieces(ctx context.Context, to model.Address, key string) ([]model.IndexedPiece, error)
	PieceExists(ctx context.Context, to model.Address, loc model.PieceLocator) (bool, error)
	// RequestCapacity asks a node for the capacity it wants to be weighted by.
	RequestCapacity(ctx context.Context, to model.Address) (float64, error)
}

// Prober is the liveness probe surface of the failure detector.
type Prober interface { // A
	// Ping1 probes target directly.
	Ping1(ctx context.Context, target model.Address) bool
	// Ping2 asks relay to probe target on the caller's behalf.
	Ping2(ctx context.Context, relay, target model.Address) bool
}
