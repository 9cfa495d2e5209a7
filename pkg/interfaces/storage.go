package interfaces

import (
	"context"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// PieceStore is the node-local fragment storage. Implementations are picked
// at startup (memory, badger, sqlite) and never coordinate across nodes.
type PieceStore interface { // A
	// Get returns model.ErrNotFound when the piece is absent.
	Get(ctx context.Context, loc model.PieceLocator) ([]byte, error)
	// GetMany returns every stored index of key below count.
	GetMany(ctx context.Context, key string, count int) ([]model.IndexedPiece, error)
	Put(ctx context.Context, loc model.PieceLocator, data []byte) error
	Delete(ctx context.Context, loc model.PieceLocator) error
	Exists(ctx context.Context, loc model.PieceLocator) (bool, error)
	// Keys lists every key with at least one stored piece.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
