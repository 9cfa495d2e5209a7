// Package piecestore contains the node-local fragment stores: an in-memory
// skip list, badger and sqlite.
package piecestore

import (
	"bytes"
	"context"
	"strings"

	"github.com/zhangyunhao116/skipmap"

	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// MemStore keeps pieces in a lock-free ordered skip list keyed by
// (key, index).
type MemStore struct {
	pieces *skipmap.FuncMap[model.PieceLocator, []byte]
}

var _ interfaces.PieceStore = (*MemStore)(nil)

func lessLocator(a, b model.PieceLocator) bool {
	if c := strings.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		pieces: skipmap.NewFunc[model.PieceLocator, []byte](lessLocator),
	}
}

func (s *MemStore) Get(_ context.Context, loc model.PieceLocator) ([]byte, error) {
	v, ok := s.pieces.Load(loc)
	if !ok {
		return nil, model.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *MemStore) GetMany(_ context.Context, key string, count int) ([]model.IndexedPiece, error) {
	var out []model.IndexedPiece
	for i := 0; i < count; i++ {
		if v, ok := s.pieces.Load(model.PieceLocator{Key: key, Index: i}); ok {
			out = append(out, model.IndexedPiece{Index: i, Data: bytes.Clone(v)})
		}
	}
	return out, nil
}

func (s *MemStore) Put(_ context.Context, loc model.PieceLocator, data []byte) error {
	s.pieces.Store(loc, bytes.Clone(data))
	return nil
}

func (s *MemStore) Delete(_ context.Context, loc model.PieceLocator) error {
	s.pieces.Delete(loc)
	return nil
}

func (s *MemStore) Exists(_ context.Context, loc model.PieceLocator) (bool, error) {
	_, ok := s.pieces.Load(loc)
	return ok, nil
}

func (s *MemStore) Keys(_ context.Context) ([]string, error) {
	var keys []string
	s.pieces.Range(func(loc model.PieceLocator, _ []byte) bool {
		if n := len(keys); n == 0 || keys[n-1] != loc.Key {
			keys = append(keys, loc.Key)
		}
		return true
	})
	return keys, nil
}

// Len returns the number of stored pieces.
func (s *MemStore) Len() int {
	return s.pieces.Len()
}

func (s *MemStore) Close() error {
	return nil
}
