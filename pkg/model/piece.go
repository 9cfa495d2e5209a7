// Package model holds the value types shared by every layer of the store.
package model

import "fmt"

// Erasure coding geometry: every object is split into K data shards and
// N-K parity shards, and any K of the N shards recover the object.
const (
	K = 4
	N = 8
)

// Address is the network address a node is reachable at. It doubles as the
// node's identity inside a cluster map.
type Address string

// PieceLocator identifies one erasure-coded fragment of an object.
type PieceLocator struct {
	Key   string
	Index int
}

func (l PieceLocator) String() string {
	return fmt.Sprintf("%s#%d", l.Key, l.Index)
}

// Valid reports whether the index lies inside 0..N-1.
func (l PieceLocator) Valid() bool {
	return l.Index >= 0 && l.Index < N
}

// IndexedPiece is a fragment returned by a bulk lookup.
type IndexedPiece struct {
	Index int
	Data  []byte
}

// SendPiece is a piece transfer between nodes. A nil Data marks a
// placeholder: the receiver has to reconstruct the bytes on its own.
type SendPiece struct {
	Version uint64
	Loc     PieceLocator
	Data    []byte
}

// IsPlaceholder reports whether the transfer carries no payload.
func (s SendPiece) IsPlaceholder() bool {
	return s.Data == nil
}
