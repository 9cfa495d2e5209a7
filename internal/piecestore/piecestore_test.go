package piecestore

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

type storeFactory func(t *testing.T) interfaces.PieceStore

func quietLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) interfaces.PieceStore {
			return NewMemStore()
		},
		"badger": func(t *testing.T) interfaces.PieceStore {
			s, err := OpenBadger(BadgerConfig{Path: t.TempDir(), Logger: quietLogrus()})
			require.NoError(t, err)
			return s
		},
		"badger-zstd": func(t *testing.T) interfaces.PieceStore {
			s, err := OpenBadger(BadgerConfig{InMemory: true, Compress: true, Logger: quietLogrus()})
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) interfaces.PieceStore {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "p.db"), false)
			require.NoError(t, err)
			return s
		},
		"sqlite-zstd": func(t *testing.T) interfaces.PieceStore {
			s, err := OpenSQLite(":memory:", true)
			require.NoError(t, err)
			return s
		},
	}
}

func TestPieceStoreBackends(t *testing.T) {
	t.Parallel()
	for name, open := range backends() {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := open(t)
			defer func() { require.NoError(t, s.Close()) }()
			exerciseStore(t, s)
		})
	}
}

func exerciseStore(t *testing.T, s interfaces.PieceStore) {
	ctx := context.Background()
	a0 := model.PieceLocator{Key: "alpha", Index: 0}
	a3 := model.PieceLocator{Key: "alpha", Index: 3}
	a7 := model.PieceLocator{Key: "alpha", Index: 7}
	b1 := model.PieceLocator{Key: "beta", Index: 1}

	_, err := s.Get(ctx, a0)
	assert.ErrorIs(t, err, model.ErrNotFound)

	ok, err := s.Exists(ctx, a0)
	require.NoError(t, err)
	assert.False(t, ok)

	payload := bytes.Repeat([]byte("piece-"), 200)
	require.NoError(t, s.Put(ctx, a0, payload))
	require.NoError(t, s.Put(ctx, a3, []byte("three")))
	require.NoError(t, s.Put(ctx, a7, []byte("seven")))
	require.NoError(t, s.Put(ctx, b1, []byte("beta-one")))

	got, err := s.Get(ctx, a0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ok, err = s.Exists(ctx, a3)
	require.NoError(t, err)
	assert.True(t, ok)

	// overwrite keeps a single copy
	require.NoError(t, s.Put(ctx, a3, []byte("three-v2")))
	got, err = s.Get(ctx, a3)
	require.NoError(t, err)
	assert.Equal(t, []byte("three-v2"), got)

	many, err := s.GetMany(ctx, "alpha", model.N)
	require.NoError(t, err)
	require.Len(t, many, 3)
	sort.Slice(many, func(i, j int) bool { return many[i].Index < many[j].Index })
	assert.Equal(t, []int{0, 3, 7}, []int{many[0].Index, many[1].Index, many[2].Index})

	// count limits the indices returned
	many, err = s.GetMany(ctx, "alpha", 4)
	require.NoError(t, err)
	assert.Len(t, many, 2)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"alpha", "beta"}, keys)

	require.NoError(t, s.Delete(ctx, b1))
	ok, err = s.Exists(ctx, b1)
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, keys)

	// deleting an absent piece is not an error
	require.NoError(t, s.Delete(ctx, b1))
}

func TestBadgerKeysWithSharedPrefixes(t *testing.T) {
	t.Parallel()
	s, err := OpenBadger(BadgerConfig{Path: t.TempDir(), Logger: quietLogrus()})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, model.PieceLocator{Key: "a", Index: 1}, []byte("x")))
	require.NoError(t, s.Put(ctx, model.PieceLocator{Key: "ab", Index: 1}, []byte("y")))

	many, err := s.GetMany(ctx, "a", model.N)
	require.NoError(t, err)
	require.Len(t, many, 1)
	assert.Equal(t, []byte("x"), many[0].Data)
}

func TestOpenUnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := Open(Options{Backend: "tape"})
	assert.Error(t, err)
}
