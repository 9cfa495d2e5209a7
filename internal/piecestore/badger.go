package piecestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// piecePrefix namespaces fragment keys inside badger:
// "p/" | uvarint(len(key)) | key | index byte
var piecePrefix = []byte("p/")

// BadgerConfig configures the on-disk store.
type BadgerConfig struct {
	Path     string
	Compress bool
	// InMemory runs badger without touching disk.
	InMemory bool
	Logger   *logrus.Logger
}

// BadgerStore persists pieces in a badger LSM tree.
type BadgerStore struct {
	db    *badger.DB
	codec *valueCodec
}

var _ interfaces.PieceStore = (*BadgerStore)(nil)

// OpenBadger opens (or creates) the store at cfg.Path.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, errors.New("piecestore: badger path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(cfg.Logger).
		WithSyncWrites(false).
		WithValueLogFileSize(100 << 20)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("piecestore: open badger: %w", err)
	}
	codec, err := newValueCodec(cfg.Compress)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, codec: codec}, nil
}

func keyPrefix(key string) []byte {
	buf := make([]byte, 0, len(piecePrefix)+binary.MaxVarintLen64+len(key)+1)
	buf = append(buf, piecePrefix...)
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	return append(buf, key...)
}

func encodeLocator(loc model.PieceLocator) []byte {
	return append(keyPrefix(loc.Key), byte(loc.Index))
}

func decodeLocator(raw []byte) (model.PieceLocator, error) {
	rest := raw[len(piecePrefix):]
	size, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) != size+1 {
		return model.PieceLocator{}, fmt.Errorf("piecestore: malformed key %x", raw)
	}
	rest = rest[n:]
	return model.PieceLocator{Key: string(rest[:size]), Index: int(rest[size])}, nil
}

func (s *BadgerStore) Get(_ context.Context, loc model.PieceLocator) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeLocator(loc))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = s.codec.decode(raw)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("piecestore: get %s: %w", loc, err)
	}
	return out, nil
}

func (s *BadgerStore) GetMany(_ context.Context, key string, count int) ([]model.IndexedPiece, error) {
	var out []model.IndexedPiece
	prefix := keyPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			if len(k) != len(prefix)+1 {
				continue
			}
			idx := int(k[len(k)-1])
			if idx >= count {
				continue
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			data, err := s.codec.decode(raw)
			if err != nil {
				return err
			}
			out = append(out, model.IndexedPiece{Index: idx, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("piecestore: get many %q: %w", key, err)
	}
	return out, nil
}

func (s *BadgerStore) Put(_ context.Context, loc model.PieceLocator, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeLocator(loc), s.codec.encode(data))
	})
	if err != nil {
		return fmt.Errorf("piecestore: put %s: %w", loc, err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, loc model.PieceLocator) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(encodeLocator(loc))
	})
	if err != nil {
		return fmt.Errorf("piecestore: delete %s: %w", loc, err)
	}
	return nil
}

func (s *BadgerStore) Exists(_ context.Context, loc model.PieceLocator) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(encodeLocator(loc))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("piecestore: exists %s: %w", loc, err)
	}
	return true, nil
}

func (s *BadgerStore) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = piecePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(piecePrefix); it.ValidForPrefix(piecePrefix); it.Next() {
			loc, err := decodeLocator(it.Item().Key())
			if err != nil {
				return err
			}
			if n := len(keys); n == 0 || keys[n-1] != loc.Key {
				keys = append(keys, loc.Key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("piecestore: keys: %w", err)
	}
	return keys, nil
}

// Clean runs one value log garbage collection round.
func (s *BadgerStore) Clean() error {
	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("piecestore: value log gc: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	s.codec.close()
	return s.db.Close()
}
