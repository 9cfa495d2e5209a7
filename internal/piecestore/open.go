package piecestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Dir      string
	Compress bool
	Logger   *logrus.Logger
}

// Open creates the store named by opts.Backend.
func Open(opts Options) (interfaces.PieceStore, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemStore(), nil
	case BackendBadger:
		return OpenBadger(BadgerConfig{
			Path:     filepath.Join(opts.Dir, "pieces"),
			Compress: opts.Compress,
			Logger:   opts.Logger,
		})
	case BackendSQLite:
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("piecestore: create dir: %w", err)
		}
		return OpenSQLite(filepath.Join(opts.Dir, "pieces.db"), opts.Compress)
	default:
		return nil, fmt.Errorf("piecestore: unknown backend %q", opts.Backend)
	}
}
