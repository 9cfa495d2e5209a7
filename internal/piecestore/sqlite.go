package piecestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pieces (
	key  TEXT    NOT NULL,
	idx  INTEGER NOT NULL,
	data BLOB    NOT NULL,
	PRIMARY KEY (key, idx)
)`

// SQLiteStore keeps pieces in a single sqlite table.
type SQLiteStore struct {
	db    *sql.DB
	codec *valueCodec
}

var _ interfaces.PieceStore = (*SQLiteStore)(nil)

// OpenSQLite opens the database file at path; ":memory:" gives a private
// in-memory database.
func OpenSQLite(path string, compress bool) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("piecestore: open sqlite: %w", err)
	}
	// a single connection serialises writers and keeps ":memory:" shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("piecestore: create schema: %w", err)
	}
	codec, err := newValueCodec(compress)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, codec: codec}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, loc model.PieceLocator) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM pieces WHERE key = ? AND idx = ?`, loc.Key, loc.Index,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("piecestore: get %s: %w", loc, err)
	}
	return s.codec.decode(raw)
}

func (s *SQLiteStore) GetMany(ctx context.Context, key string, count int) ([]model.IndexedPiece, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, data FROM pieces WHERE key = ? AND idx < ? ORDER BY idx`, key, count,
	)
	if err != nil {
		return nil, fmt.Errorf("piecestore: get many %q: %w", key, err)
	}
	defer rows.Close()

	var out []model.IndexedPiece
	for rows.Next() {
		var idx int
		var raw []byte
		if err := rows.Scan(&idx, &raw); err != nil {
			return nil, fmt.Errorf("piecestore: scan: %w", err)
		}
		data, err := s.codec.decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, model.IndexedPiece{Index: idx, Data: data})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Put(ctx context.Context, loc model.PieceLocator, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pieces (key, idx, data) VALUES (?, ?, ?)`,
		loc.Key, loc.Index, s.codec.encode(data),
	)
	if err != nil {
		return fmt.Errorf("piecestore: put %s: %w", loc, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, loc model.PieceLocator) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pieces WHERE key = ? AND idx = ?`, loc.Key, loc.Index,
	)
	if err != nil {
		return fmt.Errorf("piecestore: delete %s: %w", loc, err)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, loc model.PieceLocator) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM pieces WHERE key = ? AND idx = ? LIMIT 1`, loc.Key, loc.Index,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("piecestore: exists %s: %w", loc, err)
	}
	return true, nil
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key FROM pieces ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("piecestore: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("piecestore: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.codec.close()
	return s.db.Close()
}
