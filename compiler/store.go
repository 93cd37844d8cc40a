package compiler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Store persists dynamic results across restarts. Get returns (nil, nil)
// on a miss.
type Store interface {
	Get(ctx context.Context, key string) (*Result, error)
	Put(ctx context.Context, key string, res *Result) error
}

// StoreSchema creates the artifact table.
const StoreSchema = `
CREATE TABLE IF NOT EXISTS compiled_artifacts (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// SQLiteStore keeps CBOR-encoded results in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(StoreSchema); err != nil {
		return nil, fmt.Errorf("compiler: store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// artifact is the persisted form of a Result. Keys are integers to keep
// the CBOR payload small.
type artifact struct {
	Head         string `cbor:"1,keyasint,omitempty"`
	Body         string `cbor:"2,keyasint,omitempty"`
	Static       bool   `cbor:"3,keyasint,omitempty"`
	ClientModule string `cbor:"4,keyasint"`
	CSS          string `cbor:"5,keyasint,omitempty"`
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Result, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM compiled_artifacts WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compiler: store get: %w", err)
	}
	var a artifact
	if err := cbor.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("compiler: store decode: %w", err)
	}
	res := &Result{ClientModule: a.ClientModule, CSS: a.CSS}
	if a.Static {
		res.HTML = &HTML{Head: a.Head, Body: a.Body}
	}
	return res, nil
}

// Put stores successful results; failures are ignored.
func (s *SQLiteStore) Put(ctx context.Context, key string, res *Result) error {
	if !res.OK() {
		return nil
	}
	a := artifact{ClientModule: res.ClientModule, CSS: res.CSS}
	if res.HTML != nil {
		a.Static, a.Head, a.Body = true, res.HTML.Head, res.HTML.Body
	}
	payload, err := cbor.Marshal(a)
	if err != nil {
		return fmt.Errorf("compiler: store encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compiled_artifacts (key, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		key, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("compiler: store put: %w", err)
	}
	return nil
}

// Len returns the number of stored artifacts.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM compiled_artifacts`).Scan(&n)
	return n, err
}
