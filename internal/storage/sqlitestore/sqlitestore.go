// Package sqlitestore backs the storage collaborator with SQLite. One
// kv table keyed by (store, k) keeps the multi-store transaction a
// plain SQL transaction.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"balancechain/internal/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bc_kv (
	store TEXT NOT NULL,
	k     TEXT NOT NULL,
	v     BLOB NOT NULL,
	PRIMARY KEY (store, k)
);
`

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. WAL mode keeps reads
// concurrent with the single writer; the connection pool is capped at
// one writer to avoid SQLITE_BUSY.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(&tx{ctx: ctx, tx: sqlTx})
}

func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	if err := fn(&tx{ctx: ctx, tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *tx) Get(store, key string, out any) error {
	var raw []byte
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT v FROM bc_kv WHERE store = ? AND k = ?", store, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", store, key, err)
	}
	return json.Unmarshal(raw, out)
}

func (t *tx) Put(store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", store, key, err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		"INSERT INTO bc_kv (store, k, v) VALUES (?, ?, ?) ON CONFLICT(store, k) DO UPDATE SET v = excluded.v",
		store, key, raw)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", store, key, err)
	}
	return nil
}

func (t *tx) Delete(store, key string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM bc_kv WHERE store = ? AND k = ?", store, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", store, key, err)
	}
	return nil
}

func (t *tx) GetAll(store string, fn func(key string, raw []byte) error) error {
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT k, v FROM bc_kv WHERE store = ? ORDER BY k", store)
	if err != nil {
		return fmt.Errorf("scan %s: %w", store, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k   string
			raw []byte
		)
		if err := rows.Scan(&k, &raw); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if err := fn(k, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}
