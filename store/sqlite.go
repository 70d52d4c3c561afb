/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteRetries = 8

// SQLite keeps one row per room. Each primitive is an optimistic
// read-modify-write guarded on the row version, so several processes may
// share one database file. Subscriptions only see commits made through this
// handle.
type SQLite struct {
	db   *sql.DB
	mu   sync.Mutex
	feed *feed
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS rooms (
			code       TEXT PRIMARY KEY,
			doc        BLOB NOT NULL,
			version    INTEGER NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &SQLite{db: db, feed: newFeed()}, nil
}

func (s *SQLite) load(ctx context.Context, code string) ([]byte, int64, error) {
	var (
		raw     []byte
		version int64
	)

	err := s.db.QueryRowContext(ctx, "SELECT doc, version FROM rooms WHERE code = ?", code).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}

	return raw, version, err
}

// store writes next over the row at version. It reports false when another
// writer got there first.
func (s *SQLite) store(ctx context.Context, code string, version int64, next []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)

	now := time.Now().UTC()

	switch {
	case version == 0:
		res, err = s.db.ExecContext(ctx,
			"INSERT INTO rooms (code, doc, version, updated_at) VALUES (?, ?, 1, ?) ON CONFLICT(code) DO NOTHING",
			code, next, now)
	case next == nil:
		res, err = s.db.ExecContext(ctx,
			"DELETE FROM rooms WHERE code = ? AND version = ?",
			code, version)
	default:
		res, err = s.db.ExecContext(ctx,
			"UPDATE rooms SET doc = ?, version = version + 1, updated_at = ? WHERE code = ? AND version = ?",
			next, now, code, version)
	}
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (s *SQLite) commit(ctx context.Context, code string, o op) (result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for range sqliteRetries {
		raw, version, err := s.load(ctx, code)
		if err != nil {
			return result{}, err
		}

		next, res, err := o.apply(raw)
		if err != nil || !res.changed {
			return res, err
		}

		ok, err := s.store(ctx, code, version, next)
		if err != nil {
			return result{}, err
		}
		if !ok {
			continue
		}

		s.feed.publish(snapshotOf(code, version+1, next))

		return res, nil
	}

	return result{}, ErrConflict
}

func (s *SQLite) Read(ctx context.Context, code string) (*Snapshot, error) {
	raw, version, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}

	return snapshotOf(code, version, raw), nil
}

func (s *SQLite) Write(ctx context.Context, code, path string, value any) error {
	o, err := writeOp(path, value)
	if err != nil {
		return err
	}

	_, err = s.commit(ctx, code, o)

	return err
}

func (s *SQLite) Update(ctx context.Context, code string, values map[string]any) error {
	o, err := updateOp(values)
	if err != nil {
		return err
	}

	_, err = s.commit(ctx, code, o)

	return err
}

func (s *SQLite) CompareAndSet(ctx context.Context, code, path string, expected, value any) (bool, error) {
	o, err := compareAndSetOp(path, expected, value)
	if err != nil {
		return false, err
	}

	res, err := s.commit(ctx, code, o)

	return res.swapped, err
}

func (s *SQLite) Increment(ctx context.Context, code, path string, delta int64) (int64, error) {
	o, err := incrementOp(path, delta)
	if err != nil {
		return 0, err
	}

	res, err := s.commit(ctx, code, o)

	return res.counter, err
}

func (s *SQLite) Remove(ctx context.Context, code string) error {
	_, err := s.commit(ctx, code, removeOp())

	return err
}

func (s *SQLite) Subscribe(ctx context.Context, code string, fn func(*Snapshot)) (func(), error) {
	sub := newSubscriber(fn)
	cancel := s.feed.add(code, sub)

	snap, err := s.Read(ctx, code)
	if err != nil {
		cancel()
		return nil, err
	}

	sub.push(snap)

	return cancel, nil
}

func (s *SQLite) Close() error {
	s.feed.close()

	return s.db.Close()
}
