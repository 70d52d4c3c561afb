/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package store holds one versioned JSON document per room and exposes the
// primitives every game component is built on: unconditional writes,
// compare-and-set guards, atomic counter deltas and snapshot subscriptions.
//
// Paths are slash separated ("players/abc/score"). The empty path addresses
// the whole document. Empty objects and null values are never stored, so an
// absent leaf and a cleared leaf read the same.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound   = errors.New("store: room not found")
	ErrNoParent   = errors.New("store: parent node missing")
	ErrNotCounter = errors.New("store: value is not a counter")
	ErrBadPath    = errors.New("store: invalid path")
	ErrConflict   = errors.New("store: too many concurrent writers")
	ErrClosed     = errors.New("store: closed")
)

// Snapshot is the full document of one room at one version.
type Snapshot struct {
	Code    string
	Version int64
	Data    json.RawMessage
	Deleted bool
}

func (s *Snapshot) Exists() bool {
	return s != nil && !s.Deleted && len(s.Data) > 0
}

// Decode unmarshals the document into v.
func (s *Snapshot) Decode(v any) error {
	if !s.Exists() {
		return ErrNotFound
	}

	return json.Unmarshal(s.Data, v)
}

// Store is implemented by every backend. All methods are safe for
// concurrent use, and each mutating call is atomic with respect to the
// others on the same room.
type Store interface {
	// Read returns the current document or ErrNotFound.
	Read(ctx context.Context, code string) (*Snapshot, error)

	// Write sets the value at path. A nil value removes it. Writing into a
	// room that does not exist returns ErrNotFound.
	Write(ctx context.Context, code, path string, value any) error

	// Update writes several paths in one commit. Paths are applied in
	// lexical order.
	Update(ctx context.Context, code string, values map[string]any) error

	// CompareAndSet replaces the value at path only if it currently equals
	// expected. A nil expected means "absent". With the empty path and a nil
	// expected, it creates the room.
	CompareAndSet(ctx context.Context, code, path string, expected, value any) (bool, error)

	// Increment adds delta to the integer at path and returns the result.
	// The parent of path must exist, otherwise ErrNoParent is returned.
	Increment(ctx context.Context, code, path string, delta int64) (int64, error)

	// Remove deletes the room.
	Remove(ctx context.Context, code string) error

	// Subscribe calls fn with the current document, then with every later
	// version in commit order, ending with a Deleted snapshot if the room is
	// removed. fn runs on a dedicated goroutine and never blocks writers.
	Subscribe(ctx context.Context, code string, fn func(*Snapshot)) (cancel func(), err error)

	Close() error
}
