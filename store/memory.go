/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"sync"
)

type memoryRoom struct {
	raw     []byte
	version int64
}

// Memory keeps every room in process. It is the default backend and the one
// the game tests run against.
type Memory struct {
	mu     sync.Mutex
	rooms  map[string]*memoryRoom
	feed   *feed
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]*memoryRoom),
		feed:  newFeed(),
	}
}

func (m *Memory) commit(ctx context.Context, code string, o op) (result, error) {
	if err := ctx.Err(); err != nil {
		return result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return result{}, ErrClosed
	}

	var (
		raw     []byte
		version int64
	)
	if room, ok := m.rooms[code]; ok {
		raw, version = room.raw, room.version
	}

	next, res, err := o.apply(raw)
	if err != nil || !res.changed {
		return res, err
	}

	version++
	if next == nil {
		delete(m.rooms, code)
	} else {
		m.rooms[code] = &memoryRoom{raw: next, version: version}
	}

	m.feed.publish(snapshotOf(code, version, next))

	return res, nil
}

func (m *Memory) Read(ctx context.Context, code string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}

	return snapshotOf(code, room.version, room.raw), nil
}

func (m *Memory) Write(ctx context.Context, code, path string, value any) error {
	o, err := writeOp(path, value)
	if err != nil {
		return err
	}

	_, err = m.commit(ctx, code, o)

	return err
}

func (m *Memory) Update(ctx context.Context, code string, values map[string]any) error {
	o, err := updateOp(values)
	if err != nil {
		return err
	}

	_, err = m.commit(ctx, code, o)

	return err
}

func (m *Memory) CompareAndSet(ctx context.Context, code, path string, expected, value any) (bool, error) {
	o, err := compareAndSetOp(path, expected, value)
	if err != nil {
		return false, err
	}

	res, err := m.commit(ctx, code, o)

	return res.swapped, err
}

func (m *Memory) Increment(ctx context.Context, code, path string, delta int64) (int64, error) {
	o, err := incrementOp(path, delta)
	if err != nil {
		return 0, err
	}

	res, err := m.commit(ctx, code, o)

	return res.counter, err
}

func (m *Memory) Remove(ctx context.Context, code string) error {
	_, err := m.commit(ctx, code, removeOp())

	return err
}

func (m *Memory) Subscribe(ctx context.Context, code string, fn func(*Snapshot)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	room, ok := m.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}

	s := newSubscriber(fn)
	s.push(snapshotOf(code, room.version, room.raw))

	return m.feed.add(code, s), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.feed.close()

	return nil
}
