/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"sync"
)

// subscriber delivers snapshots to one callback in order. The queue is
// unbounded so publishing never waits on a slow reader.
type subscriber struct {
	fn func(*Snapshot)

	mu      sync.Mutex
	queue   []*Snapshot
	version int64

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newSubscriber(fn func(*Snapshot)) *subscriber {
	s := &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go s.run()

	return s
}

// push queues snap unless it is older than something already queued.
// Stale versions can arrive when a backend publishes outside its commit.
func (s *subscriber) push(snap *Snapshot) {
	s.mu.Lock()
	if !snap.Deleted && snap.Version <= s.version {
		s.mu.Unlock()
		return
	}
	s.version = snap.Version
	if snap.Deleted {
		s.version = 0
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			if len(batch) == 0 {
				break
			}

			for _, snap := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(snap)
			}
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// feed fans snapshots out to the subscribers of each room.
type feed struct {
	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]*subscriber
}

func newFeed() *feed {
	return &feed{subs: make(map[string]map[uint64]*subscriber)}
}

func (f *feed) add(code string, s *subscriber) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	id := f.next

	if f.subs[code] == nil {
		f.subs[code] = make(map[uint64]*subscriber)
	}
	f.subs[code][id] = s

	return func() {
		f.mu.Lock()
		delete(f.subs[code], id)
		if len(f.subs[code]) == 0 {
			delete(f.subs, code)
		}
		f.mu.Unlock()

		s.stop()
	}
}

func (f *feed) publish(snap *Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.subs[snap.Code] {
		s.push(snap)
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for code, subs := range f.subs {
		for _, s := range subs {
			s.stop()
		}
		delete(f.subs, code)
	}
}

func snapshotOf(code string, version int64, raw []byte) *Snapshot {
	if raw == nil {
		return &Snapshot{Code: code, Version: version, Deleted: true}
	}

	return &Snapshot{Code: code, Version: version, Data: append([]byte(nil), raw...)}
}
