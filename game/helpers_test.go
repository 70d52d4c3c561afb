package game

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Seednode/whowrote/store"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

// fakeClock hands out strictly increasing times and runs timers only when
// the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(time.Millisecond)

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		was := !t.stopped
		t.stopped = true

		return was
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}

	return n
}

// advance moves time forward and runs every timer that came due, each on its
// own goroutine so they race the way independent clients would.
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.at.After(c.now) {
			t.stopped = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range due {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.f()
		}()
	}
	wg.Wait()
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	svc   *Service
	store store.Store
	clock *fakeClock
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	var (
		mu   sync.Mutex
		next int
	)

	clock := newFakeClock()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	opts := Options{
		Clock: clock,
		NewPlayerID: func() string {
			mu.Lock()
			defer mu.Unlock()
			next++
			return fmt.Sprintf("p%02d", next)
		},
	}
	for _, m := range mutate {
		m(&opts)
	}

	return &harness{
		t:     t,
		ctx:   context.Background(),
		svc:   New(st, opts),
		store: st,
		clock: clock,
	}
}

func (h *harness) room(code string) *Room {
	h.t.Helper()

	room, err := h.svc.Room(h.ctx, code)
	require.NoError(h.t, err)

	return room
}

func (h *harness) version(code string) int64 {
	h.t.Helper()

	snap, err := h.store.Read(h.ctx, code)
	require.NoError(h.t, err)

	return snap.Version
}

// lobby creates a room with n players. The host is ids[0].
func (h *harness) lobby(n int) (string, []string) {
	h.t.Helper()

	code, host, err := h.svc.CreateRoom(h.ctx, "Player 1")
	require.NoError(h.t, err)

	ids := []string{host}
	for i := 2; i <= n; i++ {
		id, err := h.svc.JoinRoom(h.ctx, code, fmt.Sprintf("Player %d", i))
		require.NoError(h.t, err)
		ids = append(ids, id)
	}

	return code, ids
}

func answerText(round int, subject, writer string) string {
	return fmt.Sprintf("r%d %s by %s", round, subject, writer)
}

func (h *harness) writeAll(code string, writer string, subjects []string) {
	h.t.Helper()

	for round := 1; round <= TotalRounds; round++ {
		for _, subject := range subjects {
			require.NoError(h.t, h.svc.SubmitAnswer(h.ctx, code, subject, writer, round, answerText(round, subject, writer)))
		}
	}
}

// writing starts a game with n players and has everyone finish writing.
func (h *harness) writing(n int) (string, []string) {
	h.t.Helper()

	code, ids := h.lobby(n)

	started, err := h.svc.StartGame(h.ctx, code)
	require.NoError(h.t, err)
	require.True(h.t, started)

	for _, writer := range ids {
		h.writeAll(code, writer, ids)
	}
	for _, id := range ids {
		_, err := h.svc.MarkWritingComplete(h.ctx, code, id)
		require.NoError(h.t, err)
	}

	return code, ids
}

// guessing takes a room with n players through writing into round one.
func (h *harness) guessing(n int) (string, []string) {
	h.t.Helper()

	code, ids := h.writing(n)

	ok, err := h.svc.StartGuessingPhase(h.ctx, code)
	require.NoError(h.t, err)
	require.True(h.t, ok)

	return code, ids
}

// finishRound advances through every remaining subject of the current round.
func (h *harness) finishRound(code string) {
	h.t.Helper()

	room := h.room(code)
	require.Equal(h.t, PhaseGuessing, room.Phase)

	for range len(room.Game.SubjectOrder) - room.Game.CurrentSubjectIndex {
		ok, err := h.svc.AdvanceSubject(h.ctx, code)
		require.NoError(h.t, err)
		require.True(h.t, ok)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}
