package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/whowrote/store"
)

// hookedStore runs each hook once, keyed by the exact path it fires on, so a
// test can slot another caller in between two steps of an operation.
type hookedStore struct {
	store.Store

	mu          sync.Mutex
	beforeWrite map[string]func()
	afterWrite  map[string]func()
	beforeCAS   map[string]func()
}

func (s *hookedStore) take(hooks map[string]func(), path string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn := hooks[path]
	delete(hooks, path)

	return fn
}

func (s *hookedStore) Write(ctx context.Context, code, path string, value any) error {
	if fn := s.take(s.beforeWrite, path); fn != nil {
		fn()
	}

	err := s.Store.Write(ctx, code, path, value)

	if fn := s.take(s.afterWrite, path); fn != nil {
		fn()
	}

	return err
}

func (s *hookedStore) CompareAndSet(ctx context.Context, code, path string, expected, value any) (bool, error) {
	if fn := s.take(s.beforeCAS, path); fn != nil {
		fn()
	}

	return s.Store.CompareAndSet(ctx, code, path, expected, value)
}

// hooked returns a second service over the harness store whose writes go
// through the hooks. Its players are all called "late".
func (h *harness) hooked() (*Service, *hookedStore) {
	hs := &hookedStore{
		Store:       h.store,
		beforeWrite: map[string]func(){},
		afterWrite:  map[string]func(){},
		beforeCAS:   map[string]func(){},
	}

	return New(hs, Options{Clock: h.clock, NewPlayerID: func() string { return "late" }}), hs
}

func TestCreateRoom(t *testing.T) {
	h := newHarness(t)

	code, host, err := h.svc.CreateRoom(h.ctx, "  Ann  ")
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, code)

	room := h.room(code)
	assert.Equal(t, code, room.Code)
	assert.Equal(t, PhaseWaiting, room.Phase)
	assert.Equal(t, host, room.HostID)
	assert.Nil(t, room.Game)
	assert.Equal(t, Settings{MaxPlayers: 10, TotalRounds: 4, GuessSeconds: 30, ScoreboardSeconds: 10}, room.Settings)

	require.Contains(t, room.Players, host)
	p := room.Players[host]
	assert.Equal(t, "Ann", p.Name)
	assert.True(t, p.IsHost)
	assert.Zero(t, p.Score)
}

func TestCreateRoomRejectsEmptyName(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.svc.CreateRoom(h.ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateRoomRetriesTakenCodes(t *testing.T) {
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	h := newHarness(t, func(o *Options) {
		o.NewCode = func() (string, error) {
			c := codes[0]
			codes = codes[1:]
			return c, nil
		}
	})

	first, _, err := h.svc.CreateRoom(h.ctx, "Ann")
	require.NoError(t, err)
	second, _, err := h.svc.CreateRoom(h.ctx, "Bo")
	require.NoError(t, err)

	assert.Equal(t, "AAAAAA", first)
	assert.Equal(t, "BBBBBB", second)
	assert.Equal(t, "Ann", h.room(first).Players[h.room(first).HostID].Name)
}

func TestJoinRoomErrors(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxPlayers = 3 })

	_, err := h.svc.JoinRoom(h.ctx, "NOPE00", "Ann")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	code, _ := h.lobby(3)

	_, err = h.svc.JoinRoom(h.ctx, code, "Dee")
	assert.ErrorIs(t, err, ErrRoomFull)

	_, err = h.svc.JoinRoom(h.ctx, code, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.StartGame(h.ctx, code)
	require.NoError(t, err)

	_, err = h.svc.JoinRoom(h.ctx, code, "Eve")
	assert.ErrorIs(t, err, ErrGameInProgress)
	assert.Len(t, h.room(code).Players, 3)
}

func TestJoinAfterStart(t *testing.T) {
	h := newHarness(t)
	code, _ := h.lobby(3)

	_, err := h.svc.StartGame(h.ctx, code)
	require.NoError(t, err)

	_, err = h.svc.JoinRoom(h.ctx, code, "Late")
	assert.ErrorIs(t, err, ErrGameInProgress)
}

func TestJoinCountedByRacingStartStays(t *testing.T) {
	h := newHarness(t)
	code, ids := h.lobby(2)

	svc, hs := h.hooked()
	hs.afterWrite[playerPath("late")] = func() {
		ok, err := h.svc.StartGame(h.ctx, code)
		assert.NoError(t, err)
		assert.True(t, ok)
	}

	id, err := svc.JoinRoom(h.ctx, code, "Cy")
	require.NoError(t, err)
	assert.Equal(t, "late", id)

	room := h.room(code)
	assert.Equal(t, PhaseWriting, room.Phase)
	assert.Len(t, room.Players, 3)
	assert.Equal(t, map[string]bool{ids[0]: true, ids[1]: true, "late": true}, room.Game.Roster)
}

func TestJoinMissedByRacingStartBacksOut(t *testing.T) {
	h := newHarness(t)
	code, ids := h.lobby(3)

	svc, hs := h.hooked()
	hs.beforeWrite[playerPath("late")] = func() {
		ok, err := h.svc.StartGame(h.ctx, code)
		assert.NoError(t, err)
		assert.True(t, ok)
	}

	_, err := svc.JoinRoom(h.ctx, code, "Dee")
	assert.ErrorIs(t, err, ErrGameInProgress)

	room := h.room(code)
	assert.Equal(t, PhaseWriting, room.Phase)
	assert.Equal(t, ids, sortedKeys(room.Players))
	assert.Len(t, room.Seats, 3)
	assert.Len(t, room.Game.Roster, 3)
}

func TestJoinLandingBeforeRosterIsCountedIn(t *testing.T) {
	h := newHarness(t)
	code, ids := h.lobby(3)

	var joined string
	starter, hs := h.hooked()
	hs.beforeCAS[gamePath] = func() {
		id, err := h.svc.JoinRoom(h.ctx, code, "Dee")
		assert.NoError(t, err)
		joined = id
	}

	ok, err := starter.StartGame(h.ctx, code)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, joined)

	room := h.room(code)
	assert.Equal(t, PhaseWriting, room.Phase)
	assert.Len(t, room.Players, 4)
	assert.Equal(t, map[string]bool{ids[0]: true, ids[1]: true, ids[2]: true, joined: true}, room.Game.Roster)
}

func TestConcurrentJoinsNeverOverfill(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxPlayers = 4 })

	code, _, err := h.svc.CreateRoom(h.ctx, "Host")
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
		full   int
	)

	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := h.svc.JoinRoom(h.ctx, code, fmt.Sprintf("Guest %d", i))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, ErrRoomFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, joined)
	assert.Equal(t, 9, full)

	room := h.room(code)
	assert.Len(t, room.Players, 4)
	assert.Len(t, room.Seats, 4)
}

func TestLeaveRoomFreesSeatAndHandsOffHost(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxPlayers = 3 })
	code, ids := h.lobby(3)

	require.NoError(t, h.svc.LeaveRoom(h.ctx, code, ids[0]))

	room := h.room(code)
	assert.NotContains(t, room.Players, ids[0])
	assert.Equal(t, ids[1], room.HostID)
	assert.True(t, room.Players[ids[1]].IsHost)
	assert.False(t, room.Players[ids[2]].IsHost)

	// Leaving twice is harmless.
	require.NoError(t, h.svc.LeaveRoom(h.ctx, code, ids[0]))

	id, err := h.svc.JoinRoom(h.ctx, code, "Replacement")
	require.NoError(t, err)
	assert.Contains(t, h.room(code).Players, id)
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	h := newHarness(t)
	code, ids := h.lobby(3)

	for _, id := range ids {
		require.NoError(t, h.svc.LeaveRoom(h.ctx, code, id))
	}

	_, err := h.svc.Room(h.ctx, code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestPeerLost(t *testing.T) {
	h := newHarness(t)
	code, ids := h.lobby(3)

	require.NoError(t, h.svc.PeerLost(h.ctx, code, ids[2]))
	assert.NotContains(t, h.room(code).Players, ids[2])

	require.NoError(t, h.svc.PeerLost(h.ctx, "GONE00", ids[1]))
}

func TestDeleteRoom(t *testing.T) {
	h := newHarness(t)
	code, _ := h.lobby(3)

	require.NoError(t, h.svc.DeleteRoom(h.ctx, code))
	assert.ErrorIs(t, h.svc.DeleteRoom(h.ctx, code), ErrRoomNotFound)

	_, err := h.svc.Room(h.ctx, code)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = h.svc.JoinRoom(h.ctx, code, "Late")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoomRejectsUnknownPhase(t *testing.T) {
	h := newHarness(t)
	code, _ := h.lobby(1)

	require.NoError(t, h.store.Write(h.ctx, code, phasePath, "dancing"))

	_, err := h.svc.Room(h.ctx, code)
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	h := newHarness(t)
	code, _ := h.lobby(1)

	var (
		mu     sync.Mutex
		phases []Phase
		gone   bool
	)

	cancel, err := h.svc.Watch(h.ctx, code, func(room *Room) {
		mu.Lock()
		defer mu.Unlock()

		if room == nil {
			gone = true
			return
		}
		phases = append(phases, room.Phase)
	})
	require.NoError(t, err)
	defer cancel()

	_, err = h.svc.JoinRoom(h.ctx, code, "Bo")
	require.NoError(t, err)
	require.NoError(t, h.svc.DeleteRoom(h.ctx, code))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gone
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseWaiting, phases[0])

	_, err = h.svc.Watch(h.ctx, "NOPE00", func(*Room) {})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
