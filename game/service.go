/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package game implements the room state machine on top of a shared store.
// No method holds a lock across calls: every transition is claimed with a
// compare-and-set on its guard leaf, and every score change is an atomic
// increment, so any number of callers may drive the same room at once.
package game

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Seednode/whowrote/store"
)

const (
	MinPlayers        = 3
	DefaultMaxPlayers = 10
	TotalRounds       = 4

	DefaultScoreboardDelay = 10 * time.Second
	DefaultGuessTimeout    = 30 * time.Second

	codeLength    = 6
	codeAttempts  = 8
	maxNameLength = 32
)

// Clock lets tests control time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type Options struct {
	Logger *zerolog.Logger
	Clock  Clock

	// NewCode returns a candidate room code. Collisions are retried.
	NewCode func() (string, error)
	// NewPlayerID returns a unique player id.
	NewPlayerID func() string
	// Shuffle permutes category draws. Defaults to math/rand/v2.
	Shuffle func(n int, swap func(i, j int))

	Categories      []string
	MaxPlayers      int
	ScoreboardDelay time.Duration
	GuessTimeout    time.Duration

	// AutoAdvance makes the caller that moves a room onto the scoreboard
	// also arm the timer for the next round.
	AutoAdvance bool
}

type Service struct {
	store       store.Store
	log         zerolog.Logger
	clock       Clock
	newCode     func() (string, error)
	newPlayerID func() string
	shuffle     func(n int, swap func(i, j int))

	categories      []string
	settings        Settings
	scoreboardDelay time.Duration
	autoAdvance     bool
}

func New(st store.Store, opts Options) *Service {
	s := &Service{
		store:           st,
		log:             zerolog.Nop(),
		clock:           opts.Clock,
		newCode:         opts.NewCode,
		newPlayerID:     opts.NewPlayerID,
		shuffle:         opts.Shuffle,
		categories:      opts.Categories,
		scoreboardDelay: opts.ScoreboardDelay,
		autoAdvance:     opts.AutoAdvance,
	}

	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.newCode == nil {
		s.newCode = newRoomCode
	}
	if s.newPlayerID == nil {
		s.newPlayerID = uuid.NewString
	}
	if len(s.categories) < TotalRounds {
		s.categories = DefaultCategories
	}
	if s.scoreboardDelay <= 0 {
		s.scoreboardDelay = DefaultScoreboardDelay
	}

	maxPlayers := opts.MaxPlayers
	if maxPlayers < MinPlayers {
		maxPlayers = DefaultMaxPlayers
	}

	guessTimeout := opts.GuessTimeout
	if guessTimeout <= 0 {
		guessTimeout = DefaultGuessTimeout
	}

	s.settings = Settings{
		MaxPlayers:        maxPlayers,
		TotalRounds:       TotalRounds,
		GuessSeconds:      int(guessTimeout / time.Second),
		ScoreboardSeconds: int(s.scoreboardDelay / time.Second),
	}

	return s
}

// newRoomCode returns six uppercase alphanumerics from crypto/rand.
func newRoomCode() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	for i := range buf {
		buf[i] = letters[int(buf[i])%len(letters)]
	}

	return string(buf), nil
}

func validCode(code string) bool {
	if code == "" || len(code) > 32 {
		return false
	}

	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}

	return true
}

func validID(id string) bool {
	return id != "" && len(id) <= 64 && !strings.ContainsAny(id, "/.#$[]")
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)

	switch {
	case name == "":
		return "", invalid("name is empty")
	case utf8.RuneCountInString(name) > maxNameLength:
		return "", invalid("name is longer than %d characters", maxNameLength)
	}

	return name, nil
}

func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}

	return err
}

// settle turns a lost race into a quiet no-op.
func (s *Service) settle(code, op string, err error) (bool, error) {
	if errors.Is(err, ErrStaleTransition) {
		staleTransitions.WithLabelValues(op).Inc()
		s.log.Debug().Str("room", code).Str("op", op).Msg("GAMES: transition already applied")

		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (s *Service) read(ctx context.Context, code string) (*Room, error) {
	if !validCode(code) {
		return nil, ErrRoomNotFound
	}

	snap, err := s.store.Read(ctx, code)
	if err != nil {
		return nil, storeErr(err)
	}

	return decodeRoom(snap)
}

func decodeRoom(snap *store.Snapshot) (*Room, error) {
	var room Room
	if err := snap.Decode(&room); err != nil {
		return nil, storeErr(err)
	}

	room.Code = snap.Code
	for id, p := range room.Players {
		p.ID = id
		room.Players[id] = p
	}

	return &room, nil
}

// Room returns the current state of a room.
func (s *Service) Room(ctx context.Context, code string) (*Room, error) {
	return s.read(ctx, code)
}

// Watch calls fn with every committed version of the room, and with nil
// once the room is deleted.
func (s *Service) Watch(ctx context.Context, code string, fn func(*Room)) (func(), error) {
	if !validCode(code) {
		return nil, ErrRoomNotFound
	}

	cancel, err := s.store.Subscribe(ctx, code, func(snap *store.Snapshot) {
		if snap.Deleted {
			fn(nil)
			return
		}

		room, err := decodeRoom(snap)
		if err != nil {
			s.log.Error().Err(err).Str("room", code).Int64("version", snap.Version).Msg("GAMES: undecodable snapshot")
			return
		}

		fn(room)
	})
	if err != nil {
		return nil, storeErr(err)
	}

	return cancel, nil
}

// CreateRoom opens a room with the caller as host.
func (s *Service) CreateRoom(ctx context.Context, hostName string) (code, playerID string, err error) {
	name, err := cleanName(hostName)
	if err != nil {
		return "", "", err
	}

	now := s.clock.Now()
	playerID = s.newPlayerID()

	for range codeAttempts {
		code, err = s.newCode()
		if err != nil {
			return "", "", err
		}

		room := Room{
			Code:   code,
			HostID: playerID,
			Phase:  PhaseWaiting,
			Players: map[string]Player{
				playerID: {ID: playerID, Name: name, IsHost: true, JoinedAt: now},
			},
			Seats:     map[int]string{0: playerID},
			Settings:  s.settings,
			CreatedAt: now,
		}

		ok, err := s.store.CompareAndSet(ctx, code, "", nil, room)
		if err != nil {
			return "", "", err
		}
		if ok {
			roomsCreated.Inc()
			s.log.Info().Str("room", code).Str("player", playerID).Msg("GAMES: Created room")

			return code, playerID, nil
		}
	}

	return "", "", errors.New("no free room code")
}

// JoinRoom adds a player to a room that is still in the lobby. Capacity is
// enforced by claiming one of the room's seats, so concurrent joiners can
// never overfill it.
func (s *Service) JoinRoom(ctx context.Context, code, name string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}

	room, err := s.read(ctx, code)
	if err != nil {
		return "", err
	}

	if room.Phase != PhaseWaiting || room.starting() {
		return "", ErrGameInProgress
	}

	id := s.newPlayerID()

	seat, err := s.claimSeat(ctx, room, id)
	if err != nil {
		return "", err
	}

	player := Player{ID: id, Name: name, JoinedAt: s.clock.Now()}
	if err := s.store.Write(ctx, code, playerPath(id), player); err != nil {
		return "", storeErr(err)
	}

	// A start that raced the join is only visible after the write. The
	// player stays if that start counted them.
	room, err = s.read(ctx, code)
	if err != nil {
		return "", err
	}
	if (room.Phase != PhaseWaiting || room.starting()) && (room.Game == nil || !room.Game.Roster[id]) {
		if err := s.depart(ctx, code, id); err != nil {
			s.log.Warn().Err(err).Str("room", code).Str("player", id).Msg("GAMES: Failed to back out of join")
		}
		return "", ErrGameInProgress
	}

	playersJoined.Inc()
	s.log.Info().Str("room", code).Str("player", id).Int("seat", seat).Msg("GAMES: Player joined")

	return id, nil
}

func (s *Service) claimSeat(ctx context.Context, room *Room, id string) (int, error) {
	for seat := range room.Settings.MaxPlayers {
		if room.Seats[seat] != "" {
			continue
		}

		ok, err := s.store.CompareAndSet(ctx, room.Code, seatPath(seat), nil, id)
		if err != nil {
			return 0, storeErr(err)
		}
		if ok {
			return seat, nil
		}
	}

	return 0, ErrRoomFull
}

// LeaveRoom removes a player. Leaving twice is not an error.
func (s *Service) LeaveRoom(ctx context.Context, code, playerID string) error {
	if !validID(playerID) {
		return invalid("bad player id")
	}

	room, err := s.read(ctx, code)
	if err != nil {
		return err
	}
	if !room.HasPlayer(playerID) {
		return nil
	}

	s.log.Info().Str("room", code).Str("player", playerID).Msg("GAMES: Player left")

	return s.depart(ctx, code, playerID)
}

// PeerLost is the presence layer's signal that a player is gone for good.
func (s *Service) PeerLost(ctx context.Context, code, playerID string) error {
	err := s.LeaveRoom(ctx, code, playerID)
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}

	return err
}

// DeleteRoom tears a room down for everyone.
func (s *Service) DeleteRoom(ctx context.Context, code string) error {
	if !validCode(code) {
		return ErrRoomNotFound
	}

	if err := s.store.Remove(ctx, code); err != nil {
		return storeErr(err)
	}

	s.log.Info().Str("room", code).Msg("GAMES: Deleted room")

	return nil
}

// depart removes the player entry and repairs whatever the room derived
// from it: the host seat, writing completion and the reveal flag.
func (s *Service) depart(ctx context.Context, code, playerID string) error {
	if err := s.store.Write(ctx, code, playerPath(playerID), nil); err != nil {
		err = storeErr(err)
		if errors.Is(err, ErrRoomNotFound) {
			return nil
		}
		return err
	}

	room, err := s.read(ctx, code)
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if seat, ok := room.SeatOf(playerID); ok {
		if _, err := s.store.CompareAndSet(ctx, code, seatPath(seat), playerID, nil); err != nil {
			return storeErr(err)
		}
		delete(room.Seats, seat)
	}

	if len(room.Players) == 0 {
		if err := s.store.Remove(ctx, code); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		s.log.Info().Str("room", code).Msg("GAMES: Closed empty room")

		return nil
	}

	if !room.HasPlayer(room.HostID) {
		if err := s.handOffHost(ctx, room); err != nil {
			return err
		}
	}

	switch room.Phase {
	case PhaseWriting:
		_, err = s.recheckWritingComplete(ctx, code)
	case PhaseGuessing:
		if subject, ok := room.CurrentSubject(); ok {
			err = s.checkReveal(ctx, code, room.Game.CurrentRound, subject)
		}
	}

	return err
}

func (s *Service) handOffHost(ctx context.Context, room *Room) error {
	next := room.OrderedPlayers()[0]

	ok, err := s.store.CompareAndSet(ctx, room.Code, hostPath, room.HostID, next.ID)
	if err != nil || !ok {
		return storeErr(err)
	}

	// Compare against false so a player who vanished meanwhile is not
	// recreated as a bare host flag.
	if _, err := s.store.CompareAndSet(ctx, room.Code, isHostPath(next.ID), false, true); err != nil {
		return storeErr(err)
	}

	s.log.Info().Str("room", room.Code).Str("player", next.ID).Msg("GAMES: Host handed off")

	return nil
}
