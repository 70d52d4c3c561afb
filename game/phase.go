/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// claimPhase moves the room from one phase to the next. Only the caller whose
// compare-and-set lands gets a nil error. Everyone else gets
// ErrStaleTransition and must not write the derived fields.
func (s *Service) claimPhase(ctx context.Context, code string, from, to Phase) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	ok, err := s.store.CompareAndSet(ctx, code, phasePath, from, to)
	if err != nil {
		return storeErr(err)
	}
	if !ok {
		return ErrStaleTransition
	}

	transitionsApplied.WithLabelValues(string(to)).Inc()
	s.log.Info().Str("room", code).Str("from", string(from)).Str("to", string(to)).Msg("GAMES: Phase changed")

	return nil
}

// StartGame moves a lobby of at least three players into writing and deals
// the categories. It reports false if another caller already started it.
func (s *Service) StartGame(ctx context.Context, code string) (bool, error) {
	return s.settle(code, "start_game", s.startGame(ctx, code))
}

func (s *Service) startGame(ctx context.Context, code string) error {
	room, err := s.read(ctx, code)
	if err != nil {
		return err
	}

	if room.Phase != PhaseWaiting {
		return ErrStaleTransition
	}

	switch g := room.Game; {
	case g == nil:
		if len(room.Players) < MinPlayers {
			return ErrNotEnoughPlayers
		}

		roster := make(map[string]bool, len(room.Players))
		for id := range room.Players {
			roster[id] = true
		}

		game := Game{
			ID:          uuid.NewString(),
			Categories:  drawCategories(s.categories, room.RecentCategories, TotalRounds, s.shuffle),
			TotalRounds: TotalRounds,
			Roster:      roster,
			StartedAt:   s.clock.Now(),
		}

		ok, err := s.store.CompareAndSet(ctx, code, gamePath, nil, game)
		if err != nil {
			return storeErr(err)
		}
		if !ok {
			return ErrStaleTransition
		}

		s.log.Info().Str("room", code).Str("game", game.ID).Strs("categories", game.Categories).Msg("GAMES: Game started")
	case g.ID == "":
		// Debris from a write that raced a reset.
		if err := s.store.Write(ctx, code, gamePath, nil); err != nil {
			return storeErr(err)
		}
		return ErrStaleTransition
	case !room.starting():
		// A reset clears the old game after reopening the lobby. Wait for it.
		return ErrStaleTransition
	}

	// The roster now exists, so joiners from here on see it and back out.
	// Anyone whose player entry landed before that is counted in.
	room, err = s.read(ctx, code)
	if err != nil {
		return err
	}
	if !room.starting() {
		return ErrStaleTransition
	}

	for id := range room.Players {
		if room.Game.Roster[id] {
			continue
		}
		if err := s.store.Write(ctx, code, rosterPath(id), true); err != nil {
			return storeErr(err)
		}
	}

	return s.claimPhase(ctx, code, PhaseWaiting, PhaseWriting)
}

// StartGuessingPhase opens round one once everyone has finished writing.
func (s *Service) StartGuessingPhase(ctx context.Context, code string) (bool, error) {
	return s.settle(code, "start_guessing", s.startGuessing(ctx, code))
}

func (s *Service) startGuessing(ctx context.Context, code string) error {
	room, err := s.read(ctx, code)
	if err != nil {
		return err
	}

	switch {
	case room.Phase == PhaseWaiting:
		return ErrWrongPhase
	case room.Phase != PhaseWriting:
		return ErrStaleTransition
	case room.Game == nil:
		return ErrStaleTransition
	case !room.Game.AllWritingComplete:
		return invalid("not everyone has finished writing")
	}

	if err := s.claimPhase(ctx, code, PhaseWriting, PhaseGuessing); err != nil {
		return err
	}

	// Answers that landed between the read and the claim belong in round one.
	room, err = s.read(ctx, code)
	if err != nil {
		return err
	}
	if room.Game == nil {
		return ErrStaleTransition
	}

	order := make([]string, 0, len(room.Players))
	for _, p := range room.OrderedPlayers() {
		order = append(order, p.ID)
	}

	g := room.Game
	err = s.store.Update(ctx, code, map[string]any{
		subjectOrderPath: order,
		roundPath:        1,
		subjectIndexPath: 0,
		categoryPath:     g.Categories[0],
		currentAnsPath:   g.AnswersByRound[1],
	})
	if err != nil {
		return storeErr(err)
	}

	s.log.Info().Str("room", code).Int("round", 1).Int("subjects", len(order)).Msg("GAMES: Guessing started")

	return nil
}

// ResetGame returns a finished room to the lobby with scores zeroed and the
// game cleared. The categories just played are remembered so the next game
// draws a different set.
func (s *Service) ResetGame(ctx context.Context, code string) (bool, error) {
	return s.settle(code, "reset_game", s.resetGame(ctx, code))
}

func (s *Service) resetGame(ctx context.Context, code string) error {
	room, err := s.read(ctx, code)
	if err != nil {
		return err
	}

	if room.Phase != PhaseResults {
		return ErrStaleTransition
	}

	if err := s.claimPhase(ctx, code, PhaseResults, PhaseWaiting); err != nil {
		return err
	}

	if err := s.zeroScores(ctx, code); err != nil {
		return err
	}

	var recent []string
	if room.Game != nil {
		recent = room.Game.Categories
	}

	// The game goes last: StartGame refuses to run until it is gone.
	err = s.store.Update(ctx, code, map[string]any{
		recentPath: recent,
		gamePath:   nil,
	})
	if err != nil {
		return storeErr(err)
	}

	s.log.Info().Str("room", code).Msg("GAMES: Game reset")

	return nil
}

// zeroScores sets every present score to zero. Each score is swapped from
// the value just read, so a player who leaves meanwhile is not recreated
// and a late increment is not lost to a stale overwrite.
func (s *Service) zeroScores(ctx context.Context, code string) error {
	pending := map[string]bool{}

	for range 4 {
		room, err := s.read(ctx, code)
		if err != nil {
			return err
		}

		if len(pending) == 0 {
			for id := range room.Players {
				pending[id] = true
			}
		}

		for id := range pending {
			p, ok := room.Players[id]
			if !ok {
				delete(pending, id)
				continue
			}

			swapped, err := s.store.CompareAndSet(ctx, code, scorePath(id), p.Score, 0)
			if err != nil {
				return storeErr(err)
			}
			if swapped {
				delete(pending, id)
			}
		}

		if len(pending) == 0 {
			return nil
		}
	}

	return fmt.Errorf("scores kept changing while resetting room %s", code)
}
