/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"context"
	"errors"
	"time"
)

const advanceTimeout = 5 * time.Second

// AdvanceSubject moves on from whatever subject the room is on now. Two
// callers racing on the same subject advance it once.
func (s *Service) AdvanceSubject(ctx context.Context, code string) (bool, error) {
	room, err := s.read(ctx, code)
	if err != nil {
		return false, err
	}

	if room.Phase != PhaseGuessing || room.Game == nil {
		return s.settle(code, "advance_subject", ErrStaleTransition)
	}

	return s.settle(code, "advance_subject", s.advanceFrom(ctx, room, room.Game.CurrentRound, room.Game.CurrentSubjectIndex))
}

// AdvanceSubjectFrom moves on from subject index in round, and is a no-op if
// the room has already moved past it.
func (s *Service) AdvanceSubjectFrom(ctx context.Context, code string, round, index int) (bool, error) {
	room, err := s.read(ctx, code)
	if err != nil {
		return false, err
	}

	g := room.Game
	if room.Phase != PhaseGuessing || g == nil || g.CurrentRound != round || g.CurrentSubjectIndex != index {
		return s.settle(code, "advance_subject", ErrStaleTransition)
	}

	return s.settle(code, "advance_subject", s.advanceFrom(ctx, room, round, index))
}

func (s *Service) advanceFrom(ctx context.Context, room *Room, round, index int) error {
	g := room.Game

	// Guessing has been claimed but round one is not written yet.
	if round < 1 || len(g.SubjectOrder) == 0 {
		return ErrStaleTransition
	}

	if index+1 < len(g.SubjectOrder) {
		ok, err := s.store.CompareAndSet(ctx, room.Code, subjectIndexPath, index, index+1)
		if err != nil {
			return storeErr(err)
		}
		if !ok {
			return ErrStaleTransition
		}

		transitionsApplied.WithLabelValues("subject").Inc()
		s.log.Info().Str("room", room.Code).Int("round", round).Int("index", index+1).Msg("GAMES: Next subject")

		return nil
	}

	return s.completeRound(ctx, room.Code, round, g.TotalRounds)
}

func (s *Service) completeRound(ctx context.Context, code string, round, total int) error {
	if round >= total {
		return s.claimPhase(ctx, code, PhaseGuessing, PhaseResults)
	}

	if err := s.claimPhase(ctx, code, PhaseGuessing, PhaseScoreboard); err != nil {
		return err
	}

	if s.autoAdvance {
		s.ScheduleAdvance(code, round)
	}

	return nil
}

// AdvanceRound leaves the scoreboard shown after fromRound and starts the
// next round. Only the first caller for a given round does anything.
func (s *Service) AdvanceRound(ctx context.Context, code string, fromRound int) (bool, error) {
	return s.settle(code, "advance_round", s.advanceRound(ctx, code, fromRound))
}

func (s *Service) advanceRound(ctx context.Context, code string, fromRound int) error {
	room, err := s.read(ctx, code)
	if err != nil {
		return err
	}

	current, ok := room.ScoreboardRound()
	if !ok || current != fromRound {
		return ErrStaleTransition
	}

	next := fromRound + 1

	swapped, err := s.store.CompareAndSet(ctx, code, roundPath, fromRound, next)
	if err != nil {
		return storeErr(err)
	}
	if !swapped {
		return ErrStaleTransition
	}

	g := room.Game
	err = s.store.Update(ctx, code, map[string]any{
		subjectIndexPath: 0,
		categoryPath:     g.Categories[next-1],
		currentAnsPath:   g.AnswersByRound[next],
		phasePath:        PhaseGuessing,
	})
	if err != nil {
		return storeErr(err)
	}

	transitionsApplied.WithLabelValues(string(PhaseGuessing)).Inc()
	s.log.Info().Str("room", code).Int("round", next).Msg("GAMES: Next round")

	return nil
}

// ScheduleAdvance arms a timer that advances the room past the scoreboard
// for round. Any number of timers may be armed for the same round; all but
// the first to fire find the guard already moved and do nothing. The
// returned func stops the timer.
func (s *Service) ScheduleAdvance(code string, round int) (stop func() bool) {
	return s.clock.AfterFunc(s.scoreboardDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), advanceTimeout)
		defer cancel()

		if _, err := s.AdvanceRound(ctx, code, round); err != nil && !errors.Is(err, ErrRoomNotFound) {
			s.log.Warn().Err(err).Str("room", code).Int("round", round).Msg("GAMES: Scheduled advance failed")
		}
	})
}
