/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"context"
	"errors"
	"slices"

	"github.com/Seednode/whowrote/store"
)

const (
	// CorrectGuessPoints go to a guesser who finds the subject's own answer.
	CorrectGuessPoints = 20
	// FooledPoints go to the subject for every guesser who misses.
	FooledPoints = 5
)

// Outcome describes what a guess did.
type Outcome struct {
	// Duplicate is set when this guesser already had a guess on record for
	// the subject and round. Nothing was changed.
	Duplicate   bool   `json:"duplicate"`
	Correct     bool   `json:"correct"`
	TimedOut    bool   `json:"timedOut"`
	Points      int    `json:"points"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Revealed    bool   `json:"revealed"`
}

// SubmitGuess records guesser's pick for which answer subject wrote about
// themselves, and scores it exactly once.
func (s *Service) SubmitGuess(ctx context.Context, code, subjectID, guesserID string, round int, guessedWriterID string) (Outcome, error) {
	if !validID(guessedWriterID) {
		return Outcome{}, invalid("bad guess target")
	}

	room, err := s.validateGuess(ctx, code, subjectID, guesserID, round)
	if err != nil {
		return Outcome{}, err
	}

	if !slices.Contains(room.Game.WritersFor(round, subjectID), guessedWriterID) {
		return Outcome{}, invalid("%s did not write about %s in round %d", guessedWriterID, subjectID, round)
	}

	record := Guess{GuessedWriterID: guessedWriterID, SubmittedAt: s.clock.Now()}

	return s.recordGuess(ctx, code, subjectID, guesserID, round, record, guessedWriterID == subjectID)
}

// SubmitTimeoutGuess records that guesser ran out of time. It scores like a
// wrong guess.
func (s *Service) SubmitTimeoutGuess(ctx context.Context, code, subjectID, guesserID string, round int) (Outcome, error) {
	if _, err := s.validateGuess(ctx, code, subjectID, guesserID, round); err != nil {
		return Outcome{}, err
	}

	record := Guess{SubmittedAt: s.clock.Now(), TimedOut: true}

	return s.recordGuess(ctx, code, subjectID, guesserID, round, record, false)
}

func (s *Service) validateGuess(ctx context.Context, code, subjectID, guesserID string, round int) (*Room, error) {
	switch {
	case !validID(subjectID) || !validID(guesserID):
		return nil, invalid("bad player id")
	case subjectID == guesserID:
		return nil, invalid("a subject cannot guess on their own answers")
	case round < 1 || round > TotalRounds:
		return nil, invalid("round %d is outside 1-%d", round, TotalRounds)
	}

	room, err := s.read(ctx, code)
	if err != nil {
		return nil, err
	}

	switch {
	case room.Phase != PhaseGuessing || room.Game == nil:
		return nil, ErrWrongPhase
	case room.Game.CurrentRound != round:
		return nil, invalid("round %d is not being played", round)
	case !slices.Contains(room.Game.SubjectOrder, subjectID):
		return nil, invalid("%s is not a subject this game", subjectID)
	case !room.HasPlayer(guesserID):
		return nil, invalid("guesser %s is not in the room", guesserID)
	}

	return room, nil
}

// recordGuess claims the guess slot and, only if this call claimed it,
// applies the score delta as an atomic increment.
func (s *Service) recordGuess(ctx context.Context, code, subjectID, guesserID string, round int, record Guess, correct bool) (Outcome, error) {
	logger := s.log.With().Str("room", code).Str("subject", subjectID).Str("player", guesserID).Int("round", round).Logger()

	ok, err := s.store.CompareAndSet(ctx, code, guessPath(round, subjectID, guesserID), nil, record)
	if err != nil {
		return Outcome{}, storeErr(err)
	}
	if !ok {
		guessesScored.WithLabelValues("duplicate").Inc()
		logger.Debug().Msg("GAMES: Duplicate guess ignored")

		return Outcome{Duplicate: true}, nil
	}

	out := Outcome{Correct: correct, TimedOut: record.TimedOut}

	label := "fooled"
	switch {
	case correct:
		out.Points, out.Beneficiary, label = CorrectGuessPoints, guesserID, "correct"
	case record.TimedOut:
		out.Points, out.Beneficiary, label = FooledPoints, subjectID, "timeout"
	default:
		out.Points, out.Beneficiary = FooledPoints, subjectID
	}

	if _, err := s.store.Increment(ctx, code, scorePath(out.Beneficiary), int64(out.Points)); err != nil {
		if !errors.Is(err, store.ErrNoParent) {
			return out, storeErr(err)
		}
		logger.Info().Str("beneficiary", out.Beneficiary).Msg("GAMES: Scored player already left")
		out.Points = 0
	}

	guessesScored.WithLabelValues(label).Inc()
	logger.Info().Bool("correct", correct).Int("points", out.Points).Str("beneficiary", out.Beneficiary).Msg("GAMES: Guess scored")

	revealed, err := s.reveal(ctx, code, round, subjectID)
	if err != nil {
		return out, err
	}
	out.Revealed = revealed

	return out, nil
}

// checkReveal is reveal without the result, for callers that only need the
// side effect.
func (s *Service) checkReveal(ctx context.Context, code string, round int, subjectID string) error {
	_, err := s.reveal(ctx, code, round, subjectID)
	return err
}

// reveal flags the subject's answers as revealed once every present player
// other than the subject has a guess on record.
func (s *Service) reveal(ctx context.Context, code string, round int, subjectID string) (bool, error) {
	room, err := s.read(ctx, code)
	if err != nil {
		return false, err
	}

	g := room.Game
	if room.Phase != PhaseGuessing || g == nil || g.CurrentRound != round {
		return false, nil
	}
	if g.Revealed[round][subjectID] {
		return true, nil
	}

	guesses := g.Guesses[round][subjectID]
	for id := range room.Players {
		if id == subjectID {
			continue
		}
		if _, ok := guesses[id]; !ok {
			return false, nil
		}
	}

	ok, err := s.store.CompareAndSet(ctx, code, revealedPath(round, subjectID), nil, true)
	if err != nil {
		return false, storeErr(err)
	}
	if ok {
		s.log.Info().Str("room", code).Str("subject", subjectID).Int("round", round).Msg("GAMES: Answers revealed")
	}

	return true, nil
}
