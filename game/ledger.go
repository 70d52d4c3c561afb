/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"context"
	"strings"
	"unicode/utf8"
)

const maxAnswerLength = 280

// SubmitAnswer records what writer wrote about subject for round. A repeat
// submission overwrites the earlier one until the whole room has finished
// writing.
func (s *Service) SubmitAnswer(ctx context.Context, code, subjectID, writerID string, round int, text string) error {
	text = strings.TrimSpace(text)

	switch {
	case text == "":
		return invalid("answer is empty")
	case utf8.RuneCountInString(text) > maxAnswerLength:
		return invalid("answer is longer than %d characters", maxAnswerLength)
	case !validID(subjectID) || !validID(writerID):
		return invalid("bad player id")
	case round < 1 || round > TotalRounds:
		return invalid("round %d is outside 1-%d", round, TotalRounds)
	}

	room, err := s.read(ctx, code)
	if err != nil {
		return err
	}

	switch {
	case room.Phase != PhaseWriting || room.Game == nil || room.Game.AllWritingComplete:
		return ErrWrongPhase
	case round > room.Game.TotalRounds:
		return invalid("round %d is outside 1-%d", round, room.Game.TotalRounds)
	case !room.HasPlayer(writerID):
		return invalid("writer %s is not in the room", writerID)
	case !room.HasPlayer(subjectID):
		return invalid("subject %s is not in the room", subjectID)
	}

	answer := Answer{Text: text, SubmittedAt: s.clock.Now()}
	if err := s.store.Write(ctx, code, answerPath(round, subjectID, writerID), answer); err != nil {
		return storeErr(err)
	}

	s.log.Debug().Str("room", code).Str("player", writerID).Str("subject", subjectID).Int("round", round).Msg("GAMES: Answer submitted")

	return nil
}

// MarkWritingComplete flags the player as done once every round has an
// answer from them about every player, then recomputes whether the whole
// room is done. It returns that room-wide result.
func (s *Service) MarkWritingComplete(ctx context.Context, code, playerID string) (bool, error) {
	if !validID(playerID) {
		return false, invalid("bad player id")
	}

	room, err := s.read(ctx, code)
	if err != nil {
		return false, err
	}

	switch {
	case room.Phase != PhaseWriting || room.Game == nil:
		return false, ErrWrongPhase
	case !room.HasPlayer(playerID):
		return false, invalid("player %s is not in the room", playerID)
	}

	want := room.Game.TotalRounds * len(room.Players)
	if got := room.Game.PlayerAnswerCount(playerID, room.Players); got < want {
		return false, invalid("%d of %d answers written", got, want)
	}

	if err := s.store.Write(ctx, code, completedPath(playerID), true); err != nil {
		return false, storeErr(err)
	}

	s.log.Info().Str("room", code).Str("player", playerID).Msg("GAMES: Player finished writing")

	return s.recheckWritingComplete(ctx, code)
}

// RecheckWritingComplete recomputes the room-wide completion flag from a
// fresh read. It is safe to call at any time.
func (s *Service) RecheckWritingComplete(ctx context.Context, code string) (bool, error) {
	return s.recheckWritingComplete(ctx, code)
}

// recheckWritingComplete sets allWritingComplete once every present player
// is flagged. Players who left are not waited for. The flag only ever goes
// from false to true.
func (s *Service) recheckWritingComplete(ctx context.Context, code string) (bool, error) {
	room, err := s.read(ctx, code)
	if err != nil {
		return false, err
	}

	if room.Phase != PhaseWriting || room.Game == nil {
		return false, nil
	}
	if room.Game.AllWritingComplete {
		return true, nil
	}
	if len(room.Players) == 0 || len(room.Game.CompletedPlayers(room.Players)) < len(room.Players) {
		return false, nil
	}

	ok, err := s.store.CompareAndSet(ctx, code, allCompletePath, false, true)
	if err != nil {
		return false, storeErr(err)
	}
	if ok {
		s.log.Info().Str("room", code).Int("players", len(room.Players)).Msg("GAMES: Writing complete")
	}

	return true, nil
}
