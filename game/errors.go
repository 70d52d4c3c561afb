/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomFull       = errors.New("room is full")
	ErrGameInProgress = errors.New("game already in progress")
	ErrInvalidInput   = errors.New("invalid input")

	// ErrStaleTransition means a guarded write lost its race. The winner
	// already did the work, so callers treat it as a no-op.
	ErrStaleTransition = errors.New("stale transition")

	ErrNotEnoughPlayers = fmt.Errorf("%w: at least %d players are needed", ErrInvalidInput, MinPlayers)
	ErrWrongPhase       = fmt.Errorf("%w: not allowed in this phase", ErrInvalidInput)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}
