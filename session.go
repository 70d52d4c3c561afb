/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/Seednode/whowrote/game"
)

const (
	sendBuffer = 32
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second
	maxMessage = 4 << 10
)

// intent is a message from a client asking the room to do something. The
// acting player is always the one the connection belongs to.
type intent struct {
	Type            string `json:"type"`
	Round           int    `json:"round,omitempty"`
	Index           *int   `json:"index,omitempty"`
	SubjectID       string `json:"subjectId,omitempty"`
	Text            string `json:"text,omitempty"`
	GuessedWriterID string `json:"guessedWriterId,omitempty"`
}

type roomMessage struct {
	Type string     `json:"type"` // "room"
	Room *game.Room `json:"room"`
}

type errorMessage struct {
	Type   string `json:"type"` // "error"
	Intent string `json:"intent"`
	Error  string `json:"error"`
}

type guessMessage struct {
	Type    string       `json:"type"` // "guess_result"
	Outcome game.Outcome `json:"outcome"`
}

type closedMessage struct {
	Type    string `json:"type"` // "closed", "left" or "shutdown"
	Message string `json:"message"`
}

type client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
	limiter  *rate.Limiter

	// Guarded by the hub.
	armedRound int
	left       bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newLimiter(perSecond float64) *rate.Limiter {
	burst := int(perSecond) * 2
	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// serveRoomSocket upgrades a player of the room to a websocket. The player
// must already have joined over HTTP.
func serveRoomSocket(cfg *Config, svc *game.Service, hubs *hubManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		code := roomCode(p)

		playerID := playerFromRequest(r)
		if playerID == "" {
			writeError(cfg, w, r, fmt.Errorf("%w: missing player id", game.ErrInvalidInput), errs)
			return
		}

		room, err := svc.Room(r.Context(), code)
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}
		if !room.HasPlayer(playerID) {
			writeJSON(cfg, w, r, http.StatusForbidden, map[string]string{"error": "not a player in this room"}, errs)
			return
		}

		h, err := hubs.get(context.Background(), code)
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.log.Debug().Err(err).Str("room", code).Msg("SERVE: Websocket upgrade failed")
			return
		}

		c := &client{
			conn:     conn,
			send:     make(chan any, sendBuffer),
			playerID: playerID,
			limiter:  newLimiter(cfg.intentRate),
		}

		if !h.register(c) {
			_ = conn.WriteJSON(closedMessage{Type: "closed", Message: "This room has been closed."})
			_ = conn.Close()
			return
		}

		cfg.log.Info().Str("room", code).Str("player", playerID).Msgf("SERVE: Websocket opened from %s", realIP(r))

		go c.writePump()
		c.readPump(cfg, svc, h)
	}
}

func (c *client) readPump(cfg *Config, svc *game.Service, h *hub) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()

		cfg.log.Debug().Str("room", h.code).Str("player", c.playerID).Msg("SERVE: Websocket closed")
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in intent
		if err := c.conn.ReadJSON(&in); err != nil {
			return
		}

		h.touch()

		if !c.limiter.Allow() {
			intentsHandled.WithLabelValues(in.Type, "limited").Inc()
			h.reply(c, errorMessage{Type: "error", Intent: in.Type, Error: "too many messages, slow down"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		reply, err := c.dispatch(ctx, svc, h.code, in)
		cancel()

		if err != nil {
			intentsHandled.WithLabelValues(in.Type, "error").Inc()
			if errorStatus(err) == http.StatusInternalServerError {
				cfg.log.Error().Err(err).Str("room", h.code).Str("player", c.playerID).Str("intent", in.Type).Msg("GAMES: Intent failed")
			}
			h.reply(c, errorMessage{Type: "error", Intent: in.Type, Error: publicError(err)})
			continue
		}

		intentsHandled.WithLabelValues(in.Type, "ok").Inc()

		if reply != nil {
			h.reply(c, reply)
		}

		if in.Type == "leave" {
			h.mu.Lock()
			c.left = true
			h.mu.Unlock()
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch runs one intent against the room. A lost race is not an error:
// somebody else already made the same move.
func (c *client) dispatch(ctx context.Context, svc *game.Service, code string, in intent) (any, error) {
	var err error

	switch in.Type {
	case "start_game":
		_, err = svc.StartGame(ctx, code)
	case "submit_answer":
		err = svc.SubmitAnswer(ctx, code, in.SubjectID, c.playerID, in.Round, in.Text)
	case "mark_writing_complete":
		_, err = svc.MarkWritingComplete(ctx, code, c.playerID)
	case "start_guessing":
		_, err = svc.StartGuessingPhase(ctx, code)
	case "submit_guess":
		out, err := svc.SubmitGuess(ctx, code, in.SubjectID, c.playerID, in.Round, in.GuessedWriterID)
		if err != nil {
			return nil, err
		}
		return guessMessage{Type: "guess_result", Outcome: out}, nil
	case "timeout_guess":
		out, err := svc.SubmitTimeoutGuess(ctx, code, in.SubjectID, c.playerID, in.Round)
		if err != nil {
			return nil, err
		}
		return guessMessage{Type: "guess_result", Outcome: out}, nil
	case "advance_subject":
		if in.Index != nil {
			_, err = svc.AdvanceSubjectFrom(ctx, code, in.Round, *in.Index)
		} else {
			_, err = svc.AdvanceSubject(ctx, code)
		}
	case "advance_round":
		_, err = svc.AdvanceRound(ctx, code, in.Round)
	case "reset_game":
		_, err = svc.ResetGame(ctx, code)
	case "leave":
		if err := svc.LeaveRoom(ctx, code, c.playerID); err != nil {
			return nil, err
		}
		return closedMessage{Type: "left", Message: "You have left the room."}, nil
	default:
		err = fmt.Errorf("%w: unknown intent %q", game.ErrInvalidInput, in.Type)
	}

	return nil, err
}
