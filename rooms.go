/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/whowrote/game"
)

const (
	playerCookieName = "whowrote_id"
	maxBodySize      = 4 << 10
	qrSize           = 320
)

// hub fans the snapshots of one room out to the websocket clients connected
// to this instance. The room itself lives in the store, so any number of
// instances may each hold a hub for the same code.
type hub struct {
	code string
	cfg  *Config
	svc  *game.Service
	mgr  *hubManager

	mu         sync.Mutex
	clients    map[*client]bool
	room       *game.Room
	lastActive time.Time
	grace      map[string]*time.Timer
	cancel     func()
	closed     bool
}

func (h *hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

// register adds c and hands it the latest snapshot. It reports false if the
// room has already gone away.
func (h *hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.lastActive = time.Now()
	h.clients[c] = true
	connectedClients.Inc()

	if t, ok := h.grace[c.playerID]; ok {
		t.Stop()
		delete(h.grace, c.playerID)
	}

	if h.room != nil {
		h.deliverLocked(c, roomMessage{Type: "room", Room: h.room})
	}

	return true
}

// unregister drops c. If that was the player's last connection here, the
// player is given playerTimeout to come back before the room is told they
// are gone.
func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropLocked(c)

	if h.closed || c.left || h.cfg.playerTimeout <= 0 {
		return
	}
	for other := range h.clients {
		if other.playerID == c.playerID {
			return
		}
	}
	if _, ok := h.grace[c.playerID]; ok {
		return
	}

	playerID := c.playerID

	var timer *time.Timer
	timer = time.AfterFunc(h.cfg.playerTimeout, func() {
		h.mu.Lock()
		if h.grace[playerID] != timer {
			h.mu.Unlock()
			return
		}
		delete(h.grace, playerID)
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := h.svc.PeerLost(ctx, h.code, playerID); err != nil {
			h.cfg.log.Warn().Err(err).Str("room", h.code).Str("player", playerID).Msg("GAMES: Failed to remove disconnected player")
			return
		}

		h.cfg.log.Info().Str("room", h.code).Str("player", playerID).Msg("GAMES: Removed disconnected player")
	})
	h.grace[playerID] = timer
}

func (h *hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	delete(h.clients, c)
	close(c.send)
	connectedClients.Dec()
}

// deliverLocked queues msg for c, disconnecting it if it has fallen too far
// behind to keep up.
func (h *hub) deliverLocked(c *client, msg any) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		h.cfg.log.Debug().Str("room", h.code).Str("player", c.playerID).Msg("GAMES: Dropped slow client")
		h.dropLocked(c)
	}
}

// reply sends msg to c alone.
func (h *hub) reply(c *client, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deliverLocked(c, msg)
}

// update receives every snapshot of the room, in order, and nil once the
// room is deleted.
func (h *hub) update(room *game.Room) {
	h.mu.Lock()

	if h.closed {
		h.mu.Unlock()
		return
	}

	h.lastActive = time.Now()

	if room == nil {
		h.closeLocked(closedMessage{Type: "closed", Message: "This room has been closed."})
		h.mu.Unlock()

		h.mgr.forget(h)

		return
	}

	h.room = room

	round, onScoreboard := room.ScoreboardRound()

	for c := range h.clients {
		h.deliverLocked(c, roomMessage{Type: "room", Room: room})

		// Every client that sees the scoreboard arms its own timer. The
		// round guard lets only the first one through.
		if onScoreboard && c.armedRound != round {
			c.armedRound = round
			h.svc.ScheduleAdvance(h.code, round)
		}
	}

	h.mu.Unlock()
}

func (h *hub) closeLocked(msg any) {
	h.closed = true

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
		h.dropLocked(c)
	}
	for id, t := range h.grace {
		t.Stop()
		delete(h.grace, id)
	}
	if h.cancel != nil {
		h.cancel()
	}
}

// hubManager holds one hub per watched room on this instance.
type hubManager struct {
	cfg *Config
	svc *game.Service

	mu   sync.Mutex
	hubs map[string]*hub
}

func newHubManager(cfg *Config, svc *game.Service) *hubManager {
	return &hubManager{
		cfg:  cfg,
		svc:  svc,
		hubs: make(map[string]*hub),
	}
}

// get returns the hub for code, subscribing to the room on first use.
func (m *hubManager) get(ctx context.Context, code string) (*hub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.hubs[code]; ok {
		return h, nil
	}

	h := &hub{
		code:       code,
		cfg:        m.cfg,
		svc:        m.svc,
		mgr:        m,
		clients:    make(map[*client]bool),
		grace:      make(map[string]*time.Timer),
		lastActive: time.Now(),
	}

	cancel, err := m.svc.Watch(ctx, code, h.update)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.cancel = cancel
	closed := h.closed
	h.mu.Unlock()

	if closed {
		cancel()
		return nil, game.ErrRoomNotFound
	}

	m.hubs[code] = h
	watchedRooms.Inc()

	return h, nil
}

func (m *hubManager) forget(h *hub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hubs[h.code] == h {
		delete(m.hubs, h.code)
		watchedRooms.Dec()
	}
}

// reap closes rooms that have seen no activity for idle.
func (m *hubManager) reap(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-idle)

		m.mu.Lock()
		var stale []*hub
		for _, h := range m.hubs {
			h.mu.Lock()
			if h.lastActive.Before(cutoff) {
				stale = append(stale, h)
			}
			h.mu.Unlock()
		}
		m.mu.Unlock()

		for _, h := range stale {
			m.cfg.log.Info().Str("room", h.code).Msg("GAMES: Closing idle room")

			err := m.svc.DeleteRoom(ctx, h.code)
			if err == nil {
				continue
			}
			if !errors.Is(err, game.ErrRoomNotFound) {
				m.cfg.log.Warn().Err(err).Str("room", h.code).Msg("GAMES: Failed to close idle room")
				continue
			}

			h.mu.Lock()
			h.closeLocked(closedMessage{Type: "closed", Message: "This room has been closed."})
			h.mu.Unlock()
			m.forget(h)
		}
	}
}

// close disconnects every client on shutdown. Rooms stay in the store.
func (m *hubManager) close() {
	m.mu.Lock()
	hubs := make([]*hub, 0, len(m.hubs))
	for code, h := range m.hubs {
		hubs = append(hubs, h)
		delete(m.hubs, code)
	}
	m.mu.Unlock()

	for _, h := range hubs {
		h.mu.Lock()
		h.closeLocked(closedMessage{Type: "shutdown", Message: "The server is restarting."})
		h.mu.Unlock()
	}
}

type nameRequest struct {
	Name string `json:"name"`
}

type seatResponse struct {
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
}

func roomCode(p httprouter.Params) string {
	return strings.ToUpper(p.ByName("code"))
}

func decodeBody(r *http.Request, w http.ResponseWriter, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body", game.ErrInvalidInput)
	}

	return nil
}

func setPlayerCookie(cfg *Config, w http.ResponseWriter, playerID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    playerID,
		Path:     cfg.prefix + "/",
		HttpOnly: true,
		Secure:   cfg.scheme() == "https",
		SameSite: http.SameSiteLaxMode,
	})
}

// playerFromRequest takes the player id from the query string, falling back
// to the cookie set on create or join.
func playerFromRequest(r *http.Request) string {
	if id := r.URL.Query().Get("player"); id != "" {
		return id
	}
	if c, err := r.Cookie(playerCookieName); err == nil {
		return c.Value
	}
	return ""
}

func serveCreateRoom(cfg *Config, svc *game.Service, hubs *hubManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req nameRequest
		if err := decodeBody(r, w, &req); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		code, playerID, err := svc.CreateRoom(r.Context(), req.Name)
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		// Watch from the start so an abandoned room is still reaped.
		if _, err := hubs.get(context.Background(), code); err != nil {
			cfg.log.Warn().Err(err).Str("room", code).Msg("GAMES: Failed to watch new room")
		}

		cfg.log.Info().Str("room", code).Str("player", playerID).Msgf("GAMES: Created room for %s", realIP(r))

		setPlayerCookie(cfg, w, playerID)
		writeJSON(cfg, w, r, http.StatusCreated, seatResponse{RoomCode: code, PlayerID: playerID}, errs)
	}
}

func serveJoinRoom(cfg *Config, svc *game.Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		var req nameRequest
		if err := decodeBody(r, w, &req); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		code := roomCode(p)

		playerID, err := svc.JoinRoom(r.Context(), code, req.Name)
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		setPlayerCookie(cfg, w, playerID)
		writeJSON(cfg, w, r, http.StatusCreated, seatResponse{RoomCode: code, PlayerID: playerID}, errs)
	}
}

func serveGetRoom(cfg *Config, svc *game.Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		room, err := svc.Room(r.Context(), roomCode(p))
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		writeJSON(cfg, w, r, http.StatusOK, room, errs)
	}
}

func serveLeaveRoom(cfg *Config, svc *game.Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if err := svc.LeaveRoom(r.Context(), roomCode(p), p.ByName("player")); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func serveDeleteRoom(cfg *Config, svc *game.Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if err := svc.DeleteRoom(r.Context(), roomCode(p)); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// serveQRCode renders a PNG QR code pointing players at the room.
func serveQRCode(cfg *Config, svc *game.Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		code := roomCode(p)

		if _, err := svc.Room(r.Context(), code); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		// Respect TLS and X-Forwarded-Proto when working out the scheme.
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/?room=" + code

		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)

		if _, err := w.Write(png); err != nil {
			errs <- err
		}
	}
}

// registerRooms sets up routes so that:
//   - POST   $prefix/rooms                       → new room, caller is host
//   - POST   $prefix/rooms/:code/players         → join
//   - GET    $prefix/rooms/:code                 → current room state
//   - DELETE $prefix/rooms/:code/players/:player → leave
//   - DELETE $prefix/rooms/:code                 → close the room
//   - GET    $prefix/rooms/:code/qr              → PNG QR code to join
//   - GET    $prefix/rooms/:code/ws              → websocket for that room
func registerRooms(cfg *Config, svc *game.Service, hubs *hubManager, mux *httprouter.Router, errs chan<- error) {
	base := cfg.prefix + "/rooms"

	mux.POST(base, serveCreateRoom(cfg, svc, hubs, errs))
	mux.POST(base+"/:code/players", serveJoinRoom(cfg, svc, errs))
	mux.GET(base+"/:code", serveGetRoom(cfg, svc, errs))
	mux.DELETE(base+"/:code/players/:player", serveLeaveRoom(cfg, svc, errs))
	mux.DELETE(base+"/:code", serveDeleteRoom(cfg, svc, errs))
	mux.GET(base+"/:code/qr", serveQRCode(cfg, svc, errs))
	mux.GET(base+"/:code/ws", serveRoomSocket(cfg, svc, hubs, errs))
}
