package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/whowrote/game"
	"github.com/Seednode/whowrote/store"
)

type testServer struct {
	t   *testing.T
	cfg *Config
	svc *game.Service
	srv *httptest.Server
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()

	cfg := &Config{
		intentRate:     100,
		maxPlayers:     game.DefaultMaxPlayers,
		playerTimeout:  time.Minute,
		sessionTimeout: time.Hour,
		log:            zerolog.Nop(),
	}
	for _, m := range mutate {
		m(cfg)
	}

	st := store.NewMemory()
	svc := game.New(st, game.Options{Logger: &cfg.log, MaxPlayers: cfg.maxPlayers})
	hubs := newHubManager(cfg, svc)

	errs := make(chan error, 64)
	go func() {
		for range errs {
		}
	}()

	srv := httptest.NewServer(newRouter(cfg, svc, hubs, errs))
	t.Cleanup(func() {
		hubs.close()
		srv.Close()
		_ = st.Close()
	})

	return &testServer{t: t, cfg: cfg, svc: svc, srv: srv}
}

func (s *testServer) do(method, path string, body any) *http.Response {
	s.t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(s.t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func (s *testServer) seat(path, name string) seatResponse {
	s.t.Helper()

	resp := s.do(http.MethodPost, path, nameRequest{Name: name})
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)

	var out seatResponse
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

// lobby creates a room and seats n players in it. ids[0] is the host.
func (s *testServer) lobby(n int) (string, []string) {
	s.t.Helper()

	host := s.seat("/rooms", "Player 1")
	ids := []string{host.PlayerID}
	for i := 2; i <= n; i++ {
		ids = append(ids, s.seat("/rooms/"+host.RoomCode+"/players", fmt.Sprintf("Player %d", i)).PlayerID)
	}

	return host.RoomCode, ids
}

func (s *testServer) dial(code, player string) *websocket.Conn {
	s.t.Helper()

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/rooms/" + code + "/ws?player=" + player

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(s.t, err)
	require.Equal(s.t, http.StatusSwitchingProtocols, resp.StatusCode)
	s.t.Cleanup(func() { _ = conn.Close() })

	return conn
}

type inbound struct {
	Type    string        `json:"type"`
	Room    *game.Room    `json:"room"`
	Intent  string        `json:"intent"`
	Error   string        `json:"error"`
	Outcome *game.Outcome `json:"outcome"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(inbound) bool) inbound {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	for {
		var msg inbound
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func inPhase(phase game.Phase) func(inbound) bool {
	return func(m inbound) bool {
		return m.Type == "room" && m.Room != nil && m.Room.Phase == phase
	}
}

func TestStaticRoutes(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodGet, "/version", nil)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "whowrote v"+releaseVersion+"\n", string(body))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp = s.do(http.MethodGet, "/robots.txt", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.metrics = true })

	s.lobby(1)

	resp := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "whowrote_rooms_created_total")
}

func TestPrefixedRoutes(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.prefix = "/party/" })

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/party/healthz", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/healthz", nil).StatusCode)

	code := s.seat("/party/rooms", "Ann").RoomCode
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/party/rooms/"+code, nil).StatusCode)
}

func TestCreateAndJoinRoom(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(http.MethodPost, "/rooms", nameRequest{Name: "Ann"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var host seatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&host))
	assert.Len(t, host.RoomCode, 6)
	assert.NotEmpty(t, host.PlayerID)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == playerCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, host.PlayerID, cookie.Value)
	assert.True(t, cookie.HttpOnly)

	// Codes are case-insensitive in URLs.
	guest := s.seat("/rooms/"+strings.ToLower(host.RoomCode)+"/players", "Bo")
	assert.Equal(t, host.RoomCode, guest.RoomCode)

	resp = s.do(http.MethodGet, "/rooms/"+host.RoomCode, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var room game.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	assert.Equal(t, game.PhaseWaiting, room.Phase)
	assert.Equal(t, host.PlayerID, room.HostID)
	assert.Len(t, room.Players, 2)
	assert.Equal(t, "Bo", room.Players[guest.PlayerID].Name)
}

func TestRoomErrors(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.maxPlayers = 3 })
	code, _ := s.lobby(3)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown room", http.MethodGet, "/rooms/NOPE00", nil, http.StatusNotFound},
		{"join unknown room", http.MethodPost, "/rooms/NOPE00/players", nameRequest{Name: "Dee"}, http.StatusNotFound},
		{"empty name", http.MethodPost, "/rooms", nameRequest{Name: "  "}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/rooms", "not an object", http.StatusBadRequest},
		{"full room", http.MethodPost, "/rooms/" + code + "/players", nameRequest{Name: "Dee"}, http.StatusConflict},
		{"delete unknown room", http.MethodDelete, "/rooms/NOPE00", nil, http.StatusNotFound},
		{"qr for unknown room", http.MethodGet, "/rooms/NOPE00/qr", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestLeaveAndDeleteRoom(t *testing.T) {
	s := newTestServer(t)
	code, ids := s.lobby(3)

	resp := s.do(http.MethodDelete, "/rooms/"+code+"/players/"+ids[0], nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	room, err := s.svc.Room(t.Context(), code)
	require.NoError(t, err)
	assert.NotContains(t, room.Players, ids[0])
	assert.Equal(t, ids[1], room.HostID)

	resp = s.do(http.MethodDelete, "/rooms/"+code, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodDelete, "/rooms/"+code, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQRCode(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.lobby(1)

	resp := s.do(http.MethodGet, "/rooms/"+code+"/qr", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("\x89PNG")))
}

func TestSocketRejectsStrangers(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.lobby(1)

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/rooms/" + code + "/ws?player=someone-else"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	url = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/rooms/NOPE00/ws?player=someone-else"

	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSocketDrivesTheRoom(t *testing.T) {
	s := newTestServer(t)
	code, ids := s.lobby(3)

	host := s.dial(code, ids[0])
	guest := s.dial(code, ids[1])

	first := readUntil(t, host, func(m inbound) bool { return m.Type == "room" })
	require.NotNil(t, first.Room)
	assert.Equal(t, code, first.Room.Code)

	require.NoError(t, host.WriteJSON(intent{Type: "start_game"}))

	readUntil(t, host, inPhase(game.PhaseWriting))
	room := readUntil(t, guest, inPhase(game.PhaseWriting)).Room
	require.NotNil(t, room.Game)
	assert.Len(t, room.Game.Categories, game.TotalRounds)

	// The writer is whoever owns the connection.
	require.NoError(t, guest.WriteJSON(intent{Type: "submit_answer", SubjectID: ids[0], Round: 1, Text: "likes jazz"}))
	room = readUntil(t, host, func(m inbound) bool {
		return m.Type == "room" && m.Room.Game != nil && m.Room.Game.AnswerCount(1) == 1
	}).Room
	assert.Equal(t, "likes jazz", room.Game.AnswersByRound[1][ids[0]][ids[1]].Text)

	// Errors go back to the sender only.
	require.NoError(t, guest.WriteJSON(intent{Type: "submit_answer", SubjectID: ids[0], Round: 9, Text: "nope"}))
	msg := readUntil(t, guest, func(m inbound) bool { return m.Type == "error" })
	assert.Equal(t, "submit_answer", msg.Intent)

	require.NoError(t, guest.WriteJSON(intent{Type: "dance"}))
	msg = readUntil(t, guest, func(m inbound) bool { return m.Type == "error" })
	assert.Equal(t, "dance", msg.Intent)

	require.NoError(t, guest.WriteJSON(intent{Type: "mark_writing_complete"}))
	msg = readUntil(t, guest, func(m inbound) bool { return m.Type == "error" })
	assert.Contains(t, msg.Error, "answers written")
}

func TestSocketLeaveAndClose(t *testing.T) {
	s := newTestServer(t)
	code, ids := s.lobby(3)

	host := s.dial(code, ids[0])
	guest := s.dial(code, ids[2])

	require.NoError(t, guest.WriteJSON(intent{Type: "leave"}))
	msg := readUntil(t, guest, func(m inbound) bool { return m.Type == "left" })
	assert.NotEmpty(t, msg.Type)

	readUntil(t, host, func(m inbound) bool {
		return m.Type == "room" && len(m.Room.Players) == 2
	})

	resp := s.do(http.MethodDelete, "/rooms/"+code, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	readUntil(t, host, func(m inbound) bool { return m.Type == "closed" })
}

func TestDisconnectedPlayerIsRemoved(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.playerTimeout = 50 * time.Millisecond })
	code, ids := s.lobby(3)

	conn := s.dial(code, ids[2])
	readUntil(t, conn, func(m inbound) bool { return m.Type == "room" })
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		room, err := s.svc.Room(t.Context(), code)
		return err == nil && !room.HasPlayer(ids[2])
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectKeepsPlayer(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.playerTimeout = 200 * time.Millisecond })
	code, ids := s.lobby(3)

	conn := s.dial(code, ids[2])
	readUntil(t, conn, func(m inbound) bool { return m.Type == "room" })
	require.NoError(t, conn.Close())

	again := s.dial(code, ids[2])
	readUntil(t, again, func(m inbound) bool { return m.Type == "room" })

	time.Sleep(400 * time.Millisecond)

	room, err := s.svc.Room(t.Context(), code)
	require.NoError(t, err)
	assert.True(t, room.HasPlayer(ids[2]))
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{game.ErrRoomNotFound, http.StatusNotFound},
		{game.ErrRoomFull, http.StatusConflict},
		{game.ErrGameInProgress, http.StatusConflict},
		{game.ErrNotEnoughPlayers, http.StatusBadRequest},
		{fmt.Errorf("%w: nope", game.ErrInvalidInput), http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, errorStatus(tt.err))
		})
	}

	assert.Equal(t, "internal error", publicError(errors.New("disk on fire")))
	assert.Equal(t, "room not found", publicError(game.ErrRoomNotFound))
}

func TestHumanReadableSize(t *testing.T) {
	assert.Equal(t, "999 B", humanReadableSize(999))
	assert.Equal(t, "1.0 kB", humanReadableSize(1000))
	assert.Equal(t, "1.5 MB", humanReadableSize(1_500_000))
}
