/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Phase is the room's top-level mode. Every client renders from it.
type Phase string

const (
	// PhaseWaiting is the lobby. Players may join.
	PhaseWaiting Phase = "waiting"
	// PhaseWriting collects every player's answers about every player.
	PhaseWriting Phase = "writing"
	// PhaseGuessing walks the subjects of the current round.
	PhaseGuessing Phase = "guessing"
	// PhaseScoreboard sits between rounds until the advance timer fires.
	PhaseScoreboard Phase = "scoreboard"
	// PhaseResults ends the game until the host resets it.
	PhaseResults Phase = "results"
)

var transitions = map[Phase][]Phase{
	PhaseWaiting:    {PhaseWriting},
	PhaseWriting:    {PhaseGuessing},
	PhaseGuessing:   {PhaseScoreboard, PhaseResults},
	PhaseScoreboard: {PhaseGuessing},
	PhaseResults:    {PhaseWaiting},
}

func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// CanTransitionTo reports whether next directly follows p.
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (p *Phase) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	if !Phase(s).Valid() {
		return fmt.Errorf("unknown phase %q", s)
	}

	*p = Phase(s)

	return nil
}

type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Score    int       `json:"score"`
	IsHost   bool      `json:"isHost"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Settings struct {
	MaxPlayers        int `json:"maxPlayers"`
	TotalRounds       int `json:"totalRounds"`
	GuessSeconds      int `json:"guessSeconds"`
	ScoreboardSeconds int `json:"scoreboardSeconds"`
}

type Answer struct {
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submittedAt"`
}

type Guess struct {
	GuessedWriterID string    `json:"guessedWriterId,omitempty"`
	SubmittedAt     time.Time `json:"submittedAt"`
	TimedOut        bool      `json:"timedOut,omitempty"`
}

// Answers maps subject id to writer id to answer.
type Answers map[string]map[string]Answer

// Guesses maps subject id to guesser id to guess.
type Guesses map[string]map[string]Guess

type Game struct {
	ID                  string                  `json:"id"`
	Categories          []string                `json:"categories"`
	TotalRounds         int                     `json:"totalRounds"`
	Roster              map[string]bool         `json:"roster,omitempty"`
	CurrentRound        int                     `json:"currentRound"`
	// CurrentSubjectIndex indexes SubjectOrder, not the live player list.
	CurrentSubjectIndex int                     `json:"currentSubjectIndex"`
	SubjectOrder        []string                `json:"subjectOrder,omitempty"`
	AnswersByRound      map[int]Answers         `json:"answersByRound,omitempty"`
	PlayersCompleted    map[string]bool         `json:"playersCompleted,omitempty"`
	AllWritingComplete  bool                    `json:"allWritingComplete"`
	CurrentCategory     string                  `json:"currentCategory,omitempty"`
	CurrentAnswers      Answers                 `json:"currentAnswers,omitempty"`
	Guesses             map[int]Guesses         `json:"guesses,omitempty"`
	Revealed            map[int]map[string]bool `json:"revealed,omitempty"`
	StartedAt           time.Time               `json:"startedAt"`
}

type Room struct {
	Code             string            `json:"code"`
	HostID           string            `json:"hostId"`
	Phase            Phase             `json:"phase"`
	Players          map[string]Player `json:"players,omitempty"`
	Seats            map[int]string    `json:"seats,omitempty"`
	Game             *Game             `json:"game,omitempty"`
	Settings         Settings          `json:"settings"`
	RecentCategories []string          `json:"recentCategories,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// OrderedPlayers returns the players sorted by join time, then id.
func (r *Room) OrderedPlayers() []Player {
	out := make([]Player, 0, len(r.Players))
	for id, p := range r.Players {
		p.ID = id
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// SeatOf returns the seat held by player id.
func (r *Room) SeatOf(id string) (int, bool) {
	for seat, holder := range r.Seats {
		if holder == id {
			return seat, true
		}
	}
	return 0, false
}

// starting reports whether a start has fixed its roster but the room has not
// yet left the lobby. A reset leaves a finished game behind for a moment,
// which has a round set and does not count.
func (r *Room) starting() bool {
	return r.Phase == PhaseWaiting && r.Game != nil && r.Game.ID != "" && r.Game.CurrentRound == 0
}

func (r *Room) HasPlayer(id string) bool {
	_, ok := r.Players[id]
	return ok
}

// CurrentSubject returns the id of the player being guessed about, if the
// room is guessing.
func (r *Room) CurrentSubject() (string, bool) {
	if r.Phase != PhaseGuessing || r.Game == nil {
		return "", false
	}

	g := r.Game
	if g.CurrentRound < 1 || g.CurrentSubjectIndex < 0 || g.CurrentSubjectIndex >= len(g.SubjectOrder) {
		return "", false
	}

	return g.SubjectOrder[g.CurrentSubjectIndex], true
}

// ScoreboardRound returns the round that just finished while the room sits
// on the scoreboard. It reports false while an advance is half applied, so
// timers only ever arm against a settled scoreboard.
func (r *Room) ScoreboardRound() (int, bool) {
	if r.Phase != PhaseScoreboard || r.Game == nil {
		return 0, false
	}

	g := r.Game
	if g.CurrentRound < 1 || g.CurrentRound >= g.TotalRounds || g.CurrentRound > len(g.Categories) {
		return 0, false
	}
	if g.CurrentCategory != g.Categories[g.CurrentRound-1] {
		return 0, false
	}

	return g.CurrentRound, true
}

// WritersFor lists the writer ids that answered about subject in round.
func (g *Game) WritersFor(round int, subject string) []string {
	answers := g.AnswersByRound[round][subject]

	out := make([]string, 0, len(answers))
	for id := range answers {
		out = append(out, id)
	}
	sort.Strings(out)

	return out
}

// AnswerCount returns the number of answers recorded for round.
func (g *Game) AnswerCount(round int) int {
	n := 0
	for _, writers := range g.AnswersByRound[round] {
		n += len(writers)
	}
	return n
}

// PlayerAnswerCount counts the answers writer has given about the subjects
// in present, across every round.
func (g *Game) PlayerAnswerCount(writer string, present map[string]Player) int {
	n := 0
	for round := 1; round <= g.TotalRounds; round++ {
		for subject := range present {
			if _, ok := g.AnswersByRound[round][subject][writer]; ok {
				n++
			}
		}
	}
	return n
}

// CompletedPlayers lists the present players that have finished writing.
func (g *Game) CompletedPlayers(present map[string]Player) []string {
	out := make([]string, 0, len(present))
	for id := range present {
		if g.PlayersCompleted[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)

	return out
}
