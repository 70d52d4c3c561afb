/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whowrote",
		Name:      "rooms_created_total",
		Help:      "Rooms opened.",
	})

	playersJoined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whowrote",
		Name:      "players_joined_total",
		Help:      "Players admitted to a lobby, hosts excluded.",
	})

	guessesScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whowrote",
		Name:      "guesses_total",
		Help:      "Guesses by outcome: correct, fooled, timeout or duplicate.",
	}, []string{"outcome"})

	transitionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whowrote",
		Name:      "transitions_total",
		Help:      "Guarded transitions won, by target.",
	}, []string{"to"})

	staleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whowrote",
		Name:      "stale_transitions_total",
		Help:      "Guarded transitions lost to another caller, by operation.",
	}, []string{"op"})
)
