/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whowrote_connected_clients",
		Help: "Websocket clients connected to this instance.",
	})

	watchedRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whowrote_watched_rooms",
		Help: "Rooms this instance is subscribed to.",
	})

	intentsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whowrote_intents_total",
		Help: "Websocket intents handled, by type and result.",
	}, []string{"intent", "result"})
)
