package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_connected_clients",
		Help: "WebSocket clients currently connected",
	})

	openRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_open_rooms",
		Help: "Documents with at least one connected client",
	})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_messages_received_total",
		Help: "Frames received from clients by type",
	}, []string{"type"})

	decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_decode_failures_total",
		Help: "Frames rejected as malformed",
	})

	actorsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_actors_removed_total",
		Help: "Actors removed by the server, by reason",
	}, []string{"reason"})
)
