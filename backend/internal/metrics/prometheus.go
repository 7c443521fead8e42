package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vibenotes_collab_active_rooms",
		Help: "Number of notes with a live collaboration room",
	})

	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vibenotes_collab_connections",
		Help: "Number of open collaboration websocket connections",
	})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibenotes_collab_frames_total",
		Help: "Inbound collaboration messages by type and outcome",
	}, []string{"type", "outcome"})

	SlowConsumersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibenotes_collab_slow_consumers_total",
		Help: "Connections closed because their send buffer was full",
	})

	PersistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibenotes_collab_persist_total",
		Help: "Collaborative document persists by trigger and result",
	}, []string{"trigger", "result"})

	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vibenotes_collab_persist_duration_seconds",
		Help:    "Duration of collaborative document persists",
		Buckets: prometheus.DefBuckets,
	})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibenotes_note_events_total",
		Help: "Note change events handed to kafka by result",
	}, []string{"result"})
)

// outcome 标签取值
const (
	OutcomeOK       = "ok"
	OutcomeDenied   = "denied"
	OutcomeProtocol = "protocol_error"
	OutcomeError    = "error"
)
