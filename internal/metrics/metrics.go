package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakeassoc_messages_received_total",
			Help: "Total input messages by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	PicksAssociated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quakeassoc_picks_associated_total",
			Help: "Picks attached to an existing hypocenter on arrival",
		},
	)

	PicksPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quakeassoc_picks_pruned_total",
			Help: "Picks detached from a hypocenter by the residual cut",
		},
	)

	PicksStolen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quakeassoc_picks_stolen_total",
			Help: "Picks moved between hypocenters on higher affinity",
		},
	)

	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakeassoc_evictions_total",
			Help: "Observations or hypocenters dropped by capacity or age",
		},
		[]string{"list", "reason"},
	)

	Triggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakeassoc_triggers_total",
			Help: "Nucleation triggers by web",
		},
		[]string{"web"},
	)

	HyposCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakeassoc_hypos_created_total",
			Help: "Hypocenters created by seed kind",
		},
		[]string{"seed"},
	)

	HyposCanceled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakeassoc_hypos_canceled_total",
			Help: "Hypocenters canceled by reason",
		},
		[]string{"reason"},
	)

	HyposReported = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quakeassoc_hypos_reported_total",
			Help: "Event reports emitted, including updates",
		},
	)

	HyposActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quakeassoc_hypos_active",
			Help: "Hypocenters currently held",
		},
	)

	PicksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quakeassoc_picks_held",
			Help: "Picks currently held",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quakeassoc_queue_depth",
			Help: "Pending items per work queue",
		},
		[]string{"queue"},
	)

	LocateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quakeassoc_locate_duration_seconds",
			Help:    "Time spent in one location refinement",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	WebGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakeassoc_web_generations_total",
			Help: "Nucleation web (re)generations by web and status",
		},
		[]string{"web", "status"},
	)

	ReportWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakeassoc_report_writes_total",
			Help: "Report sink writes by sink and status",
		},
		[]string{"sink", "status"},
	)
)
