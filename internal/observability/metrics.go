package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "linkctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkctl",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Inbound link frames by type and dispatch outcome.",
		},
		[]string{"type", "outcome"},
	)
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkctl",
			Subsystem: "link",
			Name:      "transitions_total",
			Help:      "Link endpoint lifecycle transitions.",
		},
		[]string{"role", "state", "code"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkctl",
			Subsystem: "shard",
			Name:      "master_connect_attempts_total",
			Help:      "Master link establish attempts per shard.",
		},
		[]string{"shard", "result"},
	)
	shardSynced = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "linkctl",
			Subsystem: "shard",
			Name:      "synced",
			Help:      "1 when the shard's authoritative peer is reachable.",
		},
		[]string{"shard"},
	)
	peerConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "linkctl",
			Subsystem: "peer",
			Name:      "connected",
			Help:      "1 while a transport connection to the peer is up.",
		},
		[]string{"peer"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesTotal,
			transitionsTotal,
			connectAttempts,
			shardSynced,
			peerConnected,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(frameType, outcome string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(frameType, outcome).Inc()
}

func RecordTransition(role, state, code string) {
	RegisterMetrics()
	transitionsTotal.WithLabelValues(role, state, code).Inc()
}

func RecordConnectAttempt(shard, result string) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(shard, result).Inc()
}

func SetShardSynced(shard string, synced bool) {
	RegisterMetrics()
	shardSynced.WithLabelValues(shard).Set(boolGauge(synced))
}

func SetPeerConnected(peer string, connected bool) {
	RegisterMetrics()
	peerConnected.WithLabelValues(peer).Set(boolGauge(connected))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
