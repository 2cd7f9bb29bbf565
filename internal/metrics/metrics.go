// Package metrics declares the Prometheus instruments exported by the bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_received_total",
		Help: "Total MQTT messages received across all device subscriptions.",
	})
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_store_writes_total",
		Help: "Telemetry store appends by outcome (ok, failed).",
	}, []string{"outcome"})
	StoreWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_store_write_duration_seconds",
		Help:    "Latency of a single telemetry store append.",
		Buckets: prometheus.DefBuckets,
	})
	IngestQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_ingest_queue_dropped_total",
		Help: "Messages not persisted because a device's persistence queue was full.",
	})
	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_ingest_queue_depth",
		Help: "Messages waiting in persistence queues across all devices.",
	})
	FanoutPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_fanout_published_total",
		Help: "Live messages handed to a fan-out sink.",
	}, []string{"sink"})
	FanoutDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_fanout_dropped_total",
		Help: "Live messages dropped by a fan-out sink (full buffer or publish error).",
	}, []string{"sink"})
	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_live_subscribers",
		Help: "Currently attached websocket subscribers.",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_mqtt_connections",
		Help: "Device handles currently held by the connection registry.",
	})
	ConnectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_mqtt_connection_events_total",
		Help: "Broker connection state transitions by event (connected, lost, reconnecting, subscribe_failed).",
	}, []string{"event"})
	ExceedanceQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_exceedance_queries_total",
		Help: "Exceedance queries evaluated (short-circuited queries included).",
	})
	RetentionRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_retention_removed_total",
		Help: "Telemetry records removed by retention sweeps.",
	})
)

// NewServer builds the /metrics HTTP server
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}
