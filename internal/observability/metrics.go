package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tablesync"

type moduleMetrics struct {
	connections     prometheus.Gauge
	connectionsClosed *prometheus.CounterVec
	rooms           prometheus.Gauge
	sessions        prometheus.Gauge

	inboundTotal   *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	broadcastTotal *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	loopDuration   *prometheus.HistogramVec

	queuePending  prometheus.Gauge
	taskDuration  *prometheus.HistogramVec
	writesTotal   *prometheus.CounterVec
	writeDuration *prometheus.HistogramVec
	deadLetters   *prometheus.CounterVec

	transfersTotal  *prometheus.CounterVec
	activeTransfers prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			connections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "connections",
					Help:      "Current open client connections.",
				},
			),
			connectionsClosed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "connections_closed_total",
					Help:      "Total closed client connections by reason.",
				},
				[]string{"reason"},
			),
			rooms: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "rooms",
					Help:      "Current rooms with at least one member.",
				},
			),
			sessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "sessions",
					Help:      "Session entries held in memory across all kinds.",
				},
			),
			inboundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "inbound_messages_total",
					Help:      "Total inbound client messages by event.",
				},
				[]string{"event"},
			),
			droppedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dropped_messages_total",
					Help:      "Total inbound messages dropped by reason.",
				},
				[]string{"reason"},
			),
			broadcastTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "broadcasts_total",
					Help:      "Total outbound events delivered by event.",
				},
				[]string{"event"},
			),
			sendFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "send_failures_total",
					Help:      "Total outbound events that could not be queued by event.",
				},
				[]string{"event"},
			),
			loopDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "handle_duration_seconds",
					Help:      "Time spent applying one inbound message by event.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"event"},
			),
			queuePending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_pending",
					Help:      "Queued or running tasks across all lanes.",
				},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Lane task execution duration in seconds by status.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			writesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "persistence_writes_total",
					Help:      "Total snapshot writes by kind and status.",
				},
				[]string{"kind", "status"},
			),
			writeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "persistence_write_duration_seconds",
					Help:      "Snapshot write duration in seconds by kind.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			deadLetters: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "persistence_dead_letters_total",
					Help:      "Total snapshot writes abandoned after all attempts by kind.",
				},
				[]string{"kind"},
			),
			transfersTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "transfers_total",
					Help:      "Total background transfers by outcome.",
				},
				[]string{"outcome"},
			),
			activeTransfers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_transfers",
					Help:      "Background transfers currently receiving chunks.",
				},
			),
		}

		prometheus.MustRegister(
			m.connections,
			m.connectionsClosed,
			m.rooms,
			m.sessions,
			m.inboundTotal,
			m.droppedTotal,
			m.broadcastTotal,
			m.sendFailures,
			m.loopDuration,
			m.queuePending,
			m.taskDuration,
			m.writesTotal,
			m.writeDuration,
			m.deadLetters,
			m.transfersTotal,
			m.activeTransfers,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordConnectionOpened() {
	getMetrics().connections.Inc()
}

func RecordConnectionClosed(reason string) {
	m := getMetrics()
	m.connections.Dec()
	m.connectionsClosed.WithLabelValues(reason).Inc()
}

func SetRooms(count int) {
	getMetrics().rooms.Set(float64(count))
}

func SetSessions(count int) {
	getMetrics().sessions.Set(float64(count))
}

func RecordInbound(event string, duration time.Duration) {
	m := getMetrics()
	m.inboundTotal.WithLabelValues(event).Inc()
	m.loopDuration.WithLabelValues(event).Observe(duration.Seconds())
}

func RecordDropped(reason string) {
	getMetrics().droppedTotal.WithLabelValues(reason).Inc()
}

func RecordBroadcast(event string, delivered, failed int) {
	m := getMetrics()
	m.broadcastTotal.WithLabelValues(event).Add(float64(delivered))
	if failed > 0 {
		m.sendFailures.WithLabelValues(event).Add(float64(failed))
	}
}

func AddQueuePending(delta int) {
	getMetrics().queuePending.Add(float64(delta))
}

func RecordTaskCompletion(duration time.Duration, success bool) {
	getMetrics().taskDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
}

func RecordPersistenceWrite(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	m.writesTotal.WithLabelValues(kind, status(success)).Inc()
	m.writeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordDeadLetter(kind string) {
	getMetrics().deadLetters.WithLabelValues(kind).Inc()
}

func RecordTransfer(outcome string) {
	getMetrics().transfersTotal.WithLabelValues(outcome).Inc()
}

func SetActiveTransfers(count int) {
	getMetrics().activeTransfers.Set(float64(count))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
