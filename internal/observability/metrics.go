// Package observability owns the Prometheus collectors for the live engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wodpulse"

var (
	tickCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "ticks_total",
		Help:      "Number of scheduler ticks handled per job.",
	}, []string{"job"})

	tickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "tick_duration_seconds",
		Help:      "Time spent handling one scheduler tick per job.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"job"})

	staleTickCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "stale_ticks_total",
		Help:      "Ticks that fired for a session generation that had already ended.",
	}, []string{"job"})

	sessionsFinalized = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "finalized_total",
		Help:      "Sessions whose record was persisted.",
	})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "persist_failures_total",
		Help:      "Failed attempts to persist a session record.",
	})

	sampleWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "sample_writes_total",
		Help:      "Heart-rate samples handed to the sample store, by result.",
	}, []string{"result"})

	connectedSensors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "connected",
		Help:      "Number of sensors currently connected.",
	})

	connectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "connect_attempts_total",
		Help:      "Sensor connect attempts by trigger and result.",
	}, []string{"trigger", "result"})

	droppedSamples = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "dropped_samples_total",
		Help:      "Notifications dropped because the payload could not be decoded.",
	})

	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "events_total",
		Help:      "Session events published to Kafka, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		tickCounter, tickDuration, staleTickCounter,
		sessionsFinalized, persistFailures, sampleWrites,
		connectedSensors, connectAttempts, droppedSamples,
		eventsPublished,
	)
}

// RecordTick counts one handled tick of job.
func RecordTick(job string, took time.Duration) {
	tickCounter.WithLabelValues(job).Inc()
	tickDuration.WithLabelValues(job).Observe(took.Seconds())
}

// RecordStaleTick counts a tick ignored because its generation had ended.
func RecordStaleTick(job string) {
	staleTickCounter.WithLabelValues(job).Inc()
}

func RecordSessionFinalized() { sessionsFinalized.Inc() }

func RecordPersistFailure() { persistFailures.Inc() }

func RecordSampleWrite(err error) {
	sampleWrites.WithLabelValues(result(err)).Inc()
}

// SetConnectedSensors reports the number of live links.
func SetConnectedSensors(n int) {
	connectedSensors.Set(float64(n))
}

// RecordConnectAttempt counts a connect attempt. trigger is "manual", "sweep"
// or "reconnect_all".
func RecordConnectAttempt(trigger string, err error) {
	connectAttempts.WithLabelValues(trigger, result(err)).Inc()
}

func RecordDroppedSample() { droppedSamples.Inc() }

func RecordPublish(err error) {
	eventsPublished.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
