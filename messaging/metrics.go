package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-transit/pipeline"
)

// Metrics are the prometheus collectors of a bus. A nil *Metrics records nothing.
type Metrics struct {
	consumed       *prometheus.CounterVec
	consumeSeconds *prometheus.HistogramVec
	skipped        *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	retries        *prometheus.CounterVec
	faults         *prometheus.CounterVec
	sent           *prometheus.CounterVec
	sendSeconds    *prometheus.HistogramVec
	requests       *prometheus.CounterVec
	active         *prometheus.GaugeVec
}

// NewMetrics creates unregistered collectors in namespace
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mmate"
	}
	const subsystem = "bus"
	return &Metrics{
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "messages_consumed_total",
			Help: "Messages that completed a consumer pipe, by outcome.",
		}, []string{"queue", "message_type", "consumer", "result"}),
		consumeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "consume_duration_seconds",
			Help:    "Time spent in a consumer pipe, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "message_type", "consumer"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "messages_skipped_total",
			Help: "Deliveries acknowledged without reaching a consumer.",
		}, []string{"queue", "reason"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "messages_malformed_total",
			Help: "Deliveries whose envelope or payload could not be decoded.",
		}, []string{"queue"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "consume_retries_total",
			Help: "Consumer attempts that failed and were retried.",
		}, []string{"queue", "consumer"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "faults_total",
			Help: "Faults raised after retries were exhausted, by delivery outcome.",
		}, []string{"queue", "message_type", "delivered"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "messages_sent_total",
			Help: "Messages handed to a send transport, by outcome.",
		}, []string{"message_type", "result"}),
		sendSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "send_duration_seconds",
			Help:    "Time spent serializing and transmitting a message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"message_type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "requests_total",
			Help: "Request/response exchanges, by outcome.",
		}, []string{"result"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "deliveries_in_flight",
			Help: "Deliveries currently being dispatched.",
		}, []string{"queue"}),
	}
}

// Register registers every collector. When a collector with the same
// description is already registered, m records into the existing one.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	m.consumed, err = registerCollector(reg, m.consumed)
	if err != nil {
		return err
	}
	m.consumeSeconds, err = registerCollector(reg, m.consumeSeconds)
	if err != nil {
		return err
	}
	m.skipped, err = registerCollector(reg, m.skipped)
	if err != nil {
		return err
	}
	m.malformed, err = registerCollector(reg, m.malformed)
	if err != nil {
		return err
	}
	m.retries, err = registerCollector(reg, m.retries)
	if err != nil {
		return err
	}
	m.faults, err = registerCollector(reg, m.faults)
	if err != nil {
		return err
	}
	m.sent, err = registerCollector(reg, m.sent)
	if err != nil {
		return err
	}
	m.sendSeconds, err = registerCollector(reg, m.sendSeconds)
	if err != nil {
		return err
	}
	m.requests, err = registerCollector(reg, m.requests)
	if err != nil {
		return err
	}
	m.active, err = registerCollector(reg, m.active)
	return err
}

// registerCollector returns the collector now registered under c's description
func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return c, err
	}
	existing, ok := already.ExistingCollector.(T)
	if !ok {
		return c, fmt.Errorf("metrics: collector registered with a different type: %w", err)
	}
	return existing, nil
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) observeSend(messageType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(messageType, result(err)).Inc()
	m.sendSeconds.WithLabelValues(messageType).Observe(d.Seconds())
}

func (m *Metrics) observeSkipped(queue, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(queue, reason).Inc()
}

func (m *Metrics) observeMalformed(queue string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(queue).Inc()
}

func (m *Metrics) observeRetry(queue, consumer string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(queue, consumer).Inc()
}

func (m *Metrics) observeFault(queue, messageType string, sendErr error) {
	if m == nil {
		return
	}
	delivered := "true"
	if sendErr != nil {
		delivered = "false"
	}
	m.faults.WithLabelValues(queue, messageType, delivered).Inc()
}

func (m *Metrics) observeRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) inFlight(queue string, delta float64) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(queue).Add(delta)
}

// consumeFilter records the outcome and duration of every consumer pipe
func (m *Metrics) consumeFilter() pipeline.Filter[MessageContext] {
	return pipeline.NewFilter("metrics", func(ctx context.Context, mc MessageContext, next pipeline.Pipe[MessageContext]) error {
		start := time.Now()
		err := next.Send(ctx, mc)

		queue := mc.Receive().QueueName
		m.consumed.WithLabelValues(queue, mc.MessageType(), mc.ConsumerName(), result(err)).Inc()
		observer := m.consumeSeconds.WithLabelValues(queue, mc.MessageType(), mc.ConsumerName())
		seconds := time.Since(start).Seconds()
		spanCtx := trace.SpanContextFromContext(ctx)
		if eo, ok := observer.(prometheus.ExemplarObserver); ok && spanCtx.HasTraceID() && spanCtx.IsSampled() {
			eo.ObserveWithExemplar(seconds, prometheus.Labels{"trace_id": spanCtx.TraceID().String()})
		} else {
			observer.Observe(seconds)
		}
		return err
	})
}
