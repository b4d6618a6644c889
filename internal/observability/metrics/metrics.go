package metrics

import "github.com/prometheus/client_golang/prometheus"

// IntakeMetrics exposes counters/histograms for webhook intake.
type IntakeMetrics struct {
	receivedTotal  *prometheus.CounterVec
	duplicateTotal *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewIntakeMetrics(reg prometheus.Registerer) *IntakeMetrics {
	m := &IntakeMetrics{
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "intake",
			Name:      "webhook_total",
			Help:      "Total inbound provider webhooks by outcome",
		}, []string{"provider", "kind", "outcome"}),
		duplicateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "intake",
			Name:      "webhook_duplicate_total",
			Help:      "Webhooks suppressed by the receipt idempotency barrier",
		}, []string{"provider"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "textback",
			Subsystem: "intake",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.receivedTotal, m.duplicateTotal, m.webhookLatency)
	return m
}

func (m *IntakeMetrics) ObserveReceived(provider, kind, outcome string) {
	if m == nil {
		return
	}
	m.receivedTotal.WithLabelValues(provider, kind, outcome).Inc()
}

func (m *IntakeMetrics) ObserveDuplicate(provider string) {
	if m == nil {
		return
	}
	m.duplicateTotal.WithLabelValues(provider).Inc()
}

func (m *IntakeMetrics) ObserveWebhookLatency(provider, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(provider, kind).Observe(seconds)
}

// OutboxMetrics exposes dispatcher counters and the pending depth gauge.
type OutboxMetrics struct {
	dispatchedTotal *prometheus.CounterVec
	retriedTotal    *prometheus.CounterVec
	deadTotal       *prometheus.CounterVec
	pendingDepth    prometheus.Gauge
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	m := &OutboxMetrics{
		dispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "outbox",
			Name:      "dispatched_total",
			Help:      "Events delivered to all consumers",
		}, []string{"event_name"}),
		retriedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "outbox",
			Name:      "retried_total",
			Help:      "Dispatch attempts rescheduled with backoff",
		}, []string{"event_name"}),
		deadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "outbox",
			Name:      "dead_letter_total",
			Help:      "Events that exhausted the retry budget",
		}, []string{"event_name"}),
		pendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "textback",
			Subsystem: "outbox",
			Name:      "pending_depth",
			Help:      "Undispatched rows visible to the lease query",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.dispatchedTotal, m.retriedTotal, m.deadTotal, m.pendingDepth)
	return m
}

func (m *OutboxMetrics) ObserveDispatched(eventName string) {
	if m == nil {
		return
	}
	m.dispatchedTotal.WithLabelValues(eventName).Inc()
}

func (m *OutboxMetrics) ObserveRetried(eventName string) {
	if m == nil {
		return
	}
	m.retriedTotal.WithLabelValues(eventName).Inc()
}

func (m *OutboxMetrics) ObserveDeadLettered(eventName string) {
	if m == nil {
		return
	}
	m.deadTotal.WithLabelValues(eventName).Inc()
}

func (m *OutboxMetrics) SetPendingDepth(n float64) {
	if m == nil {
		return
	}
	m.pendingDepth.Set(n)
}

// ConversationMetrics covers the first-reply hot path.
type ConversationMetrics struct {
	firstResponse *prometheus.HistogramVec
	composeTotal  *prometheus.CounterVec
	outboundTotal *prometheus.CounterVec
	optOutTotal   prometheus.Counter
}

// FirstResponseHistogramName is exported so the KPI dashboard can snapshot the
// live histogram through the prometheus client model.
const FirstResponseHistogramName = "textback_conversation_first_response_seconds"

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		firstResponse: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "textback",
			Subsystem: "conversation",
			Name:      "first_response_seconds",
			Help:      "Inbound-webhook-to-outbound-enqueue latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 30},
		}, []string{"trigger"}),
		composeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "conversation",
			Name:      "compose_total",
			Help:      "Reply compositions by source (ai, template, fallback)",
		}, []string{"source"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "conversation",
			Name:      "outbound_total",
			Help:      "Outbound SMS sends by status",
		}, []string{"status", "suppressed"}),
		optOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "conversation",
			Name:      "opt_out_total",
			Help:      "STOP opt-outs recorded",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.firstResponse, m.composeTotal, m.outboundTotal, m.optOutTotal)
	return m
}

func (m *ConversationMetrics) ObserveFirstResponse(trigger string, seconds float64) {
	if m == nil {
		return
	}
	m.firstResponse.WithLabelValues(trigger).Observe(seconds)
}

func (m *ConversationMetrics) ObserveCompose(source string) {
	if m == nil {
		return
	}
	m.composeTotal.WithLabelValues(source).Inc()
}

func (m *ConversationMetrics) ObserveOutbound(status string, suppressed bool) {
	if m == nil {
		return
	}
	label := "false"
	if suppressed {
		label = "true"
	}
	m.outboundTotal.WithLabelValues(status, label).Inc()
}

func (m *ConversationMetrics) ObserveOptOut() {
	if m == nil {
		return
	}
	m.optOutTotal.Inc()
}

// SchedulingMetrics covers holds, bookings, and external-sync health.
type SchedulingMetrics struct {
	bookingTotal  *prometheus.CounterVec
	holdTotal     *prometheus.CounterVec
	syncConflicts prometheus.Counter
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "scheduling",
			Name:      "booking_total",
			Help:      "Booking attempts by result",
		}, []string{"result"}),
		holdTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "scheduling",
			Name:      "hold_total",
			Help:      "Hold operations by result",
		}, []string{"result"}),
		syncConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "textback",
			Subsystem: "scheduling",
			Name:      "sync_conflict_total",
			Help:      "Local appointments found overlapping external busy blocks",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingTotal, m.holdTotal, m.syncConflicts)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookingTotal.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveHold(result string) {
	if m == nil {
		return
	}
	m.holdTotal.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveSyncConflict() {
	if m == nil {
		return
	}
	m.syncConflicts.Inc()
}
