package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestIntakeMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIntakeMetrics(reg)
	m.ObserveReceived("twilio", "voice_status", "ok")
	m.ObserveDuplicate("twilio")
	m.ObserveWebhookLatency("twilio", "voice_status", 0.02)
}

func TestOutboxMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	m.ObserveDispatched("telephony.CallDetected")
	m.ObserveRetried("messaging.OutboundQueued")
	m.ObserveDeadLettered("messaging.OutboundQueued")
	m.SetPendingDepth(7)
}

func TestConversationMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewConversationMetrics(reg)
	m.ObserveFirstResponse("call_detected", 1.2)
	m.ObserveCompose("ai")
	m.ObserveOutbound("queued", false)
	m.ObserveOptOut()
}

func TestSchedulingMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)
	m.ObserveBooking("ok")
	m.ObserveHold("conflict")
	m.ObserveSyncConflict()
}

func TestMetricsNilSafe(t *testing.T) {
	var intake *IntakeMetrics
	intake.ObserveReceived("twilio", "sms", "ok")
	intake.ObserveDuplicate("twilio")
	intake.ObserveWebhookLatency("twilio", "sms", 0.1)

	var outbox *OutboxMetrics
	outbox.ObserveDispatched("x")
	outbox.ObserveRetried("x")
	outbox.ObserveDeadLettered("x")
	outbox.SetPendingDepth(0)

	var convo *ConversationMetrics
	convo.ObserveFirstResponse("inbound_sms", 0.5)
	convo.ObserveCompose("template")
	convo.ObserveOutbound("sent", true)
	convo.ObserveOptOut()

	var sched *SchedulingMetrics
	sched.ObserveBooking("conflict")
	sched.ObserveHold("ok")
	sched.ObserveSyncConflict()
}
