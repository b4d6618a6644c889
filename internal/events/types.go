package events

import "time"

// Event name prefixes consumers register under.
const (
	PrefixTelephony    = "telephony."
	PrefixMessaging    = "messaging."
	PrefixConversation = "conversation."
	PrefixCompliance   = "compliance."
	PrefixScheduling   = "scheduling."
)

// CallDetected records a missed call classified from a carrier voice-status
// callback. Reason is one of no-answer, busy, failed.
type CallDetected struct {
	CallSID    string    `json:"call_sid"`
	FromE164   string    `json:"from_e164"`
	ToE164     string    `json:"to_e164"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

func (CallDetected) EventName() string     { return "telephony.CallDetected" }
func (CallDetected) SchemaVersion() string { return "1.0" }

// InboundSmsReceived records an inbound SMS accepted past the idempotency barrier.
type InboundSmsReceived struct {
	MessageID   string    `json:"message_id"`
	FromE164    string    `json:"from_e164"`
	ToE164      string    `json:"to_e164"`
	Body        string    `json:"body"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

func (InboundSmsReceived) EventName() string     { return "messaging.InboundSmsReceived" }
func (InboundSmsReceived) SchemaVersion() string { return "1.0" }

// OutboundQueued records an outbound message committed in state queued.
type OutboundQueued struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	ToE164         string    `json:"to_e164"`
	FromE164       string    `json:"from_e164"`
	Body           string    `json:"body"`
	ClientDedupKey string    `json:"client_dedup_key"`
	Trigger        string    `json:"trigger"`
	QueuedAt       time.Time `json:"queued_at"`
}

func (OutboundQueued) EventName() string     { return "messaging.OutboundQueued" }
func (OutboundQueued) SchemaVersion() string { return "1.0" }

// DeliveryUpdated records a carrier delivery-status transition for a message.
type DeliveryUpdated struct {
	MessageID   string    `json:"message_id,omitempty"`
	ProviderRef string    `json:"provider_ref"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (DeliveryUpdated) EventName() string     { return "messaging.DeliveryUpdated" }
func (DeliveryUpdated) SchemaVersion() string { return "1.0" }

// ConversationStarted records a conversation entering the open state.
type ConversationStarted struct {
	ConversationID string    `json:"conversation_id"`
	CallerE164     string    `json:"caller_e164"`
	Trigger        string    `json:"trigger"`
	StartedAt      time.Time `json:"started_at"`
}

func (ConversationStarted) EventName() string     { return "conversation.Started" }
func (ConversationStarted) SchemaVersion() string { return "1.0" }

// ConversationClosed records a conversation leaving the active states.
// Reason is one of stop, inactivity, manual.
type ConversationClosed struct {
	ConversationID string    `json:"conversation_id"`
	CallerE164     string    `json:"caller_e164"`
	Reason         string    `json:"reason"`
	ClosedAt       time.Time `json:"closed_at"`
}

func (ConversationClosed) EventName() string     { return "conversation.Closed" }
func (ConversationClosed) SchemaVersion() string { return "1.0" }

// ComplianceBlocked notifies that an interaction was suppressed because the
// tenant's campaign is not approved.
type ComplianceBlocked struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	CallerE164     string    `json:"caller_e164"`
	CampaignStatus string    `json:"campaign_status"`
	BlockedAt      time.Time `json:"blocked_at"`
}

func (ComplianceBlocked) EventName() string     { return "compliance.Blocked" }
func (ComplianceBlocked) SchemaVersion() string { return "1.0" }

// ComplianceStatusChanged records a campaign status transition for a tenant.
type ComplianceStatusChanged struct {
	PreviousStatus string    `json:"previous_status"`
	Status         string    `json:"status"`
	ChangedAt      time.Time `json:"changed_at"`
}

func (ComplianceStatusChanged) EventName() string     { return "compliance.StatusChanged" }
func (ComplianceStatusChanged) SchemaVersion() string { return "1.0" }

// AppointmentHeld records a timeslot reservation awaiting booking.
type AppointmentHeld struct {
	HoldID     string    `json:"hold_id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedBy  string    `json:"created_by,omitempty"`
}

func (AppointmentHeld) EventName() string     { return "scheduling.AppointmentHeld" }
func (AppointmentHeld) SchemaVersion() string { return "1.0" }

// AppointmentBooked records a confirmed appointment with the catalog price
// snapshot taken at booking time.
type AppointmentBooked struct {
	AppointmentID string    `json:"appointment_id"`
	HoldID        string    `json:"hold_id"`
	ResourceID    string    `json:"resource_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	ServiceItemID string    `json:"service_item_id"`
	CustomerPhone string    `json:"customer_phone"`
	PriceCents    int64     `json:"price_cents"`
	Currency      string    `json:"currency"`
	BookedAt      time.Time `json:"booked_at"`
}

func (AppointmentBooked) EventName() string     { return "scheduling.AppointmentBooked" }
func (AppointmentBooked) SchemaVersion() string { return "1.0" }

// AppointmentReleased records a hold removed without booking.
// Reason is one of expired, cancelled.
type AppointmentReleased struct {
	HoldID     string    `json:"hold_id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Reason     string    `json:"reason"`
	ReleasedAt time.Time `json:"released_at"`
}

func (AppointmentReleased) EventName() string     { return "scheduling.AppointmentReleased" }
func (AppointmentReleased) SchemaVersion() string { return "1.0" }

// AppointmentCancelled records a confirmed appointment being cancelled.
type AppointmentCancelled struct {
	AppointmentID string    `json:"appointment_id"`
	ResourceID    string    `json:"resource_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	CancelledAt   time.Time `json:"cancelled_at"`
}

func (AppointmentCancelled) EventName() string     { return "scheduling.AppointmentCancelled" }
func (AppointmentCancelled) SchemaVersion() string { return "1.0" }
