package messaging

import "strings"

// Canonical delivery states tracked on stored messages.
const (
	DeliveryQueued    = "queued"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// CanonicalDeliveryStatus folds a provider status-callback value into the
// four states the platform tracks. Unknown values map to the empty string
// and the caller drops the update.
func CanonicalDeliveryStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "accepted", "scheduled":
		return DeliveryQueued
	case "sending", "sent":
		return DeliverySent
	case "delivered", "read":
		return DeliveryDelivered
	case "failed", "undelivered", "canceled", "sending_failed", "delivery_failed":
		return DeliveryFailed
	default:
		return ""
	}
}
