// Package messaging sends outbound SMS through the configured carrier
// providers and verifies the webhooks they post back. The conversation
// engine only ever queues messages; this package is what actually talks
// to Twilio and Telnyx.
package messaging

import (
	"regexp"
	"strings"
)

var phoneDigitsRe = regexp.MustCompile(`\d+`)

// NormalizeE164 reduces a provider-formatted number to +<digits> form.
// Bare ten-digit US numbers gain the +1 country code. Values with no
// digits normalize to the empty string.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := strings.Join(phoneDigitsRe.FindAllString(value, -1), "")
	if digits == "" {
		return ""
	}
	if !strings.HasPrefix(value, "+") && len(digits) == 10 {
		digits = "1" + digits
	}
	return "+" + digits
}
