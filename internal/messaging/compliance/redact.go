package compliance

import (
	"regexp"
	"strings"
)

// Runs of 13 to 19 digits, optionally separated by spaces or hyphens, are
// candidate card numbers. Luhn decides which candidates actually get masked.
var cardCandidateRE = regexp.MustCompile(`(?:\d[ -]?){13,19}`)

// RedactCardNumbers masks payment card numbers in an SMS body so the stored
// and archived copy never carries a full PAN. The last four digits survive
// for support lookups. The second return reports whether anything was masked.
func RedactCardNumbers(body string) (string, bool) {
	if !strings.ContainsAny(body, "0123456789") {
		return body, false
	}
	masked := false
	out := cardCandidateRE.ReplaceAllStringFunc(body, func(candidate string) string {
		digits := stripSeparators(candidate)
		if len(digits) < 13 || len(digits) > 19 || !luhnOK(digits) {
			return candidate
		}
		masked = true
		return "[card ****" + digits[len(digits)-4:] + "]"
	})
	if !masked {
		return body, false
	}
	return out, true
}

func stripSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func luhnOK(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if n < 0 || n > 9 {
			return false
		}
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}
