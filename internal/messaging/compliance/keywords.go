// Package compliance holds the message-content rules the engine applies to
// every inbound and outbound SMS: carrier keywords, quiet hours, and body
// redaction.
package compliance

import "strings"

// Keyword classifies an inbound body under carrier keyword rules.
type Keyword int

const (
	KeywordNone Keyword = iota
	KeywordStop
	KeywordHelp
)

var stopWords = map[string]struct{}{
	"stop":        {},
	"stopall":     {},
	"unsubscribe": {},
	"cancel":      {},
	"end":         {},
	"quit":        {},
}

var helpWords = map[string]struct{}{
	"help": {},
	"info": {},
}

// DetectKeyword matches the way carriers do: the keyword must be the whole
// message, ignoring case, surrounding whitespace, and trailing punctuation.
// "STOP." opts out; "please stop texting me" is ordinary inbound text.
func DetectKeyword(body string) Keyword {
	token := strings.ToLower(strings.TrimSpace(body))
	token = strings.TrimRight(token, ".!?,")
	token = strings.TrimSpace(token)
	if _, ok := stopWords[token]; ok {
		return KeywordStop
	}
	if _, ok := helpWords[token]; ok {
		return KeywordHelp
	}
	return KeywordNone
}
