package conversation

import "context"

// Chat roles used when assembling transcript history for a model call.
const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatMessage is one turn of a conversation as presented to the model.
// Message direction maps to a role: inbound SMS become user turns,
// queued replies become assistant turns.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage reports what a completion cost, when the provider exposes it.
type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// LLMRequest describes a single draft-reply completion. Zero-valued
// sampling knobs are left to the provider's defaults.
type LLMRequest struct {
	Model       string
	System      []string
	Messages    []ChatMessage
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// LLMResponse carries the drafted text plus provider accounting.
type LLMResponse struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// LLMClient is implemented by each model provider. Complete must honor
// ctx deadlines; the composer runs with a hard budget so a slow model
// degrades to a template reply instead of stalling the first SMS.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}
