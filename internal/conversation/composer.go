package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nevermiss-ai/textback-platform/internal/directory"
	"github.com/nevermiss-ai/textback-platform/internal/messaging/templates"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Compose sources reported to metrics.
const (
	ComposeSourceTemplate = "template"
	ComposeSourceAI       = "ai"
	ComposeSourceFallback = "fallback"
)

const (
	defaultGreetingTemplate = "Sorry we missed your call! This is {{.BusinessName}}. Reply here and we'll get you scheduled. Reply STOP to opt out."
	defaultHelpTemplate     = "You're texting with {{.BusinessName}}. Reply with what you need and we'll respond here. Reply STOP to opt out."
	genericAckBody          = "Got it, thanks! We'll be right with you."

	// Carriers reject concatenated bodies past this length.
	maxSMSBodyLen = 1600

	defaultComposeDeadline = 3500 * time.Millisecond
)

// ComposeInput carries everything a composer may draw on. Prices and
// durations come exclusively from Catalog; composers must not invent them.
type ComposeInput struct {
	Tenant       *directory.Tenant
	Catalog      []directory.ServiceItem
	CallerPhone  string
	Trigger      string
	InboundBody  string
	Transcript   []TranscriptEntry
	FirstContact bool
}

// ComposeResult is the reply body plus which path produced it.
type ComposeResult struct {
	Body   string
	Source string
}

// Composer produces the outbound reply text for a conversation turn.
type Composer interface {
	Compose(ctx context.Context, in ComposeInput) (ComposeResult, error)
}

// TemplateComposer renders tenant-configured templates. It is the default
// composer and the fallback when the AI path fails.
type TemplateComposer struct {
	renderer templates.Renderer
}

func NewTemplateComposer() *TemplateComposer { return &TemplateComposer{} }

func (c *TemplateComposer) Compose(_ context.Context, in ComposeInput) (ComposeResult, error) {
	if in.FirstContact {
		body, err := c.renderGreeting(in)
		if err != nil {
			return ComposeResult{}, err
		}
		return ComposeResult{Body: body, Source: ComposeSourceTemplate}, nil
	}
	return ComposeResult{Body: genericAckBody, Source: ComposeSourceTemplate}, nil
}

func (c *TemplateComposer) renderGreeting(in ComposeInput) (string, error) {
	tmpl := defaultGreetingTemplate
	if in.Tenant != nil && strings.TrimSpace(in.Tenant.GreetingTemplate) != "" {
		tmpl = in.Tenant.GreetingTemplate
	}
	body, err := c.renderer.Render("greeting", tmpl, templateData(in.Tenant, in.CallerPhone))
	if err != nil {
		return "", fmt.Errorf("conversation: render greeting: %w", err)
	}
	return body, nil
}

// RenderHelp renders the tenant's HELP response.
func (c *TemplateComposer) RenderHelp(tenant *directory.Tenant, callerPhone string) (string, error) {
	tmpl := defaultHelpTemplate
	if tenant != nil && strings.TrimSpace(tenant.HelpTemplate) != "" {
		tmpl = tenant.HelpTemplate
	}
	body, err := c.renderer.Render("help", tmpl, templateData(tenant, callerPhone))
	if err != nil {
		return "", fmt.Errorf("conversation: render help: %w", err)
	}
	return body, nil
}

func templateData(tenant *directory.Tenant, callerPhone string) map[string]string {
	name := "our team"
	if tenant != nil && strings.TrimSpace(tenant.Name) != "" {
		name = tenant.Name
	}
	return map[string]string{
		"BusinessName": name,
		"CallerPhone":  callerPhone,
	}
}

// AIComposer drafts replies with an LLM under a hard deadline and falls
// back to templates on any failure. Greetings with no inbound text to
// answer stay on the template path.
type AIComposer struct {
	llm      LLMClient
	model    string
	deadline time.Duration
	fallback *TemplateComposer
	logger   *logging.Logger
}

// AIComposerConfig configures NewAIComposer. Deadline zero means the
// 3.5 second default.
type AIComposerConfig struct {
	Client   LLMClient
	Model    string
	Deadline time.Duration
	Logger   *logging.Logger
}

func NewAIComposer(cfg AIComposerConfig) *AIComposer {
	if cfg.Client == nil {
		panic("conversation: llm client cannot be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		panic("conversation: llm model cannot be empty")
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = defaultComposeDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &AIComposer{
		llm:      cfg.Client,
		model:    cfg.Model,
		deadline: deadline,
		fallback: NewTemplateComposer(),
		logger:   logger,
	}
}

func (c *AIComposer) Compose(ctx context.Context, in ComposeInput) (ComposeResult, error) {
	if strings.TrimSpace(in.InboundBody) == "" {
		return c.fallback.Compose(ctx, in)
	}

	llmCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	resp, err := c.llm.Complete(llmCtx, LLMRequest{
		Model:       c.model,
		System:      []string{c.systemPrompt(in)},
		Messages:    buildChatHistory(in),
		MaxTokens:   300,
		Temperature: 0.4,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		c.logger.Warn("ai compose failed, using template",
			"error", errString(err),
			"trigger", in.Trigger)
		res, ferr := c.fallback.Compose(ctx, in)
		if ferr != nil {
			return ComposeResult{}, ferr
		}
		res.Source = ComposeSourceFallback
		return res, nil
	}

	body := strings.TrimSpace(resp.Text)
	if len(body) > maxSMSBodyLen {
		body = body[:maxSMSBodyLen]
	}
	return ComposeResult{Body: body, Source: ComposeSourceAI}, nil
}

func (c *AIComposer) systemPrompt(in ComposeInput) string {
	var b strings.Builder
	name := "the business"
	if in.Tenant != nil && strings.TrimSpace(in.Tenant.Name) != "" {
		name = in.Tenant.Name
	}
	fmt.Fprintf(&b, "You are the SMS assistant for %s, replying to a customer who called or texted.\n", name)
	b.WriteString("Keep replies under two sentences and suitable for SMS. ")
	b.WriteString("Offer to book an appointment when the customer shows interest.\n")

	if len(in.Catalog) > 0 {
		b.WriteString("\nServices offered (the only prices and durations you may quote):\n")
		for _, item := range in.Catalog {
			if !item.Active {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s, %d minutes\n", item.Name, formatPrice(item.PriceCents, item.Currency), item.DurationMinutes)
		}
	}
	b.WriteString("\nNever invent prices, durations, or services that are not listed above. ")
	b.WriteString("If asked about something not listed, say a team member will follow up.")
	return b.String()
}

// buildChatHistory maps the cached transcript plus the latest inbound body
// onto chat roles. The latest inbound is always the final user message.
func buildChatHistory(in ComposeInput) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(in.Transcript)+1)
	for _, entry := range in.Transcript {
		role := ChatRoleUser
		if entry.Direction == DirectionOut {
			role = ChatRoleAssistant
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: entry.Body})
	}
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == ChatRoleUser && msgs[len(msgs)-1].Content == in.InboundBody {
		return msgs
	}
	return append(msgs, ChatMessage{Role: ChatRoleUser, Content: in.InboundBody})
}

func formatPrice(cents int64, currency string) string {
	if currency == "" || strings.EqualFold(currency, "USD") {
		return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
	}
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}

func errString(err error) string {
	if err == nil {
		return "empty completion"
	}
	return err.Error()
}
