package bootstrap

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/nevermiss-ai/textback-platform/internal/config"
	"github.com/nevermiss-ai/textback-platform/internal/conversation"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// BuildComposer wires the reply composer from config. With a Bedrock model
// configured it becomes the primary LLM and Gemini the fallback; with only a
// Gemini key the roles collapse to Gemini alone. Without either the engine
// runs on templates, which is the normal development setup.
func BuildComposer(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (conversation.Composer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	bedrockModel := strings.TrimSpace(cfg.BedrockModelID)
	geminiKey := strings.TrimSpace(cfg.GeminiAPIKey)
	if bedrockModel == "" && geminiKey == "" {
		logger.Warn("no LLM configured; using template composer")
		return conversation.NewTemplateComposer(), nil
	}

	var geminiClient conversation.LLMClient
	if geminiKey != "" {
		client, err := conversation.NewGeminiLLMClient(ctx, geminiKey, cfg.GeminiModelID)
		if err != nil {
			logger.Warn("gemini client unavailable", "error", err)
		} else {
			geminiClient = client
		}
	}

	var primary conversation.LLMClient
	model := cfg.GeminiModelID
	if bedrockModel != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		primary = conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
		model = bedrockModel
		if geminiClient != nil {
			primary = conversation.NewFallbackLLMClient(primary, geminiClient, logger)
		}
	} else {
		primary = geminiClient
	}
	if primary == nil {
		logger.Warn("no usable LLM client; using template composer")
		return conversation.NewTemplateComposer(), nil
	}

	logger.Info("using AI composer", "model", model, "deadline", cfg.AIComposeDeadline.String())
	return conversation.NewAIComposer(conversation.AIComposerConfig{
		Client:   primary,
		Model:    model,
		Deadline: cfg.AIComposeDeadline,
		Logger:   logger,
	}), nil
}
