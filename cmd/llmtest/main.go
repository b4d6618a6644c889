package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/nevermiss-ai/textback-platform/internal/app/bootstrap"
	appconfig "github.com/nevermiss-ai/textback-platform/internal/config"
	"github.com/nevermiss-ai/textback-platform/internal/conversation"
	"github.com/nevermiss-ai/textback-platform/internal/directory"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Manual smoke test for the reply composer chain. Builds whatever the
// environment configures (Bedrock primary, Gemini fallback, or templates
// only) and runs a missed-call greeting plus an inbound follow-up through
// it, printing the reply and which path produced it.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	composer, err := bootstrap.BuildComposer(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build composer: %v\n", err)
		os.Exit(1)
	}

	tenant := &directory.Tenant{
		Name:     "Shear Bliss Salon",
		Timezone: "America/New_York",
	}
	catalog := []directory.ServiceItem{
		{Name: "Haircut", DurationMinutes: 30, PriceCents: 4500, Currency: "USD", Active: true},
		{Name: "Color & Highlights", DurationMinutes: 90, PriceCents: 14000, Currency: "USD", Active: true},
	}

	fmt.Println("composer smoke test")
	fmt.Printf("  bedrock model: %q\n", cfg.BedrockModelID)
	fmt.Printf("  gemini model:  %q (key set: %t)\n", cfg.GeminiModelID, cfg.GeminiAPIKey != "")
	fmt.Println()

	runs := []struct {
		label string
		input conversation.ComposeInput
	}{
		{
			label: "missed-call greeting",
			input: conversation.ComposeInput{
				Tenant:       tenant,
				Catalog:      catalog,
				CallerPhone:  "+14045550101",
				Trigger:      conversation.TriggerMissedCall,
				FirstContact: true,
			},
		},
		{
			label: "inbound follow-up",
			input: conversation.ComposeInput{
				Tenant:      tenant,
				Catalog:     catalog,
				CallerPhone: "+14045550101",
				Trigger:     conversation.TriggerInboundSMS,
				InboundBody: "How much is a haircut and do you have anything Thursday afternoon?",
				Transcript: []conversation.TranscriptEntry{
					{Direction: "outbound", Body: "Sorry we missed your call! This is Shear Bliss Salon. Reply here and we'll get you scheduled."},
				},
			},
		},
	}

	for _, run := range runs {
		start := time.Now()
		result, err := composer.Compose(ctx, run.input)
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			fmt.Printf("[%s] error after %v: %v\n\n", run.label, elapsed, err)
			continue
		}
		fmt.Printf("[%s] source=%s elapsed=%v\n  %s\n\n", run.label, result.Source, elapsed, result.Body)
	}
}
