package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nevermiss-ai/textback-platform/internal/http/handlers"
	httpmiddleware "github.com/nevermiss-ai/textback-platform/internal/http/middleware"
	"github.com/nevermiss-ai/textback-platform/internal/livefeed"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	TwilioWebhooks     *handlers.TwilioWebhookHandler
	CalendarWebhooks   *handlers.CalendarWebhookHandler
	SchedulingAPI      *handlers.SchedulingAPIHandler
	AdminCompliance    *handlers.AdminComplianceHandler
	AdminConversations *handlers.AdminConversationHandler
	AdminOps           *handlers.AdminOpsHandler
	LiveFeed           *livefeed.Feed
	AdminAuthSecret    string
	InternalServiceKey string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	WebhookRateLimit   float64
	WebhookRateBurst   int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", handleHealth)
		public.Route("/webhooks", func(hooks chi.Router) {
			if cfg.WebhookRateLimit > 0 {
				hooks.Use(httpmiddleware.RateLimit(cfg.WebhookRateLimit, cfg.WebhookRateBurst))
			}
			if cfg.TwilioWebhooks != nil {
				hooks.Route("/twilio", func(r chi.Router) {
					r.Post("/voice", cfg.TwilioWebhooks.HandleVoiceStatus)
					r.Post("/sms", cfg.TwilioWebhooks.HandleInboundSms)
					r.Post("/status", cfg.TwilioWebhooks.HandleDeliveryStatus)
				})
			}
			if cfg.CalendarWebhooks != nil {
				hooks.Route("/calendar", func(r chi.Router) {
					r.Post("/google", cfg.CalendarWebhooks.HandleGooglePush)
					r.Post("/jobber", cfg.CalendarWebhooks.HandleJobberWebhook)
				})
			}
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Admin routes (protected by JWT or the internal service key)
	if cfg.AdminAuthSecret != "" || cfg.InternalServiceKey != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminAuth(cfg.AdminAuthSecret, cfg.InternalServiceKey))
			if cfg.AdminCompliance != nil {
				admin.Route("/compliance/{tenantID}", func(r chi.Router) {
					r.Get("/", cfg.AdminCompliance.GetStatus)
					r.Patch("/", cfg.AdminCompliance.SetStatus)
				})
			}
			if cfg.AdminOps != nil {
				admin.Get("/failures", cfg.AdminOps.ListFailures)
				admin.Get("/kpi/{tenantID}", cfg.AdminOps.Kpi)
			}
			if cfg.AdminConversations != nil {
				admin.Route("/conversations/{tenantID}", func(r chi.Router) {
					r.Get("/", cfg.AdminConversations.List)
					r.Route("/{conversationID}", func(r chi.Router) {
						r.Get("/", cfg.AdminConversations.Get)
						r.Post("/takeover", cfg.AdminConversations.Takeover)
						r.Post("/release", cfg.AdminConversations.Release)
						r.Post("/close", cfg.AdminConversations.Close)
						if cfg.LiveFeed != nil {
							r.Get("/stream", cfg.LiveFeed.ServeConversation)
						}
					})
				})
			}
		})
	}

	// Tenant-scoped API routes
	if cfg.SchedulingAPI != nil {
		r.Route("/api/v1", func(tenant chi.Router) {
			tenant.Use(requireOrgID)

			tenant.Post("/availability/search", cfg.SchedulingAPI.Search)
			tenant.Post("/holds", cfg.SchedulingAPI.CreateHold)
			tenant.Route("/appointments", func(r chi.Router) {
				r.Post("/", cfg.SchedulingAPI.BookAppointment)
				r.Delete("/{appointmentID}", cfg.SchedulingAPI.CancelAppointment)
			})
		})
	}

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
