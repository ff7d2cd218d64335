/**
 * @description
 * HTTP router setup for the payout service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers payout routes.
func NewRouter(h *Handler, webhooks *WebhookHandler, internalKey string, admin AdminAuthConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Payout service is healthy"))
	})

	r.Post("/webhooks/{provider}", webhooks.HandleGatewayWebhook)

	r.Route("/internal/payouts", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/compliance/run", h.handleRunComplianceBatch)
		r.Post("/contractors/{contractorID}/compliance", h.handleRunComplianceCheck)
		r.Get("/contractors/{contractorID}/compliance", h.handleGetCompliance)
		r.Get("/contractors/{contractorID}/schedule", h.handleGetPayoutSchedule)
		r.Post("/contractors/{contractorID}/payouts", h.handleProcessContractorPayout)
		r.Get("/contractors/{contractorID}/payouts", h.handleListPayouts)
		r.Post("/scheduled/{cadence}/run", h.handleProcessScheduledPayouts)
		r.Get("/affiliates/{affiliateID}/tier", h.handleGetAffiliateTier)
		r.Post("/webhook-retries", h.handleQueueWebhookRetry)
		r.Get("/webhook-retries", h.handleListPendingRetries)
	})

	r.Route("/admin/payouts", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(admin))
		r.Post("/contractors/{contractorID}", h.handleAdminPayout)
	})

	return r
}
