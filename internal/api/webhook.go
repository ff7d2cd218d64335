/**
 * @description
 * Inbound payment gateway webhooks. The raw body is authenticated with HMAC-SHA256, known
 * event types are republished internally, and deliveries that cannot be dispatched are
 * parked in the retry queue so the gateway sees a 200 and stops redelivering.
 */
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/carelink/payout-service/internal/app"
	"github.com/carelink/payout-service/internal/domain"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBodyBytes = 1 << 20

// EventDispatcher republishes accepted gateway events.
type EventDispatcher interface {
	Dispatch(ctx context.Context, provider, eventID, eventType string, payload json.RawMessage) error
}

// RetryQueuer parks events that failed dispatch.
type RetryQueuer interface {
	QueueForRetry(ctx context.Context, event app.RetryEvent) (*domain.WebhookRetryRecord, error)
}

// WebhookHandler processes incoming gateway webhooks.
type WebhookHandler struct {
	dispatcher EventDispatcher
	retries    RetryQueuer
	secret     string
	logger     *slog.Logger
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(dispatcher EventDispatcher, retries RetryQueuer, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher, retries: retries, secret: secret, logger: logger}
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (h *WebhookHandler) HandleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidSignature(r.Header.Get("X-Gateway-Signature"), body) {
		h.logger.Warn("rejected webhook with invalid signature", "provider", provider)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || strings.TrimSpace(envelope.ID) == "" {
		http.Error(w, "Invalid webhook payload", http.StatusBadRequest)
		return
	}
	log := h.logger.With("provider", provider, "event_id", envelope.ID, "event_type", envelope.Type)

	err = h.dispatcher.Dispatch(r.Context(), provider, envelope.ID, envelope.Type, json.RawMessage(body))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Webhook received"))
		return
	case errors.Is(err, app.ErrUnhandledEventType):
		log.Info("ignoring unhandled webhook event type")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Webhook ignored"))
		return
	}

	log.Warn("webhook dispatch failed; queueing for retry", "error", err)
	if _, queueErr := h.retries.QueueForRetry(r.Context(), app.RetryEvent{
		Provider:  provider,
		EventID:   envelope.ID,
		EventType: envelope.Type,
		Payload:   json.RawMessage(body),
		Error:     err.Error(),
	}); queueErr != nil {
		log.Error("failed to queue webhook for retry", "error", queueErr)
		http.Error(w, "Internal server error during event processing", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook queued"))
}

// isValidSignature compares the hex HMAC-SHA256 of the raw body in constant time.
func (h *WebhookHandler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		h.logger.Warn("GATEWAY_WEBHOOK_SECRET is not set; skipping signature validation")
		return true
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signatureHeader), "sha256="))
	if err != nil || len(provided) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
