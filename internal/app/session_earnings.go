package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/carelink/payout-service/internal/store"
	"github.com/shopspring/decimal"
)

// SessionEarningsStore stores the computed split on a closed session.
type SessionEarningsStore interface {
	RecordSessionEarnings(ctx context.Context, sessionID string, hours decimal.Decimal, earnings domain.SessionEarnings) error
}

// SessionClosedEvent is published by time tracking when a caregiver clocks out.
type SessionClosedEvent struct {
	SessionID          string          `json:"session_id"`
	Hours              decimal.Decimal `json:"hours"`
	HasReferral        bool            `json:"has_referral"`
	HasTrainingPartner bool            `json:"has_training_partner"`
}

// SessionEarningsRecorder prices closed sessions with the RateEngine.
type SessionEarningsRecorder struct {
	rates   *RateEngine
	store   SessionEarningsStore
	logger  *slog.Logger
	timeout time.Duration
}

func NewSessionEarningsRecorder(rates *RateEngine, store SessionEarningsStore, logger *slog.Logger) *SessionEarningsRecorder {
	return &SessionEarningsRecorder{rates: rates, store: store, logger: logger, timeout: 15 * time.Second}
}

// HandleSessionClosed returns false only for transient failures so the delivery is requeued.
func (r *SessionEarningsRecorder) HandleSessionClosed(body []byte) bool {
	var event SessionClosedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		r.logger.Warn("dropping malformed session event", "error", err)
		return true
	}
	if strings.TrimSpace(event.SessionID) == "" {
		r.logger.Warn("dropping session event without session id")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.Record(ctx, event); err != nil {
		switch {
		case errors.Is(err, ErrNegativeHours),
			errors.Is(err, store.ErrSessionNotFound),
			errors.Is(err, store.ErrSessionsAlreadyPaid):
			r.logger.Warn("dropping session event", "session_id", event.SessionID, "error", err)
			return true
		default:
			r.logger.Error("failed to record session earnings", "session_id", event.SessionID, "error", err)
			return false
		}
	}
	return true
}

// Record computes and stores the earnings split for one session.
func (r *SessionEarningsRecorder) Record(ctx context.Context, event SessionClosedEvent) error {
	breakdown, err := r.rates.Calculate(event.Hours, event.HasReferral, event.HasTrainingPartner)
	if err != nil {
		return err
	}
	if err := r.store.RecordSessionEarnings(ctx, event.SessionID, breakdown.Hours, breakdown.Earnings()); err != nil {
		return err
	}
	r.logger.Info("session earnings recorded",
		"session_id", event.SessionID,
		"hours", breakdown.Hours.String(),
		"payee_earnings", breakdown.Payee.Total.String(),
		"client_total", breakdown.Client.Total.String(),
	)
	return nil
}
