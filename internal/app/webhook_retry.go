package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/carelink/payout-service/internal/store"
	"github.com/google/uuid"
)

// WebhookRetryRepository persists failed inbound events.
type WebhookRetryRepository interface {
	EnqueueWebhookRetry(ctx context.Context, rec *domain.WebhookRetryRecord) (*domain.WebhookRetryRecord, bool, error)
	ListDueWebhookRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]domain.WebhookRetryRecord, error)
	ClaimDueWebhookRetries(ctx context.Context, now, leaseUntil time.Time, maxRetries, limit int) ([]domain.WebhookRetryRecord, error)
	GetWebhookRetry(ctx context.Context, id string) (*domain.WebhookRetryRecord, error)
	CompleteWebhookRetry(ctx context.Context, id string, now time.Time) (*domain.WebhookRetryRecord, error)
	RecordWebhookRetryFailure(ctx context.Context, id string, expectedRetryCount int, errorMessage string, nextRetryAt *time.Time, now time.Time) (*domain.WebhookRetryRecord, error)
}

// RetryConfig bounds webhook retries. ClaimLease is how long a claimed record stays
// invisible to other workers before it can be claimed again.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	ClaimLease time.Duration
}

// DefaultRetryConfig gives five attempts at 1, 2, 4, 8 and 16 minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, BaseDelay: time.Minute, ClaimLease: 5 * time.Minute}
}

// Delay is the wait after the given failed attempt (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.BaseDelay * time.Duration(1<<(attempt-1))
}

// RetryEvent is a failed inbound delivery to queue.
type RetryEvent struct {
	Provider  string          `json:"provider"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
}

// WebhookRetryQueue schedules failed inbound events for re-dispatch with exponential backoff.
type WebhookRetryQueue struct {
	repo   WebhookRetryRepository
	cfg    RetryConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewWebhookRetryQueue(repo WebhookRetryRepository, cfg RetryConfig, logger *slog.Logger) *WebhookRetryQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Minute
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	return &WebhookRetryQueue{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

// QueueForRetry stores a failed event. An event already queued and not completed is
// returned as is.
func (q *WebhookRetryQueue) QueueForRetry(ctx context.Context, event RetryEvent) (*domain.WebhookRetryRecord, error) {
	if strings.TrimSpace(event.Provider) == "" || strings.TrimSpace(event.EventID) == "" {
		return nil, fmt.Errorf("provider and event id are required")
	}
	now := q.now().UTC()
	next := now.Add(q.cfg.BaseDelay)
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	rec, created, err := q.repo.EnqueueWebhookRetry(ctx, &domain.WebhookRetryRecord{
		ID:           uuid.NewString(),
		Provider:     event.Provider,
		EventID:      event.EventID,
		EventType:    event.EventType,
		Payload:      payload,
		ErrorMessage: event.Error,
		Status:       domain.RetryStatusPending,
		NextRetryAt:  &next,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("queue webhook retry: %w", err)
	}
	if created {
		q.logger.Warn("webhook event queued for retry", "provider", event.Provider, "event_id", event.EventID, "event_type", event.EventType, "error", event.Error)
	} else {
		q.logger.Info("webhook event already queued", "provider", event.Provider, "event_id", event.EventID, "retry_id", rec.ID, "status", rec.Status)
	}
	return rec, nil
}

// GetPendingRetries lists due records, oldest next_retry_at first, without claiming them.
func (q *WebhookRetryQueue) GetPendingRetries(ctx context.Context, limit int) ([]domain.WebhookRetryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.repo.ListDueWebhookRetries(ctx, q.now().UTC(), q.cfg.MaxRetries, limit)
}

// ClaimPendingRetries leases due records to the caller for ClaimLease. Another worker
// draining at the same time does not see them.
func (q *WebhookRetryQueue) ClaimPendingRetries(ctx context.Context, limit int) ([]domain.WebhookRetryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	now := q.now().UTC()
	return q.repo.ClaimDueWebhookRetries(ctx, now, now.Add(q.cfg.ClaimLease), q.cfg.MaxRetries, limit)
}

// MarkSuccess completes a record. Records that are no longer pending are returned unchanged.
func (q *WebhookRetryQueue) MarkSuccess(ctx context.Context, id string) (*domain.WebhookRetryRecord, error) {
	return q.repo.CompleteWebhookRetry(ctx, id, q.now().UTC())
}

// MarkFailed counts the failed attempt made on a record read at attemptedRetryCount.
// At MaxRetries the record becomes terminally failed; before that the next attempt is
// scheduled BaseDelay * 2^(count-1) from now. When the record has moved on since it was
// read, the attempt is not counted again and the current record is returned.
func (q *WebhookRetryQueue) MarkFailed(ctx context.Context, id string, attemptedRetryCount int, errorMessage string) (*domain.WebhookRetryRecord, error) {
	now := q.now().UTC()
	count := attemptedRetryCount + 1
	var next *time.Time
	if count < q.cfg.MaxRetries {
		at := now.Add(q.cfg.Delay(count))
		next = &at
	}

	rec, err := q.repo.RecordWebhookRetryFailure(ctx, id, attemptedRetryCount, errorMessage, next, now)
	if errors.Is(err, store.ErrWebhookRetryConflict) {
		q.logger.Info("webhook retry already updated; failure not counted twice", "retry_id", id, "attempted_retry_count", attemptedRetryCount)
		return q.repo.GetWebhookRetry(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.RetryStatusFailed {
		q.logger.Error("webhook event permanently failed; manual intervention required",
			"provider", rec.Provider, "event_id", rec.EventID, "retries", rec.RetryCount, "error", errorMessage)
	}
	return rec, nil
}
