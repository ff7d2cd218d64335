/**
 * @description
 * Scheduled job implementations: cadence payout batches, the nightly compliance battery
 * and the webhook retry drain.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/carelink/payout-service/internal/domain"
)

// SchedulerInitiator is recorded as the initiator of cron-driven batches.
const SchedulerInitiator = "scheduler"

// ScheduledPayoutRunner runs one cadence batch.
type ScheduledPayoutRunner interface {
	ProcessScheduledPayouts(ctx context.Context, cadence domain.Cadence, initiator string) BatchResult
}

// ComplianceBatchRunner runs the compliance battery over all active contractors.
type ComplianceBatchRunner interface {
	RunBatch(ctx context.Context) (BatchComplianceResult, error)
}

// RetryQueue is the read/write API of the webhook retry queue.
type RetryQueue interface {
	ClaimPendingRetries(ctx context.Context, limit int) ([]domain.WebhookRetryRecord, error)
	MarkSuccess(ctx context.Context, id string) (*domain.WebhookRetryRecord, error)
	MarkFailed(ctx context.Context, id string, attemptedRetryCount int, errorMessage string) (*domain.WebhookRetryRecord, error)
}

// EventDispatcher re-dispatches a stored gateway event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, provider, eventID, eventType string, payload json.RawMessage) error
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	payouts        ScheduledPayoutRunner
	compliance     ComplianceBatchRunner
	retries        RetryQueue
	dispatcher     EventDispatcher
	logger         *slog.Logger
	retryBatchSize int
}

// NewJobs creates a new Jobs runner.
func NewJobs(payouts ScheduledPayoutRunner, compliance ComplianceBatchRunner, retries RetryQueue, dispatcher EventDispatcher, logger *slog.Logger, retryBatchSize int) *Jobs {
	if retryBatchSize <= 0 {
		retryBatchSize = 50
	}
	return &Jobs{
		payouts:        payouts,
		compliance:     compliance,
		retries:        retries,
		dispatcher:     dispatcher,
		logger:         logger,
		retryBatchSize: retryBatchSize,
	}
}

func (j *Jobs) RunWeeklyPayouts()   { j.runScheduledPayouts(domain.CadenceWeekly) }
func (j *Jobs) RunBiweeklyPayouts() { j.runScheduledPayouts(domain.CadenceBiweekly) }
func (j *Jobs) RunMonthlyPayouts()  { j.runScheduledPayouts(domain.CadenceMonthly) }

func (j *Jobs) runScheduledPayouts(cadence domain.Cadence) {
	j.logger.Info("starting scheduled payout job", "cadence", cadence)
	result := j.payouts.ProcessScheduledPayouts(context.Background(), cadence, SchedulerInitiator)

	switch {
	case result.AlreadyProcessed:
		j.logger.Info("scheduled payout job skipped; batch already processed", "cadence", cadence)
	case !result.Success:
		j.logger.Error("scheduled payout job failed", "cadence", cadence, "batch_id", result.BatchID, "message", result.Message, "failed", result.Failed)
	default:
		j.logger.Info("scheduled payout job finished",
			"cadence", cadence,
			"batch_id", result.BatchID,
			"status", result.Status,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"skipped", result.Skipped,
		)
	}
}

// RunComplianceChecks refreshes compliance snapshots for every active contractor.
func (j *Jobs) RunComplianceChecks() {
	j.logger.Info("starting compliance check job")

	summary, err := j.compliance.RunBatch(context.Background())
	if err != nil {
		j.logger.Error("compliance check job failed", "error", err)
		return
	}

	j.logger.Info("compliance check job finished",
		"checked", summary.Checked,
		"passed", summary.Passed,
		"failed", summary.Failed,
		"errored", summary.Errored,
	)
}

// ProcessWebhookRetries re-dispatches due webhook events and records each outcome.
func (j *Jobs) ProcessWebhookRetries() {
	j.logger.Info("starting webhook retry job")
	ctx := context.Background()

	records, err := j.retries.ClaimPendingRetries(ctx, j.retryBatchSize)
	if err != nil {
		j.logger.Error("failed to load pending webhook retries", "error", err)
		return
	}
	if len(records) == 0 {
		j.logger.Info("no webhook retries due")
		return
	}

	for _, rec := range records {
		err := j.dispatcher.Dispatch(ctx, rec.Provider, rec.EventID, rec.EventType, rec.Payload)
		if errors.Is(err, ErrUnhandledEventType) {
			j.logger.Warn("dropping webhook retry with unhandled event type", "retry_id", rec.ID, "event_type", rec.EventType)
			err = nil
		}
		if err != nil {
			j.logger.Warn("webhook retry failed", "retry_id", rec.ID, "event_id", rec.EventID, "attempt", rec.RetryCount+1, "error", err)
			if _, markErr := j.retries.MarkFailed(ctx, rec.ID, rec.RetryCount, err.Error()); markErr != nil {
				j.logger.Error("failed to record webhook retry failure", "retry_id", rec.ID, "error", markErr)
			}
			continue
		}
		if _, markErr := j.retries.MarkSuccess(ctx, rec.ID); markErr != nil {
			j.logger.Error("failed to record webhook retry success", "retry_id", rec.ID, "error", markErr)
		}
	}

	j.logger.Info("webhook retry job finished", "processed", len(records))
}
