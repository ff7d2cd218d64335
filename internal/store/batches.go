package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// ClaimBatch creates the batch row for (date, cadence), or reopens it when the previous run
// for that pair failed. Any other existing row yields ErrBatchAlreadyProcessed. The unique
// constraint makes the claim safe under concurrent schedulers.
func (r *PostgresRepository) ClaimBatch(ctx context.Context, batch *domain.ScheduledPayoutBatch) error {
	var id string
	err := r.db.QueryRow(ctx, `
		INSERT INTO scheduled_payout_batches (
			id, scheduled_date, cadence, status, initiator, started_at, errors, session_ids
		) VALUES ($1, $2::date, $3, 'pending', $4, $5, '[]'::jsonb, '{}')
		ON CONFLICT (scheduled_date, cadence) DO UPDATE
		SET status = 'pending',
		    initiator = EXCLUDED.initiator,
		    started_at = EXCLUDED.started_at,
		    completed_at = NULL,
		    total_contractors = 0,
		    success_count = 0,
		    failure_count = 0,
		    skipped_count = 0,
		    approval_count = 0,
		    total_amount = 0,
		    success_amount = 0,
		    failed_amount = 0,
		    errors = '[]'::jsonb,
		    session_ids = '{}'
		WHERE scheduled_payout_batches.status = 'failed'
		RETURNING id
	`,
		batch.ID,
		batch.ScheduledDate.Format(time.DateOnly),
		string(batch.Cadence),
		batch.Initiator,
		batch.StartedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBatchAlreadyProcessed
		}
		return err
	}
	batch.ID = id
	batch.Status = domain.BatchStatusPending
	return nil
}

// UpdateBatch persists the batch counters, errors and status.
func (r *PostgresRepository) UpdateBatch(ctx context.Context, batch *domain.ScheduledPayoutBatch) error {
	batchErrors := batch.Errors
	if batchErrors == nil {
		batchErrors = []domain.BatchError{}
	}
	encoded, err := json.Marshal(batchErrors)
	if err != nil {
		return fmt.Errorf("encode batch errors: %w", err)
	}
	sessionIDs := batch.SessionIDs
	if sessionIDs == nil {
		sessionIDs = []string{}
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_payout_batches
		SET status = $2,
		    total_contractors = $3,
		    success_count = $4,
		    failure_count = $5,
		    skipped_count = $6,
		    approval_count = $7,
		    total_amount = $8,
		    success_amount = $9,
		    failed_amount = $10,
		    errors = $11::jsonb,
		    session_ids = $12,
		    completed_at = $13
		WHERE id = $1
	`,
		batch.ID,
		string(batch.Status),
		batch.TotalContractors,
		batch.SuccessCount,
		batch.FailureCount,
		batch.SkippedCount,
		batch.ApprovalCount,
		batch.TotalAmount,
		batch.SuccessAmount,
		batch.FailedAmount,
		string(encoded),
		sessionIDs,
		batch.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// GetBatch loads the batch for a date and cadence.
func (r *PostgresRepository) GetBatch(ctx context.Context, scheduledDate time.Time, cadence domain.Cadence) (*domain.ScheduledPayoutBatch, error) {
	var (
		batch     domain.ScheduledPayoutBatch
		cadenceDB string
		status    string
		rawErrors []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, scheduled_date, cadence, status, initiator, total_contractors, success_count,
		       failure_count, skipped_count, approval_count, total_amount, success_amount,
		       failed_amount, session_ids, errors, started_at, completed_at
		FROM scheduled_payout_batches
		WHERE scheduled_date = $1::date AND cadence = $2
	`, scheduledDate.Format(time.DateOnly), string(cadence)).Scan(
		&batch.ID,
		&batch.ScheduledDate,
		&cadenceDB,
		&status,
		&batch.Initiator,
		&batch.TotalContractors,
		&batch.SuccessCount,
		&batch.FailureCount,
		&batch.SkippedCount,
		&batch.ApprovalCount,
		&batch.TotalAmount,
		&batch.SuccessAmount,
		&batch.FailedAmount,
		&batch.SessionIDs,
		&rawErrors,
		&batch.StartedAt,
		&batch.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	batch.Cadence = domain.Cadence(cadenceDB)
	batch.Status = domain.BatchStatus(status)
	if len(rawErrors) > 0 {
		if err := json.Unmarshal(rawErrors, &batch.Errors); err != nil {
			return nil, fmt.Errorf("decode batch errors: %w", err)
		}
	}
	return &batch, nil
}
