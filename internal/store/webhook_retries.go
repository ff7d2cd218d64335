package store

import (
	"context"
	"errors"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const webhookRetryColumns = `
	id, provider, event_id, event_type, payload, error_message, retry_count, status,
	next_retry_at, created_at, updated_at`

func scanWebhookRetry(row scanner) (*domain.WebhookRetryRecord, error) {
	var (
		rec     domain.WebhookRetryRecord
		status  string
		payload []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Provider,
		&rec.EventID,
		&rec.EventType,
		&payload,
		&rec.ErrorMessage,
		&rec.RetryCount,
		&status,
		&rec.NextRetryAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = domain.RetryStatus(status)
	rec.Payload = payload
	return &rec, nil
}

// EnqueueWebhookRetry inserts a pending record, reopens a completed one for the same event,
// or returns the live record already queued. created reports whether rec was written.
func (r *PostgresRepository) EnqueueWebhookRetry(ctx context.Context, rec *domain.WebhookRetryRecord) (*domain.WebhookRetryRecord, bool, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO webhook_retries (
			id, provider, event_id, event_type, payload, error_message, retry_count, status,
			next_retry_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, 'pending', $7, $8, $8)
		ON CONFLICT (provider, event_id) DO UPDATE
		SET event_type = EXCLUDED.event_type,
		    payload = EXCLUDED.payload,
		    error_message = EXCLUDED.error_message,
		    retry_count = 0,
		    status = 'pending',
		    next_retry_at = EXCLUDED.next_retry_at,
		    updated_at = EXCLUDED.updated_at
		WHERE webhook_retries.status = 'completed'
		RETURNING `+webhookRetryColumns,
		rec.ID,
		rec.Provider,
		rec.EventID,
		rec.EventType,
		[]byte(rec.Payload),
		rec.ErrorMessage,
		rec.NextRetryAt,
		rec.CreatedAt,
	)
	stored, err := scanWebhookRetry(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := scanWebhookRetry(r.db.QueryRow(ctx, `
		SELECT `+webhookRetryColumns+`
		FROM webhook_retries
		WHERE provider = $1 AND event_id = $2
	`, rec.Provider, rec.EventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrWebhookRetryNotFound
		}
		return nil, false, err
	}
	return existing, false, nil
}

// ListDueWebhookRetries returns pending records whose next attempt is due, oldest first.
func (r *PostgresRepository) ListDueWebhookRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]domain.WebhookRetryRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+webhookRetryColumns+`
		FROM webhook_retries
		WHERE status = 'pending'
		  AND retry_count < $2
		  AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $3
	`, now, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.WebhookRetryRecord
	for rows.Next() {
		rec, err := scanWebhookRetry(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ClaimDueWebhookRetries leases due pending records to one worker by pushing next_retry_at
// to leaseUntil. Rows locked by another worker are skipped, so concurrent drains never
// receive the same record.
func (r *PostgresRepository) ClaimDueWebhookRetries(ctx context.Context, now, leaseUntil time.Time, maxRetries, limit int) ([]domain.WebhookRetryRecord, error) {
	rows, err := r.db.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM webhook_retries
			WHERE status = 'pending'
			  AND retry_count < $3
			  AND next_retry_at <= $1
			ORDER BY next_retry_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_retries w
		SET next_retry_at = $2, updated_at = $1
		FROM due
		WHERE w.id = due.id
		RETURNING `+qualifiedRetryColumns("w"),
		now, leaseUntil, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.WebhookRetryRecord
	for rows.Next() {
		rec, err := scanWebhookRetry(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetWebhookRetry loads one retry record.
func (r *PostgresRepository) GetWebhookRetry(ctx context.Context, id string) (*domain.WebhookRetryRecord, error) {
	rec, err := scanWebhookRetry(r.db.QueryRow(ctx, `SELECT `+webhookRetryColumns+` FROM webhook_retries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookRetryNotFound
		}
		return nil, err
	}
	return rec, nil
}

// CompleteWebhookRetry marks a pending record completed. A record that is no longer pending
// is returned unchanged.
func (r *PostgresRepository) CompleteWebhookRetry(ctx context.Context, id string, now time.Time) (*domain.WebhookRetryRecord, error) {
	rec, err := scanWebhookRetry(r.db.QueryRow(ctx, `
		UPDATE webhook_retries
		SET status = 'completed', next_retry_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+webhookRetryColumns,
		id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return r.GetWebhookRetry(ctx, id)
	}
	return rec, err
}

// RecordWebhookRetryFailure counts one failed attempt, but only while the record is still
// pending at expectedRetryCount. Otherwise the attempt was already counted and
// ErrWebhookRetryConflict is returned. A nil nextRetryAt makes the failure terminal.
func (r *PostgresRepository) RecordWebhookRetryFailure(ctx context.Context, id string, expectedRetryCount int, errorMessage string, nextRetryAt *time.Time, now time.Time) (*domain.WebhookRetryRecord, error) {
	rec, err := scanWebhookRetry(r.db.QueryRow(ctx, `
		UPDATE webhook_retries
		SET retry_count = retry_count + 1,
		    status = CASE WHEN $4::timestamptz IS NULL THEN 'failed' ELSE 'pending' END,
		    next_retry_at = $4,
		    error_message = $3,
		    updated_at = $5
		WHERE id = $1 AND status = 'pending' AND retry_count = $2
		RETURNING `+webhookRetryColumns,
		id, expectedRetryCount, errorMessage, nextRetryAt, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWebhookRetryConflict
	}
	return rec, err
}

func qualifiedRetryColumns(alias string) string {
	return alias + ".id, " + alias + ".provider, " + alias + ".event_id, " + alias + ".event_type, " +
		alias + ".payload, " + alias + ".error_message, " + alias + ".retry_count, " + alias + ".status, " +
		alias + ".next_retry_at, " + alias + ".created_at, " + alias + ".updated_at"
}
