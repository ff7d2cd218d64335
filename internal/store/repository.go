/**
 * @description
 * Postgres data access layer for the payout service. One repository type backs every
 * port the app layer declares: contractor and session reads, payout settlement, batches,
 * compliance snapshots, referral counts and the webhook retry queue.
 */
package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrContractorNotFound        = errors.New("contractor not found")
	ErrSessionNotFound           = errors.New("work session not found")
	ErrSessionsAlreadyPaid       = errors.New("one or more work sessions are already paid")
	ErrPayoutTransactionNotFound = errors.New("payout transaction not found")
	ErrPayoutInProgress          = errors.New("a payout for this session set is already in progress")
	ErrInvalidPayoutTransition   = errors.New("payout transaction is not in processing state")
	ErrBatchAlreadyProcessed     = errors.New("batch already processed for this date and cadence")
	ErrBatchNotFound             = errors.New("scheduled payout batch not found")
	ErrComplianceResultNotFound  = errors.New("compliance result not found")
	ErrWebhookRetryNotFound      = errors.New("webhook retry record not found")
	ErrWebhookRetryConflict      = errors.New("webhook retry record changed since it was read")
)

// PostgresRepository implements the app repository ports on a pgx pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
