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

// CompletePayoutParams carries everything settled atomically after a successful transfer.
// FromStatus is the status the record must still hold; empty means processing. A failed
// record is only settled when it already carries ExternalTransferID.
type CompletePayoutParams struct {
	TransactionID      string
	ContractorID       string
	Kind               domain.PayoutKind
	SessionIDs         []string
	ExternalTransferID string
	CompletedAt        time.Time
	Ledger             domain.LedgerEntry
	FromStatus         domain.PayoutStatus
}

// settlementColumns names the work_sessions columns a payout kind settles.
type settlementColumns struct {
	paidAt        string
	transactionID string
}

func columnsFor(kind domain.PayoutKind) (settlementColumns, error) {
	switch kind {
	case domain.PayoutKindSessionEarnings:
		return settlementColumns{paidAt: "paid_at", transactionID: "payout_transaction_id"}, nil
	case domain.PayoutKindAffiliateCommission:
		return settlementColumns{paidAt: "affiliate_paid_at", transactionID: "affiliate_payout_transaction_id"}, nil
	case domain.PayoutKindTrainingCommission:
		return settlementColumns{paidAt: "training_paid_at", transactionID: "training_payout_transaction_id"}, nil
	default:
		return settlementColumns{}, fmt.Errorf("unknown payout kind %q", kind)
	}
}

const payoutColumns = `
	id, contractor_id, kind, amount, currency, destination_account_id, status, session_ids,
	idempotency_key, external_transfer_id, failure_reason, initiator, batch_id, initiated_at, completed_at`

func scanPayout(row scanner) (*domain.PayoutTransaction, error) {
	var (
		tx     domain.PayoutTransaction
		kind   string
		status string
	)
	if err := row.Scan(
		&tx.ID,
		&tx.ContractorID,
		&kind,
		&tx.Amount,
		&tx.Currency,
		&tx.DestinationAccountID,
		&status,
		&tx.SessionIDs,
		&tx.IdempotencyKey,
		&tx.ExternalTransferID,
		&tx.FailureReason,
		&tx.Initiator,
		&tx.BatchID,
		&tx.InitiatedAt,
		&tx.CompletedAt,
	); err != nil {
		return nil, err
	}
	tx.Kind = domain.PayoutKind(kind)
	tx.Status = domain.PayoutStatus(status)
	return &tx, nil
}

// CreatePayoutTransaction inserts a processing record. A live record with the same
// idempotency key yields ErrPayoutInProgress.
func (r *PostgresRepository) CreatePayoutTransaction(ctx context.Context, tx *domain.PayoutTransaction) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payout_transactions (
			id, contractor_id, kind, amount, currency, destination_account_id, status,
			session_ids, idempotency_key, initiator, batch_id, initiated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		tx.ID,
		tx.ContractorID,
		string(tx.Kind),
		tx.Amount,
		tx.Currency,
		tx.DestinationAccountID,
		string(tx.Status),
		tx.SessionIDs,
		tx.IdempotencyKey,
		tx.Initiator,
		tx.BatchID,
		tx.InitiatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPayoutInProgress
		}
		return err
	}
	return nil
}

// MarkPayoutFailed moves a processing record to failed. A non-empty externalTransferID
// records money that already moved; such a record stays open until its bookkeeping settles.
func (r *PostgresRepository) MarkPayoutFailed(ctx context.Context, transactionID, reason, externalTransferID string, failedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payout_transactions
		SET status = 'failed', failure_reason = $2, completed_at = $3,
			external_transfer_id = NULLIF($4, '')
		WHERE id = $1 AND status = 'processing'
	`, transactionID, reason, failedAt, externalTransferID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidPayoutTransition
	}
	return nil
}

// CompletePayout marks the covered sessions paid, appends the ledger entry and completes
// the payout transaction in one database transaction.
func (r *PostgresRepository) CompletePayout(ctx context.Context, params CompletePayoutParams) error {
	cols, err := columnsFor(params.Kind)
	if err != nil {
		return err
	}
	fromStatus := params.FromStatus
	if fromStatus == "" {
		fromStatus = domain.PayoutStatusProcessing
	}
	if fromStatus == domain.PayoutStatusFailed && params.ExternalTransferID == "" {
		return fmt.Errorf("complete payout %s: failed record needs a transfer id: %w", params.TransactionID, ErrInvalidPayoutTransition)
	}
	if len(params.SessionIDs) == 0 {
		return fmt.Errorf("complete payout %s: no sessions", params.TransactionID)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	lockQuery := fmt.Sprintf(`SELECT id, %s IS NOT NULL FROM work_sessions WHERE id = ANY($1) FOR UPDATE`, cols.paidAt)
	rows, err := tx.Query(ctx, lockQuery, params.SessionIDs)
	if err != nil {
		return err
	}
	locked := 0
	alreadyPaid := false
	for rows.Next() {
		var (
			id   string
			paid bool
		)
		if err := rows.Scan(&id, &paid); err != nil {
			rows.Close()
			return err
		}
		locked++
		if paid {
			alreadyPaid = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if alreadyPaid {
		return ErrSessionsAlreadyPaid
	}
	if locked != len(params.SessionIDs) {
		return fmt.Errorf("complete payout %s: expected %d sessions, found %d: %w", params.TransactionID, len(params.SessionIDs), locked, ErrSessionNotFound)
	}

	update := fmt.Sprintf(`UPDATE work_sessions SET %s = $2, %s = $3`, cols.paidAt, cols.transactionID)
	if params.Kind == domain.PayoutKindSessionEarnings {
		update += `, payment_status = 'paid'`
	}
	update += fmt.Sprintf(` WHERE id = ANY($1) AND %s IS NULL`, cols.paidAt)
	tag, err := tx.Exec(ctx, update, params.SessionIDs, params.CompletedAt, params.TransactionID)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(params.SessionIDs) {
		return ErrSessionsAlreadyPaid
	}

	metadata, err := json.Marshal(params.Ledger.Metadata)
	if err != nil {
		return fmt.Errorf("encode ledger metadata: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO financial_ledger_entries (
			id, debit_account, credit_account, amount, currency, transaction_id, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`,
		params.Ledger.ID,
		params.Ledger.DebitAccount,
		params.Ledger.CreditAccount,
		params.Ledger.Amount,
		params.Ledger.Currency,
		params.Ledger.TransactionID,
		string(metadata),
		params.Ledger.CreatedAt,
	); err != nil {
		return err
	}

	tag, err = tx.Exec(ctx, `
		UPDATE payout_transactions
		SET status = 'completed', external_transfer_id = $2, completed_at = $3
		WHERE id = $1 AND status = $4
			AND (external_transfer_id IS NULL OR external_transfer_id = $2)
	`, params.TransactionID, params.ExternalTransferID, params.CompletedAt, string(fromStatus))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidPayoutTransition
	}

	return tx.Commit(ctx)
}

// ListOpenPayouts returns a contractor's payouts of one kind that may still settle sessions:
// records in flight and failed records whose transfer went through.
func (r *PostgresRepository) ListOpenPayouts(ctx context.Context, contractorID string, kind domain.PayoutKind) ([]domain.PayoutTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payout_transactions
		WHERE contractor_id = $1 AND kind = $2
			AND (status = 'processing' OR (status = 'failed' AND external_transfer_id IS NOT NULL))
		ORDER BY initiated_at
	`, contractorID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.PayoutTransaction
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *payout)
	}
	return payouts, rows.Err()
}

// CountSessionsPaidByTransaction counts sessions settled by the given payout.
func (r *PostgresRepository) CountSessionsPaidByTransaction(ctx context.Context, kind domain.PayoutKind, transactionID string) (int, error) {
	cols, err := columnsFor(kind)
	if err != nil {
		return 0, err
	}
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM work_sessions WHERE %s = $1 AND %s IS NOT NULL`, cols.transactionID, cols.paidAt)
	if err := r.db.QueryRow(ctx, query, transactionID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetPayoutTransaction loads one payout transaction.
func (r *PostgresRepository) GetPayoutTransaction(ctx context.Context, transactionID string) (*domain.PayoutTransaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_transactions WHERE id = $1`, transactionID)
	payout, err := scanPayout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutTransactionNotFound
		}
		return nil, err
	}
	return payout, nil
}

// ListPayoutTransactions returns a contractor's most recent payouts.
func (r *PostgresRepository) ListPayoutTransactions(ctx context.Context, contractorID string, limit int) ([]domain.PayoutTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payout_transactions
		WHERE contractor_id = $1
		ORDER BY initiated_at DESC
		LIMIT $2
	`, contractorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.PayoutTransaction
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *payout)
	}
	return payouts, rows.Err()
}
