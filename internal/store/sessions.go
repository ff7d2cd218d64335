package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const sessionColumns = `
	ws.id, ws.contractor_id, ws.booking_id, ws.client_id, ws.training_partner_id,
	ws.clock_in, ws.clock_out, ws.hours::text, ws.payee_earnings, ws.platform_commission,
	ws.affiliate_commission, ws.training_commission, ws.client_total, ws.charged_at,
	ws.paid_at, ws.payment_status, ws.payout_transaction_id`

func scanSession(row scanner) (*domain.WorkSession, error) {
	var (
		s     domain.WorkSession
		hours string
	)
	if err := row.Scan(
		&s.ID,
		&s.ContractorID,
		&s.BookingID,
		&s.ClientID,
		&s.TrainingPartnerID,
		&s.ClockIn,
		&s.ClockOut,
		&hours,
		&s.PayeeEarnings,
		&s.PlatformCommission,
		&s.AffiliateCommission,
		&s.TrainingCommission,
		&s.ClientTotal,
		&s.ChargedAt,
		&s.PaidAt,
		&s.PaymentStatus,
		&s.PayoutTransactionID,
	); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(hours)
	if err != nil {
		return nil, fmt.Errorf("parse hours for session %s: %w", s.ID, err)
	}
	s.Hours = parsed
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]domain.WorkSession, error) {
	var sessions []domain.WorkSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// ListUnpaidSessions returns the closed, unpaid sessions a contractor earned directly.
func (r *PostgresRepository) ListUnpaidSessions(ctx context.Context, contractorID string) ([]domain.WorkSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM work_sessions ws
		WHERE ws.contractor_id = $1
		  AND ws.clock_out IS NOT NULL
		  AND ws.paid_at IS NULL
		ORDER BY ws.clock_in, ws.id
	`, contractorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListUnpaidCommissionSessions returns the charged sessions whose commission of the given
// kind has not yet been paid to the contractor.
func (r *PostgresRepository) ListUnpaidCommissionSessions(ctx context.Context, kind domain.PayoutKind, contractorID string) ([]domain.WorkSession, error) {
	var query string
	switch kind {
	case domain.PayoutKindAffiliateCommission:
		query = `
			SELECT ` + sessionColumns + `
			FROM work_sessions ws
			JOIN clients c ON c.id = ws.client_id
			JOIN referral_codes rc ON rc.id = c.referral_code_id
			WHERE rc.affiliate_id = $1
			  AND ws.charged_at IS NOT NULL
			  AND ws.affiliate_paid_at IS NULL
			ORDER BY ws.clock_in, ws.id`
	case domain.PayoutKindTrainingCommission:
		query = `
			SELECT ` + sessionColumns + `
			FROM work_sessions ws
			WHERE ws.training_partner_id = $1
			  AND ws.charged_at IS NOT NULL
			  AND ws.training_paid_at IS NULL
			  AND ws.training_commission > 0
			ORDER BY ws.clock_in, ws.id`
	default:
		return nil, fmt.Errorf("payout kind %q has no commission sessions", kind)
	}

	rows, err := r.db.Query(ctx, query, contractorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// GetWorkPattern aggregates hours and distinct clients since the given instant.
func (r *PostgresRepository) GetWorkPattern(ctx context.Context, contractorID string, since time.Time) (domain.WorkPattern, error) {
	var (
		pattern domain.WorkPattern
		total   string
	)
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(hours), 0)::text, COUNT(DISTINCT client_id), COUNT(*)
		FROM work_sessions
		WHERE contractor_id = $1
		  AND clock_in >= $2
		  AND clock_out IS NOT NULL
	`, contractorID, since).Scan(&total, &pattern.UniqueClients, &pattern.SessionCount)
	if err != nil {
		return domain.WorkPattern{}, err
	}
	pattern.TotalHours, err = decimal.NewFromString(total)
	if err != nil {
		return domain.WorkPattern{}, fmt.Errorf("parse total hours: %w", err)
	}
	return pattern, nil
}

// RecordSessionEarnings stores the computed split on a session that has not been paid.
func (r *PostgresRepository) RecordSessionEarnings(ctx context.Context, sessionID string, hours decimal.Decimal, earnings domain.SessionEarnings) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE work_sessions
		SET hours = $2::numeric,
		    payee_earnings = $3,
		    platform_commission = $4,
		    affiliate_commission = $5,
		    training_commission = $6,
		    client_total = $7
		WHERE id = $1
		  AND paid_at IS NULL
	`, sessionID, hours.StringFixed(2), earnings.PayeeEarnings, earnings.PlatformCommission,
		earnings.AffiliateCommission, earnings.TrainingCommission, earnings.ClientTotal)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var paidAt *time.Time
	if err := r.db.QueryRow(ctx, `SELECT paid_at FROM work_sessions WHERE id = $1`, sessionID).Scan(&paidAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		return err
	}
	return ErrSessionsAlreadyPaid
}
