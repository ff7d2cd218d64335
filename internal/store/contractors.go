package store

import (
	"context"
	"errors"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const contractorColumns = `
	id, role, name, email, payout_account_id, payout_cadence, payout_day, status,
	tax_form_submitted, tax_form_verified, background_check_status, certifications, created_at`

func scanContractor(row scanner) (*domain.Contractor, error) {
	var (
		c         domain.Contractor
		role      string
		cadence   string
		payoutDay int
		status    string
	)
	if err := row.Scan(
		&c.ID,
		&role,
		&c.Name,
		&c.Email,
		&c.PayoutAccountID,
		&cadence,
		&payoutDay,
		&status,
		&c.TaxFormSubmitted,
		&c.TaxFormVerified,
		&c.BackgroundCheckStatus,
		&c.Certifications,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}

	parsedRole, err := domain.ParseRole(role)
	if err != nil {
		return nil, err
	}
	c.Role = parsedRole
	c.PayoutCadence = domain.Cadence(cadence)
	c.PayoutDay = time.Weekday(payoutDay)
	c.Status = domain.ContractorStatus(status)
	return &c, nil
}

// GetContractor loads one contractor by id.
func (r *PostgresRepository) GetContractor(ctx context.Context, contractorID string) (*domain.Contractor, error) {
	row := r.db.QueryRow(ctx, `SELECT `+contractorColumns+` FROM contractors WHERE id = $1`, contractorID)
	contractor, err := scanContractor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContractorNotFound
		}
		return nil, err
	}
	return contractor, nil
}

// ListActiveContractors returns every contractor in active status.
func (r *PostgresRepository) ListActiveContractors(ctx context.Context) ([]domain.Contractor, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+contractorColumns+`
		FROM contractors
		WHERE status = 'active'
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContractors(rows)
}

// ListPayoutCandidates returns active contractors on the cadence with a connected account
// and, when required, a submitted tax form.
func (r *PostgresRepository) ListPayoutCandidates(ctx context.Context, cadence domain.Cadence, requireTaxForm bool) ([]domain.Contractor, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+contractorColumns+`
		FROM contractors
		WHERE status = 'active'
		  AND payout_cadence = $1
		  AND payout_account_id IS NOT NULL
		  AND payout_account_id <> ''
		  AND ($2 = FALSE OR tax_form_submitted = TRUE)
		ORDER BY created_at, id
	`, string(cadence), requireTaxForm)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContractors(rows)
}

func collectContractors(rows pgx.Rows) ([]domain.Contractor, error) {
	var contractors []domain.Contractor
	for rows.Next() {
		contractor, err := scanContractor(rows)
		if err != nil {
			return nil, err
		}
		contractors = append(contractors, *contractor)
	}
	return contractors, rows.Err()
}

// CountPaidReferredClients counts distinct referred clients of the affiliate that have a
// charged work session or a paid booking.
func (r *PostgresRepository) CountPaidReferredClients(ctx context.Context, affiliateID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(DISTINCT c.id)
		FROM clients c
		JOIN referral_codes rc ON rc.id = c.referral_code_id
		WHERE rc.affiliate_id = $1
		  AND (
			EXISTS (SELECT 1 FROM work_sessions ws WHERE ws.client_id = c.id AND ws.charged_at IS NOT NULL)
			OR EXISTS (SELECT 1 FROM bookings b WHERE b.client_id = c.id AND b.payment_status = 'paid')
		  )
	`, affiliateID).Scan(&count)
	return count, err
}
