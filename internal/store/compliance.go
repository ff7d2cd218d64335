package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// SaveComplianceResult appends a compliance snapshot.
func (r *PostgresRepository) SaveComplianceResult(ctx context.Context, result *domain.ComplianceCheckResult) error {
	checks, err := json.Marshal(result.Checks)
	if err != nil {
		return fmt.Errorf("encode compliance checks: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO compliance_check_results (
			id, contractor_id, passed, checks, average_weekly_hours, unique_client_count, checked_at
		) VALUES ($1, $2, $3, $4::jsonb, $5::numeric, $6, $7)
	`,
		result.ID,
		result.ContractorID,
		result.Passed,
		string(checks),
		result.AverageWeeklyHours.StringFixed(2),
		result.UniqueClientCount,
		result.CheckedAt,
	)
	return err
}

// GetLatestComplianceResult returns the newest snapshot for a contractor.
func (r *PostgresRepository) GetLatestComplianceResult(ctx context.Context, contractorID string) (*domain.ComplianceCheckResult, error) {
	var (
		result  domain.ComplianceCheckResult
		checks  []byte
		average string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, contractor_id, passed, checks, average_weekly_hours::text, unique_client_count, checked_at
		FROM compliance_check_results
		WHERE contractor_id = $1
		ORDER BY checked_at DESC
		LIMIT 1
	`, contractorID).Scan(
		&result.ID,
		&result.ContractorID,
		&result.Passed,
		&checks,
		&average,
		&result.UniqueClientCount,
		&result.CheckedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrComplianceResultNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(checks, &result.Checks); err != nil {
		return nil, fmt.Errorf("decode compliance checks: %w", err)
	}
	if result.AverageWeeklyHours, err = decimal.NewFromString(average); err != nil {
		return nil, fmt.Errorf("parse average weekly hours: %w", err)
	}
	return &result, nil
}
