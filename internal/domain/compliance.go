package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckName identifies one item of the compliance battery.
type CheckName string

const (
	CheckTaxForm         CheckName = "tax_form"
	CheckPayoutAccount   CheckName = "payout_account"
	CheckBackgroundCheck CheckName = "background_check"
	CheckCertification   CheckName = "certification"
	CheckWorkPattern     CheckName = "work_pattern"
)

// ComplianceCheck is a single pass/fail line with a readable reason.
type ComplianceCheck struct {
	Name    CheckName `json:"name"`
	Passed  bool      `json:"passed"`
	Message string    `json:"message"`
}

// ComplianceCheckResult is an immutable snapshot; newer snapshots supersede older ones.
type ComplianceCheckResult struct {
	ID                 string            `json:"id"`
	ContractorID       string            `json:"contractor_id"`
	Passed             bool              `json:"passed"`
	Checks             []ComplianceCheck `json:"checks"`
	AverageWeeklyHours decimal.Decimal   `json:"average_weekly_hours"`
	UniqueClientCount  int               `json:"unique_client_count"`
	CheckedAt          time.Time         `json:"checked_at"`
}

// FailedChecks returns the checks that did not pass.
func (r ComplianceCheckResult) FailedChecks() []ComplianceCheck {
	var failed []ComplianceCheck
	for _, check := range r.Checks {
		if !check.Passed {
			failed = append(failed, check)
		}
	}
	return failed
}

// ReferralTier is derived from the count of paid referred clients.
type ReferralTier struct {
	AffiliateID       string          `json:"affiliate_id"`
	Tier              string          `json:"tier"`
	Label             string          `json:"label"`
	RatePerHour       decimal.Decimal `json:"rate_per_hour"`
	ActiveClientCount int             `json:"active_client_count"`
}
