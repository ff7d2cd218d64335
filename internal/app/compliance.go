/**
 * @description
 * Compliance battery gating payouts: tax form, payout account, background check,
 * certification and the independent-contractor work-pattern heuristic. Results are
 * stored as snapshots and reused until they go stale.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/carelink/payout-service/internal/store"
	"github.com/carelink/payout-service/pkg/gatewayclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ComplianceRepository is the data access the compliance gate needs.
type ComplianceRepository interface {
	GetContractor(ctx context.Context, contractorID string) (*domain.Contractor, error)
	ListActiveContractors(ctx context.Context) ([]domain.Contractor, error)
	GetWorkPattern(ctx context.Context, contractorID string, since time.Time) (domain.WorkPattern, error)
	SaveComplianceResult(ctx context.Context, result *domain.ComplianceCheckResult) error
	GetLatestComplianceResult(ctx context.Context, contractorID string) (*domain.ComplianceCheckResult, error)
}

// AccountStatusChecker looks up whether a connected account can receive payouts.
type AccountStatusChecker interface {
	RetrieveAccountStatus(ctx context.Context, accountID string) (*gatewayclient.AccountStatus, error)
}

// ComplianceConfig holds the policy thresholds. They are business policy, not invariants.
type ComplianceConfig struct {
	CacheTTL                   time.Duration
	LookbackWeeks              int
	MaxAverageWeeklyHours      decimal.Decimal
	SingleClientMaxWeeklyHours decimal.Decimal
	CaregiverCertifications    []string
}

// DefaultComplianceConfig returns a 7 day cache over a 12 week window with the 35/20 hour rule.
func DefaultComplianceConfig() ComplianceConfig {
	return ComplianceConfig{
		CacheTTL:                   7 * 24 * time.Hour,
		LookbackWeeks:              12,
		MaxAverageWeeklyHours:      decimal.NewFromInt(35),
		SingleClientMaxWeeklyHours: decimal.NewFromInt(20),
		CaregiverCertifications:    []string{"cna", "hha", "lpn", "rn"},
	}
}

type rolePolicy struct {
	requiresBackgroundCheck bool
	requiresCertification   bool
}

// rolePolicies must have an entry for every domain.Role.
var rolePolicies = map[domain.Role]rolePolicy{
	domain.RoleCaregiver:          {requiresBackgroundCheck: true, requiresCertification: true},
	domain.RoleHousekeeper:        {requiresBackgroundCheck: true},
	domain.RoleMarketingAffiliate: {},
	domain.RoleTrainingPartner:    {},
}

// ContractorError records one contractor whose check could not be run.
type ContractorError struct {
	ContractorID string `json:"contractor_id"`
	Error        string `json:"error"`
}

// BatchComplianceResult summarizes a nightly compliance run.
type BatchComplianceResult struct {
	Checked int               `json:"checked"`
	Passed  int               `json:"passed"`
	Failed  int               `json:"failed"`
	Errored int               `json:"errored"`
	Errors  []ContractorError `json:"errors,omitempty"`
}

// ComplianceGate runs and caches the compliance battery.
type ComplianceGate struct {
	repo     ComplianceRepository
	accounts AccountStatusChecker
	cfg      ComplianceConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewComplianceGate creates a gate. accounts may be nil to skip gateway verification.
func NewComplianceGate(repo ComplianceRepository, accounts AccountStatusChecker, cfg ComplianceConfig, logger *slog.Logger) *ComplianceGate {
	if cfg.LookbackWeeks <= 0 {
		cfg.LookbackWeeks = 12
	}
	return &ComplianceGate{
		repo:     repo,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RunCheck evaluates all five checks and stores a fresh snapshot.
func (g *ComplianceGate) RunCheck(ctx context.Context, contractorID string) (*domain.ComplianceCheckResult, error) {
	contractor, err := g.repo.GetContractor(ctx, contractorID)
	if err != nil {
		return nil, err
	}
	policy, ok := rolePolicies[contractor.Role]
	if !ok {
		return nil, fmt.Errorf("no compliance policy for role %q", contractor.Role)
	}

	now := g.now().UTC()
	since := now.AddDate(0, 0, -7*g.cfg.LookbackWeeks)
	pattern, err := g.repo.GetWorkPattern(ctx, contractorID, since)
	if err != nil {
		return nil, fmt.Errorf("load work pattern: %w", err)
	}
	average := pattern.TotalHours.Div(decimal.NewFromInt(int64(g.cfg.LookbackWeeks))).Round(2)

	checks := []domain.ComplianceCheck{
		checkTaxForm(*contractor),
		g.checkPayoutAccount(ctx, *contractor),
		checkBackgroundCheck(*contractor, policy),
		g.checkCertification(*contractor, policy),
		g.checkWorkPattern(average, pattern.UniqueClients),
	}

	passed := true
	for _, check := range checks {
		passed = passed && check.Passed
	}

	result := &domain.ComplianceCheckResult{
		ID:                 uuid.NewString(),
		ContractorID:       contractorID,
		Passed:             passed,
		Checks:             checks,
		AverageWeeklyHours: average,
		UniqueClientCount:  pattern.UniqueClients,
		CheckedAt:          now,
	}
	if err := g.repo.SaveComplianceResult(ctx, result); err != nil {
		return nil, fmt.Errorf("save compliance result: %w", err)
	}

	if !passed {
		g.logger.Info("contractor failed compliance", "contractor_id", contractorID, "failed_checks", failedCheckNames(result))
	}
	return result, nil
}

// GetCompliance returns the latest snapshot while it is fresh and recomputes otherwise.
func (g *ComplianceGate) GetCompliance(ctx context.Context, contractorID string) (*domain.ComplianceCheckResult, error) {
	latest, err := g.repo.GetLatestComplianceResult(ctx, contractorID)
	switch {
	case err == nil:
		if g.now().Sub(latest.CheckedAt) < g.cfg.CacheTTL {
			return latest, nil
		}
	case errors.Is(err, store.ErrComplianceResultNotFound):
	default:
		return nil, fmt.Errorf("load latest compliance result: %w", err)
	}
	return g.RunCheck(ctx, contractorID)
}

// RunBatch checks every active contractor. A contractor whose check errors is recorded and
// the run continues.
func (g *ComplianceGate) RunBatch(ctx context.Context) (BatchComplianceResult, error) {
	var summary BatchComplianceResult

	contractors, err := g.repo.ListActiveContractors(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active contractors: %w", err)
	}

	for _, contractor := range contractors {
		result, err := g.runCheckSafely(ctx, contractor.ID)
		if err != nil {
			g.logger.Error("compliance check failed", "contractor_id", contractor.ID, "error", err)
			summary.Errored++
			summary.Errors = append(summary.Errors, ContractorError{ContractorID: contractor.ID, Error: err.Error()})
			continue
		}
		summary.Checked++
		if result.Passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

func (g *ComplianceGate) runCheckSafely(ctx context.Context, contractorID string) (result *domain.ComplianceCheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compliance check panicked: %v", r)
		}
	}()
	return g.RunCheck(ctx, contractorID)
}

func checkTaxForm(c domain.Contractor) domain.ComplianceCheck {
	check := domain.ComplianceCheck{Name: domain.CheckTaxForm}
	switch {
	case !c.TaxFormSubmitted:
		check.Message = "tax form not submitted"
	case !c.TaxFormVerified:
		check.Message = "tax form submitted but not verified"
	default:
		check.Passed = true
		check.Message = "tax form verified"
	}
	return check
}

func (g *ComplianceGate) checkPayoutAccount(ctx context.Context, c domain.Contractor) domain.ComplianceCheck {
	check := domain.ComplianceCheck{Name: domain.CheckPayoutAccount}
	if !c.HasPayoutAccount() {
		check.Message = "payout account not connected"
		return check
	}
	check.Passed = true
	check.Message = "payout account connected"

	if g.accounts == nil {
		return check
	}
	status, err := g.accounts.RetrieveAccountStatus(ctx, *c.PayoutAccountID)
	if err != nil {
		g.logger.Warn("could not verify payout account with gateway", "contractor_id", c.ID, "error", err)
		return check
	}
	if !status.PayoutsEnabled {
		check.Passed = false
		check.Message = "payout account connected but payouts are disabled by the gateway"
	}
	return check
}

func checkBackgroundCheck(c domain.Contractor, policy rolePolicy) domain.ComplianceCheck {
	check := domain.ComplianceCheck{Name: domain.CheckBackgroundCheck, Passed: true}
	if !policy.requiresBackgroundCheck {
		check.Message = "background check not required for role"
		return check
	}
	if strings.EqualFold(c.BackgroundCheckStatus, domain.BackgroundCheckCompleted) {
		check.Message = "background check completed"
		return check
	}
	check.Passed = false
	check.Message = fmt.Sprintf("background check %s", orDefault(c.BackgroundCheckStatus, "not started"))
	return check
}

func (g *ComplianceGate) checkCertification(c domain.Contractor, policy rolePolicy) domain.ComplianceCheck {
	check := domain.ComplianceCheck{Name: domain.CheckCertification, Passed: true}
	if !policy.requiresCertification {
		check.Message = "certification not required for role"
		return check
	}
	for _, held := range c.Certifications {
		for _, accepted := range g.cfg.CaregiverCertifications {
			if strings.EqualFold(strings.TrimSpace(held), accepted) {
				check.Message = fmt.Sprintf("holds %s", strings.ToUpper(accepted))
				return check
			}
		}
	}
	check.Passed = false
	check.Message = fmt.Sprintf("requires one of: %s", strings.ToUpper(strings.Join(g.cfg.CaregiverCertifications, ", ")))
	return check
}

// checkWorkPattern passes when average hours stay under the ceiling and the contractor
// either serves several clients or works few enough hours for a single client.
func (g *ComplianceGate) checkWorkPattern(average decimal.Decimal, uniqueClients int) domain.ComplianceCheck {
	check := domain.ComplianceCheck{Name: domain.CheckWorkPattern}
	underCeiling := average.LessThan(g.cfg.MaxAverageWeeklyHours)
	diversified := uniqueClients > 1 || average.LessThan(g.cfg.SingleClientMaxWeeklyHours)

	switch {
	case !underCeiling:
		check.Message = fmt.Sprintf("average %s hours/week meets or exceeds %s", average.StringFixed(2), g.cfg.MaxAverageWeeklyHours.String())
	case !diversified:
		check.Message = fmt.Sprintf("single client at %s hours/week meets or exceeds %s", average.StringFixed(2), g.cfg.SingleClientMaxWeeklyHours.String())
	default:
		check.Passed = true
		check.Message = fmt.Sprintf("average %s hours/week across %d clients", average.StringFixed(2), uniqueClients)
	}
	return check
}

func failedCheckNames(result *domain.ComplianceCheckResult) []string {
	var names []string
	for _, check := range result.FailedChecks() {
		names = append(names, string(check.Name))
	}
	return names
}

// complianceSummary joins failed check messages for batch reports.
func complianceSummary(result *domain.ComplianceCheckResult) string {
	var parts []string
	for _, check := range result.FailedChecks() {
		parts = append(parts, fmt.Sprintf("%s: %s", check.Name, check.Message))
	}
	return strings.Join(parts, "; ")
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
