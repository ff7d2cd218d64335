/**
 * @description
 * Scheduled payout runs. One batch per (date, cadence) is claimed through a unique
 * constraint, due contractors are filtered by minimum amount, compliance and the
 * auto-approval threshold, and each remaining contractor is paid independently.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/carelink/payout-service/internal/store"
	"github.com/google/uuid"
)

// BatchRepository is the data access the orchestrator needs.
type BatchRepository interface {
	ClaimBatch(ctx context.Context, batch *domain.ScheduledPayoutBatch) error
	UpdateBatch(ctx context.Context, batch *domain.ScheduledPayoutBatch) error
	ListPayoutCandidates(ctx context.Context, cadence domain.Cadence, requireTaxForm bool) ([]domain.Contractor, error)
	GetContractor(ctx context.Context, contractorID string) (*domain.Contractor, error)
}

// ContractorPayer pays one contractor. PayoutProcessor implements it.
type ContractorPayer interface {
	PendingEarnings(ctx context.Context, contractor domain.Contractor) (domain.PendingEarnings, []domain.WorkSession, error)
	ProcessContractorPayout(ctx context.Context, req PayoutRequest) PayoutResult
	ProcessCommissionPayout(ctx context.Context, contractor domain.Contractor, batchID string, scheduledDate time.Time, initiator string) PayoutResult
}

// PayoutNotifier informs contractors about payout outcomes.
type PayoutNotifier interface {
	PayoutSucceeded(ctx context.Context, notification domain.PayoutNotification) error
	PayoutFailed(ctx context.Context, notification domain.PayoutNotification) error
}

// Batch error reasons that are not payout failures.
const (
	BatchReasonPendingApproval = "pending_approval"
	BatchReasonEarningsLookup  = "earnings_lookup_failed"
)

// ScheduleConfig holds batch thresholds.
type ScheduleConfig struct {
	MinimumPayout        int64
	AutoApproveThreshold int64
	RequireTaxForm       bool
	MonthlyPayoutDay     int
	Currency             string
}

// DefaultScheduleConfig returns a $25 minimum and a $5,000 auto-approval ceiling.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		MinimumPayout:        2500,
		AutoApproveThreshold: 500000,
		RequireTaxForm:       true,
		MonthlyPayoutDay:     1,
		Currency:             "usd",
	}
}

// BatchResult is returned by ProcessScheduledPayouts.
type BatchResult struct {
	Success          bool                `json:"success"`
	AlreadyProcessed bool                `json:"already_processed"`
	BatchID          string              `json:"batch_id,omitempty"`
	Cadence          domain.Cadence      `json:"cadence"`
	ScheduledDate    string              `json:"scheduled_date"`
	Status           domain.BatchStatus  `json:"status,omitempty"`
	TotalContractors int                 `json:"total_contractors"`
	Succeeded        int                 `json:"succeeded"`
	Failed           int                 `json:"failed"`
	Skipped          int                 `json:"skipped"`
	PendingApproval  int                 `json:"pending_approval"`
	TotalAmount      int64               `json:"total_amount"`
	SucceededAmount  int64               `json:"succeeded_amount"`
	FailedAmount     int64               `json:"failed_amount"`
	Errors           []domain.BatchError `json:"errors,omitempty"`
	Message          string              `json:"message,omitempty"`
}

// ScheduledPayoutOrchestrator drives cadence batches.
type ScheduledPayoutOrchestrator struct {
	repo       BatchRepository
	payer      ContractorPayer
	compliance ComplianceChecker
	notifier   PayoutNotifier
	cfg        ScheduleConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduledPayoutOrchestrator creates an orchestrator. notifier may be nil.
func NewScheduledPayoutOrchestrator(
	repo BatchRepository,
	payer ContractorPayer,
	compliance ComplianceChecker,
	notifier PayoutNotifier,
	cfg ScheduleConfig,
	logger *slog.Logger,
) *ScheduledPayoutOrchestrator {
	if cfg.MonthlyPayoutDay < 1 {
		cfg.MonthlyPayoutDay = 1
	}
	return &ScheduledPayoutOrchestrator{
		repo:       repo,
		payer:      payer,
		compliance: compliance,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// ProcessScheduledPayouts runs today's batch for a cadence. A second call for the same day
// and cadence reports AlreadyProcessed unless the earlier run ended failed.
func (o *ScheduledPayoutOrchestrator) ProcessScheduledPayouts(ctx context.Context, cadence domain.Cadence, initiator string) BatchResult {
	startedAt := o.now().UTC()
	today := dateOnly(startedAt)
	log := o.logger.With("cadence", cadence, "scheduled_date", today.Format(time.DateOnly))

	batch := &domain.ScheduledPayoutBatch{
		ID:            uuid.NewString(),
		ScheduledDate: today,
		Cadence:       cadence,
		Initiator:     initiator,
		StartedAt:     startedAt,
	}
	if err := o.repo.ClaimBatch(ctx, batch); err != nil {
		if errors.Is(err, store.ErrBatchAlreadyProcessed) {
			log.Info("scheduled payout batch already processed")
			return BatchResult{
				Success:          true,
				AlreadyProcessed: true,
				Cadence:          cadence,
				ScheduledDate:    today.Format(time.DateOnly),
				Message:          fmt.Sprintf("%s payouts for %s already processed", cadence, today.Format(time.DateOnly)),
			}
		}
		log.Error("failed to claim scheduled payout batch", "error", err)
		return BatchResult{
			Cadence:       cadence,
			ScheduledDate: today.Format(time.DateOnly),
			Message:       fmt.Sprintf("claim batch: %v", err),
		}
	}
	log = log.With("batch_id", batch.ID)

	candidates, err := o.repo.ListPayoutCandidates(ctx, cadence, o.cfg.RequireTaxForm)
	if err != nil {
		log.Error("failed to list payout candidates", "error", err)
		batch.Status = domain.BatchStatusFailed
		o.finish(ctx, log, batch)
		result := batchResult(batch)
		result.Message = fmt.Sprintf("list payout candidates: %v", err)
		return result
	}

	batch.Status = domain.BatchStatusProcessing
	o.save(ctx, log, batch)

	for _, contractor := range candidates {
		if !IsPayoutDue(contractor, today, o.cfg.MonthlyPayoutDay) {
			continue
		}
		o.processContractor(ctx, log, batch, contractor, today, initiator)
	}

	batch.Status = finalBatchStatus(batch)
	o.finish(ctx, log, batch)
	log.Info("scheduled payout batch finished",
		"status", batch.Status,
		"total", batch.TotalContractors,
		"succeeded", batch.SuccessCount,
		"failed", batch.FailureCount,
		"skipped", batch.SkippedCount,
		"pending_approval", batch.ApprovalCount,
	)
	return batchResult(batch)
}

func (o *ScheduledPayoutOrchestrator) processContractor(
	ctx context.Context,
	log *slog.Logger,
	batch *domain.ScheduledPayoutBatch,
	contractor domain.Contractor,
	scheduledDate time.Time,
	initiator string,
) {
	log = log.With("contractor_id", contractor.ID)

	pending, _, err := o.payer.PendingEarnings(ctx, contractor)
	if err != nil {
		log.Error("failed to compute pending earnings", "error", err)
		batch.TotalContractors++
		batch.FailureCount++
		batch.Errors = append(batch.Errors, domain.BatchError{ContractorID: contractor.ID, Reason: BatchReasonEarningsLookup, Message: err.Error()})
		o.save(ctx, log, batch)
		return
	}
	if pending.Amount < o.cfg.MinimumPayout {
		return
	}

	batch.TotalContractors++
	batch.TotalAmount += pending.Amount

	if o.compliance != nil {
		compliance, err := o.compliance.GetCompliance(ctx, contractor.ID)
		if err != nil {
			log.Error("compliance lookup failed", "error", err)
			batch.SkippedCount++
			batch.Errors = append(batch.Errors, domain.BatchError{ContractorID: contractor.ID, Reason: string(ReasonInternal), Message: err.Error(), Amount: pending.Amount})
			o.save(ctx, log, batch)
			return
		}
		if !compliance.Passed {
			log.Info("skipping non-compliant contractor", "failed_checks", failedCheckNames(compliance))
			batch.SkippedCount++
			batch.Errors = append(batch.Errors, domain.BatchError{ContractorID: contractor.ID, Reason: string(ReasonNonCompliant), Message: complianceSummary(compliance), Amount: pending.Amount})
			o.save(ctx, log, batch)
			return
		}
	}

	if o.cfg.AutoApproveThreshold > 0 && pending.Amount > o.cfg.AutoApproveThreshold {
		log.Info("payout requires manual approval", "amount", pending.Amount)
		batch.ApprovalCount++
		batch.Errors = append(batch.Errors, domain.BatchError{
			ContractorID: contractor.ID,
			Reason:       BatchReasonPendingApproval,
			Message:      fmt.Sprintf("%s exceeds auto-approval threshold %s", formatCents(pending.Amount), formatCents(o.cfg.AutoApproveThreshold)),
			Amount:       pending.Amount,
		})
		o.save(ctx, log, batch)
		return
	}

	var result PayoutResult
	if contractor.Role.EarnsFromSessions() {
		result = o.payer.ProcessContractorPayout(ctx, PayoutRequest{
			ContractorID: contractor.ID,
			Amount:       pending.Amount,
			Initiator:    initiator,
			BatchID:      batch.ID,
		})
	} else {
		result = o.payer.ProcessCommissionPayout(ctx, contractor, batch.ID, scheduledDate, initiator)
	}

	if result.Success {
		batch.SuccessCount++
		batch.SuccessAmount += result.Amount
		batch.SessionIDs = append(batch.SessionIDs, pending.SessionIDs...)
		o.notify(ctx, log, contractor, result)
	} else {
		batch.FailureCount++
		batch.FailedAmount += pending.Amount
		batch.Errors = append(batch.Errors, domain.BatchError{ContractorID: contractor.ID, Reason: string(result.Reason), Message: result.Message, Amount: pending.Amount})
		o.notify(ctx, log, contractor, result)
	}
	o.save(ctx, log, batch)
}

func (o *ScheduledPayoutOrchestrator) notify(ctx context.Context, log *slog.Logger, contractor domain.Contractor, result PayoutResult) {
	if o.notifier == nil {
		return
	}
	notification := domain.PayoutNotification{
		ContractorID:  contractor.ID,
		Email:         contractor.Email,
		Name:          contractor.Name,
		Amount:        result.Amount,
		Currency:      o.cfg.Currency,
		TransactionID: result.TransactionID,
		OccurredAt:    o.now().UTC(),
	}

	var err error
	if result.Success {
		err = o.notifier.PayoutSucceeded(ctx, notification)
	} else {
		notification.Reason = string(result.Reason)
		notification.Message = result.Message
		err = o.notifier.PayoutFailed(ctx, notification)
	}
	if err != nil {
		log.Warn("failed to send payout notification", "success", result.Success, "error", err)
	}
}

func (o *ScheduledPayoutOrchestrator) save(ctx context.Context, log *slog.Logger, batch *domain.ScheduledPayoutBatch) {
	if err := o.repo.UpdateBatch(ctx, batch); err != nil {
		log.Error("failed to update scheduled payout batch", "error", err)
	}
}

func (o *ScheduledPayoutOrchestrator) finish(ctx context.Context, log *slog.Logger, batch *domain.ScheduledPayoutBatch) {
	completedAt := o.now().UTC()
	batch.CompletedAt = &completedAt
	o.save(context.WithoutCancel(ctx), log, batch)
}

// GetPayoutSchedule reports a contractor's cadence, next due date and pending balance.
func (o *ScheduledPayoutOrchestrator) GetPayoutSchedule(ctx context.Context, contractorID string) (*domain.PayoutSchedule, error) {
	contractor, err := o.repo.GetContractor(ctx, contractorID)
	if err != nil {
		return nil, err
	}
	pending, _, err := o.payer.PendingEarnings(ctx, *contractor)
	if err != nil {
		return nil, fmt.Errorf("compute pending earnings: %w", err)
	}
	return &domain.PayoutSchedule{
		ContractorID:    contractor.ID,
		Role:            contractor.Role,
		Cadence:         contractor.PayoutCadence,
		PayoutDay:       contractor.PayoutDay,
		NextPayoutDate:  NextPayoutDate(*contractor, dateOnly(o.now().UTC()), o.cfg.MonthlyPayoutDay),
		PendingAmount:   pending.Amount,
		PendingSessions: pending.SessionCount(),
		MinimumPayout:   o.cfg.MinimumPayout,
		MeetsMinimum:    pending.Amount >= o.cfg.MinimumPayout,
		AccountReady:    contractor.HasPayoutAccount(),
	}, nil
}

// biweeklyEpoch is the Monday biweekly parity is counted from.
var biweeklyEpoch = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)

// IsPayoutDue reports whether date is a payout day for the contractor's cadence. Biweekly
// contractors are paid on their weekday in even weeks counted from biweeklyEpoch.
func IsPayoutDue(contractor domain.Contractor, date time.Time, monthlyDay int) bool {
	switch contractor.PayoutCadence {
	case domain.CadenceWeekly:
		return date.Weekday() == contractor.PayoutDay
	case domain.CadenceBiweekly:
		return date.Weekday() == contractor.PayoutDay && weeksSince(biweeklyEpoch, date)%2 == 0
	case domain.CadenceMonthly:
		return date.Day() == monthlyDay
	default:
		return false
	}
}

// weeksSince counts whole weeks from epoch to the calendar date of t, flooring for dates
// before epoch.
func weeksSince(epoch, t time.Time) int64 {
	days := int64(dateOnly(t).Sub(epoch).Hours()) / 24
	weeks := days / 7
	if days%7 < 0 {
		weeks--
	}
	return weeks
}

// NextPayoutDate returns the first due date on or after from, or nil for an unknown cadence.
func NextPayoutDate(contractor domain.Contractor, from time.Time, monthlyDay int) *time.Time {
	day := dateOnly(from)
	for i := 0; i < 62; i++ {
		if IsPayoutDue(contractor, day, monthlyDay) {
			return &day
		}
		day = day.AddDate(0, 0, 1)
	}
	return nil
}

func finalBatchStatus(batch *domain.ScheduledPayoutBatch) domain.BatchStatus {
	switch {
	case batch.FailureCount == 0:
		return domain.BatchStatusCompleted
	case batch.SuccessCount == 0:
		return domain.BatchStatusFailed
	default:
		return domain.BatchStatusPartial
	}
}

func batchResult(batch *domain.ScheduledPayoutBatch) BatchResult {
	return BatchResult{
		Success:          batch.Status != domain.BatchStatusFailed,
		BatchID:          batch.ID,
		Cadence:          batch.Cadence,
		ScheduledDate:    batch.ScheduledDate.Format(time.DateOnly),
		Status:           batch.Status,
		TotalContractors: batch.TotalContractors,
		Succeeded:        batch.SuccessCount,
		Failed:           batch.FailureCount,
		Skipped:          batch.SkippedCount,
		PendingApproval:  batch.ApprovalCount,
		TotalAmount:      batch.TotalAmount,
		SucceededAmount:  batch.SuccessAmount,
		FailedAmount:     batch.FailedAmount,
		Errors:           batch.Errors,
	}
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
