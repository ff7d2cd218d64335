/**
 * @description
 * Single-payee payout processing. Each attempt walks a fixed state machine:
 * pre-verification, one idempotent gateway transfer, atomic bookkeeping (sessions marked
 * paid, ledger entry, transaction completion) and post-verification. Business outcomes
 * are returned as PayoutResult values; errors never escape to callers.
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
	"github.com/carelink/payout-service/pkg/gatewayclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutRepository is the data access the payout processor needs.
type PayoutRepository interface {
	GetContractor(ctx context.Context, contractorID string) (*domain.Contractor, error)
	ListUnpaidSessions(ctx context.Context, contractorID string) ([]domain.WorkSession, error)
	ListUnpaidCommissionSessions(ctx context.Context, kind domain.PayoutKind, contractorID string) ([]domain.WorkSession, error)
	CreatePayoutTransaction(ctx context.Context, tx *domain.PayoutTransaction) error
	MarkPayoutFailed(ctx context.Context, transactionID, reason, externalTransferID string, failedAt time.Time) error
	CompletePayout(ctx context.Context, params store.CompletePayoutParams) error
	ListOpenPayouts(ctx context.Context, contractorID string, kind domain.PayoutKind) ([]domain.PayoutTransaction, error)
	CountSessionsPaidByTransaction(ctx context.Context, kind domain.PayoutKind, transactionID string) (int, error)
	GetPayoutTransaction(ctx context.Context, transactionID string) (*domain.PayoutTransaction, error)
}

// TransferGateway creates idempotent transfers to connected accounts.
type TransferGateway interface {
	CreateTransfer(ctx context.Context, req gatewayclient.TransferRequest) (*gatewayclient.Transfer, error)
}

// ComplianceChecker returns a contractor's current compliance snapshot.
type ComplianceChecker interface {
	GetCompliance(ctx context.Context, contractorID string) (*domain.ComplianceCheckResult, error)
}

// AffiliateTierResolver resolves an affiliate's commission rate.
type AffiliateTierResolver interface {
	TierForAffiliate(ctx context.Context, affiliateID string) (domain.ReferralTier, error)
}

// FailureReason is the closed set of reasons a payout attempt can fail.
type FailureReason string

const (
	ReasonContractorNotFound FailureReason = "contractor_not_found"
	ReasonUnsupportedRole    FailureReason = "unsupported_role"
	ReasonNoPayoutAccount    FailureReason = "no_payout_account"
	ReasonNoUnpaidSessions   FailureReason = "no_unpaid_sessions"
	ReasonAmountMismatch     FailureReason = "amount_mismatch"
	ReasonDuplicatePayment   FailureReason = "duplicate_payment"
	ReasonAmountOutOfBounds  FailureReason = "amount_out_of_bounds"
	ReasonNonCompliant       FailureReason = "non_compliant"
	ReasonRateLimited        FailureReason = "rate_limited"
	ReasonPayoutInProgress   FailureReason = "payout_in_progress"
	ReasonGatewayError       FailureReason = "gateway_error"
	ReasonBookkeepingError   FailureReason = "bookkeeping_error"
	ReasonNeedsReconcile     FailureReason = "needs_reconciliation"
	ReasonInternal           FailureReason = "internal_error"
)

// PayoutStep is a state of one payout attempt.
type PayoutStep string

const (
	StepInitiated     PayoutStep = "initiated"
	StepVerifiedPre   PayoutStep = "verified_pre"
	StepTransferring  PayoutStep = "transferring"
	StepTransferred   PayoutStep = "transferred"
	StepLedgerWritten PayoutStep = "ledger_written"
	StepVerifiedPost  PayoutStep = "verified_post"
	StepCompleted     PayoutStep = "completed"
	StepFailed        PayoutStep = "failed"
)

var nextPayoutStep = map[PayoutStep]PayoutStep{
	StepInitiated:     StepVerifiedPre,
	StepVerifiedPre:   StepTransferring,
	StepTransferring:  StepTransferred,
	StepTransferred:   StepLedgerWritten,
	StepLedgerWritten: StepVerifiedPost,
	StepVerifiedPost:  StepCompleted,
}

// amountToleranceCents is the largest accepted gap between the requested amount and the
// unpaid total. Amounts are whole cents, so any difference is beyond a sub-cent tolerance.
const amountToleranceCents = 0

// PayoutRequest asks for one contractor's unpaid sessions to be paid.
type PayoutRequest struct {
	ContractorID string `json:"contractor_id"`
	Amount       int64  `json:"amount"`
	Initiator    string `json:"initiator"`
	BatchID      string `json:"batch_id,omitempty"`
}

// PayoutResult is returned for every attempt, successful or not.
type PayoutResult struct {
	Success              bool          `json:"success"`
	ContractorID         string        `json:"contractor_id"`
	TransactionID        string        `json:"transaction_id,omitempty"`
	ExternalTransferID   string        `json:"external_transfer_id,omitempty"`
	Amount               int64         `json:"amount"`
	SessionsPaid         int           `json:"sessions_paid"`
	Reason               FailureReason `json:"reason,omitempty"`
	Message              string        `json:"message,omitempty"`
	Step                 PayoutStep    `json:"step"`
	FailedAt             PayoutStep    `json:"failed_at,omitempty"`
	VerificationWarnings []string      `json:"verification_warnings,omitempty"`
	// ReconciledTransactions are earlier payouts whose transfer had gone through and whose
	// bookkeeping this attempt settled before paying anything new.
	ReconciledTransactions []string `json:"reconciled_transactions,omitempty"`
}

// PayoutConfig holds payout safety limits.
type PayoutConfig struct {
	Currency        string
	MaxAmount       int64
	TransferTimeout time.Duration
	AttemptLimit    int
	AttemptWindow   time.Duration
}

// DefaultPayoutConfig returns a $50,000 ceiling, a 30s transfer timeout and 3 attempts per hour.
func DefaultPayoutConfig() PayoutConfig {
	return PayoutConfig{
		Currency:        "usd",
		MaxAmount:       5000000,
		TransferTimeout: 30 * time.Second,
		AttemptLimit:    3,
		AttemptWindow:   time.Hour,
	}
}

type payoutAttempt struct {
	step   PayoutStep
	result PayoutResult
	logger *slog.Logger
}

func (a *payoutAttempt) advance(next PayoutStep) {
	if nextPayoutStep[a.step] != next {
		panic(fmt.Sprintf("invalid payout transition %s -> %s", a.step, next))
	}
	a.step = next
	a.result.Step = next
	a.logger.Debug("payout step", "step", next)
}

func (a *payoutAttempt) fail(reason FailureReason, message string) PayoutResult {
	a.result.Success = false
	a.result.Reason = reason
	a.result.Message = message
	a.result.FailedAt = a.step
	a.result.Step = StepFailed
	a.step = StepFailed
	a.logger.Warn("payout attempt failed", "reason", reason, "failed_at", a.result.FailedAt, "message", message)
	return a.result
}

// PayoutProcessor executes payouts to one contractor at a time.
type PayoutProcessor struct {
	repo       PayoutRepository
	gateway    TransferGateway
	compliance ComplianceChecker
	tiers      AffiliateTierResolver
	counters   CounterStore
	cfg        PayoutConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewPayoutProcessor creates a processor. compliance and counters may be nil.
func NewPayoutProcessor(
	repo PayoutRepository,
	gateway TransferGateway,
	compliance ComplianceChecker,
	tiers AffiliateTierResolver,
	counters CounterStore,
	cfg PayoutConfig,
	logger *slog.Logger,
) *PayoutProcessor {
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 30 * time.Second
	}
	return &PayoutProcessor{
		repo:       repo,
		gateway:    gateway,
		compliance: compliance,
		tiers:      tiers,
		counters:   counters,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (p *PayoutProcessor) begin(contractorID string, amount int64) *payoutAttempt {
	return &payoutAttempt{
		step:   StepInitiated,
		result: PayoutResult{ContractorID: contractorID, Amount: amount, Step: StepInitiated},
		logger: p.logger.With("contractor_id", contractorID),
	}
}

// ProcessContractorPayout pays a session-earning contractor (caregiver or housekeeper) the
// full unpaid balance, which must equal req.Amount.
func (p *PayoutProcessor) ProcessContractorPayout(ctx context.Context, req PayoutRequest) PayoutResult {
	attempt := p.begin(req.ContractorID, req.Amount)

	contractor, failure, ok := p.loadContractor(ctx, attempt, req.ContractorID)
	if !ok {
		return failure
	}
	if !contractor.Role.EarnsFromSessions() {
		return attempt.fail(ReasonUnsupportedRole, fmt.Sprintf("%s payouts are paid through the commission path", contractor.Role))
	}
	if !contractor.HasPayoutAccount() {
		return attempt.fail(ReasonNoPayoutAccount, "contractor has no connected payout account")
	}

	pending, sessions, err := p.PendingEarnings(ctx, *contractor)
	if err != nil {
		return attempt.fail(ReasonInternal, fmt.Sprintf("load unpaid sessions: %v", err))
	}
	if len(sessions) == 0 {
		return attempt.fail(ReasonNoUnpaidSessions, "no unpaid work sessions for contractor")
	}
	if err := verifySessionsUnpaid(sessions); err != nil {
		return attempt.fail(ReasonDuplicatePayment, err.Error())
	}
	if absInt64(pending.Amount-req.Amount) > amountToleranceCents {
		return attempt.fail(ReasonAmountMismatch, fmt.Sprintf("amount mismatch: requested %s but unpaid earnings total %s", formatCents(req.Amount), formatCents(pending.Amount)))
	}

	pending, failure, ok = p.settleOpenPayouts(ctx, attempt, *contractor, pending)
	if !ok {
		return failure
	}
	if len(pending.SessionIDs) == 0 {
		return attempt.result
	}
	if failure, ok := p.verifyAmountAndCompliance(ctx, attempt, contractor.ID, pending.Amount); !ok {
		return failure
	}

	key := SessionIdempotencyKey(contractor.ID, pending.SessionIDs)
	return p.execute(ctx, attempt, *contractor, pending, key, req.Initiator, req.BatchID)
}

// ProcessCommissionPayout is the direct-transfer path for affiliates and training partners
// inside a scheduled batch. The idempotency key is scoped to batch, contractor and day.
func (p *PayoutProcessor) ProcessCommissionPayout(ctx context.Context, contractor domain.Contractor, batchID string, scheduledDate time.Time, initiator string) PayoutResult {
	attempt := p.begin(contractor.ID, 0)

	if contractor.Role.EarnsFromSessions() {
		return attempt.fail(ReasonUnsupportedRole, fmt.Sprintf("%s payouts are paid from work sessions", contractor.Role))
	}
	if !contractor.HasPayoutAccount() {
		return attempt.fail(ReasonNoPayoutAccount, "contractor has no connected payout account")
	}

	pending, sessions, err := p.PendingEarnings(ctx, contractor)
	if err != nil {
		return attempt.fail(ReasonInternal, fmt.Sprintf("load unpaid commissions: %v", err))
	}
	attempt.result.Amount = pending.Amount
	if len(sessions) == 0 || pending.Amount <= 0 {
		return attempt.fail(ReasonNoUnpaidSessions, "no unpaid commissions for contractor")
	}
	if err := verifyCommissionsUnpaid(pending.Kind, sessions); err != nil {
		return attempt.fail(ReasonDuplicatePayment, err.Error())
	}

	pending, failure, ok := p.settleOpenPayouts(ctx, attempt, contractor, pending)
	if !ok {
		return failure
	}
	if len(pending.SessionIDs) == 0 {
		return attempt.result
	}
	if failure, ok := p.verifyAmountAndCompliance(ctx, attempt, contractor.ID, pending.Amount); !ok {
		return failure
	}

	key := CommissionIdempotencyKey(batchID, contractor.ID, scheduledDate)
	return p.execute(ctx, attempt, contractor, pending, key, initiator, batchID)
}

// PendingEarnings totals what is currently owed to a contractor, using the same session
// set a payout would settle.
func (p *PayoutProcessor) PendingEarnings(ctx context.Context, contractor domain.Contractor) (domain.PendingEarnings, []domain.WorkSession, error) {
	kind := contractor.Role.PayoutKind()
	pending := domain.PendingEarnings{Kind: kind, Hours: decimal.Zero}

	var (
		sessions []domain.WorkSession
		err      error
	)
	if kind == domain.PayoutKindSessionEarnings {
		sessions, err = p.repo.ListUnpaidSessions(ctx, contractor.ID)
	} else {
		sessions, err = p.repo.ListUnpaidCommissionSessions(ctx, kind, contractor.ID)
	}
	if err != nil {
		return pending, nil, err
	}

	for _, session := range sessions {
		pending.SessionIDs = append(pending.SessionIDs, session.ID)
		pending.Hours = pending.Hours.Add(session.Hours)
		switch kind {
		case domain.PayoutKindSessionEarnings:
			pending.Amount += session.PayeeEarnings
		case domain.PayoutKindTrainingCommission:
			pending.Amount += session.TrainingCommission
		}
	}

	if kind == domain.PayoutKindAffiliateCommission && len(sessions) > 0 {
		if p.tiers == nil {
			return pending, nil, errors.New("affiliate tier resolver not configured")
		}
		tier, err := p.tiers.TierForAffiliate(ctx, contractor.ID)
		if err != nil {
			return pending, nil, err
		}
		pending.Amount = toCents(tier.RatePerHour.Mul(pending.Hours))
	}
	return pending, sessions, nil
}

func (p *PayoutProcessor) loadContractor(ctx context.Context, attempt *payoutAttempt, contractorID string) (*domain.Contractor, PayoutResult, bool) {
	contractor, err := p.repo.GetContractor(ctx, contractorID)
	if err != nil {
		if errors.Is(err, store.ErrContractorNotFound) {
			return nil, attempt.fail(ReasonContractorNotFound, "contractor not found"), false
		}
		return nil, attempt.fail(ReasonInternal, fmt.Sprintf("load contractor: %v", err)), false
	}
	return contractor, PayoutResult{}, true
}

func (p *PayoutProcessor) verifyAmountAndCompliance(ctx context.Context, attempt *payoutAttempt, contractorID string, amount int64) (PayoutResult, bool) {
	if amount <= 0 || amount > p.cfg.MaxAmount {
		return attempt.fail(ReasonAmountOutOfBounds, fmt.Sprintf("amount %s outside allowed range (0, %s]", formatCents(amount), formatCents(p.cfg.MaxAmount))), false
	}
	if p.compliance != nil {
		result, err := p.compliance.GetCompliance(ctx, contractorID)
		if err != nil {
			return attempt.fail(ReasonInternal, fmt.Sprintf("compliance check: %v", err)), false
		}
		if !result.Passed {
			return attempt.fail(ReasonNonCompliant, complianceSummary(result)), false
		}
	}
	if allowed, retryAfter := p.allowAttempt(ctx, contractorID); !allowed {
		return attempt.fail(ReasonRateLimited, fmt.Sprintf("too many payout attempts; retry in %s", retryAfter.Round(time.Second))), false
	}
	return PayoutResult{}, true
}

func (p *PayoutProcessor) allowAttempt(ctx context.Context, contractorID string) (bool, time.Duration) {
	if p.counters == nil || p.cfg.AttemptLimit <= 0 {
		return true, 0
	}
	count, retryAfter, err := p.counters.Increment(ctx, "payout_attempt", contractorID, p.cfg.AttemptWindow)
	if err != nil {
		p.logger.Warn("payout attempt counter unavailable; allowing attempt", "contractor_id", contractorID, "error", err)
		return true, 0
	}
	return count <= p.cfg.AttemptLimit, retryAfter
}

// execute runs everything after pre-verification: record, transfer, bookkeeping, verify.
func (p *PayoutProcessor) execute(
	ctx context.Context,
	attempt *payoutAttempt,
	contractor domain.Contractor,
	pending domain.PendingEarnings,
	idempotencyKey string,
	initiator string,
	batchID string,
) PayoutResult {
	attempt.advance(StepVerifiedPre)
	attempt.result.Amount = pending.Amount

	record := &domain.PayoutTransaction{
		ID:                   uuid.NewString(),
		ContractorID:         contractor.ID,
		Kind:                 pending.Kind,
		Amount:               pending.Amount,
		Currency:             p.cfg.Currency,
		DestinationAccountID: *contractor.PayoutAccountID,
		Status:               domain.PayoutStatusProcessing,
		SessionIDs:           pending.SessionIDs,
		IdempotencyKey:       idempotencyKey,
		Initiator:            initiator,
		InitiatedAt:          p.now().UTC(),
	}
	if batchID != "" {
		record.BatchID = &batchID
	}
	if err := p.repo.CreatePayoutTransaction(ctx, record); err != nil {
		if errors.Is(err, store.ErrPayoutInProgress) {
			return attempt.fail(ReasonPayoutInProgress, "a payout for these sessions is already in progress")
		}
		return attempt.fail(ReasonInternal, fmt.Sprintf("create payout transaction: %v", err))
	}
	attempt.result.TransactionID = record.ID

	attempt.advance(StepTransferring)
	transferCtx, cancel := context.WithTimeout(ctx, p.cfg.TransferTimeout)
	transfer, err := p.gateway.CreateTransfer(transferCtx, gatewayclient.TransferRequest{
		Amount:         pending.Amount,
		Currency:       p.cfg.Currency,
		Destination:    record.DestinationAccountID,
		Description:    fmt.Sprintf("%s payout for %d sessions", pending.Kind, pending.SessionCount()),
		IdempotencyKey: idempotencyKey,
		Metadata: map[string]string{
			"contractor_id":  contractor.ID,
			"transaction_id": record.ID,
			"session_count":  fmt.Sprint(pending.SessionCount()),
		},
	})
	cancel()
	if err != nil {
		reason := fmt.Sprintf("transfer failed: %v", err)
		p.markFailed(ctx, record.ID, reason, "")
		return attempt.fail(ReasonGatewayError, reason)
	}
	attempt.advance(StepTransferred)
	attempt.result.ExternalTransferID = transfer.ID

	completedAt := p.now().UTC()
	err = p.repo.CompletePayout(ctx, store.CompletePayoutParams{
		TransactionID:      record.ID,
		ContractorID:       contractor.ID,
		Kind:               pending.Kind,
		SessionIDs:         pending.SessionIDs,
		ExternalTransferID: transfer.ID,
		CompletedAt:        completedAt,
		Ledger: domain.LedgerEntry{
			ID:            uuid.NewString(),
			DebitAccount:  pending.Kind.PayableAccount(),
			CreditAccount: domain.LedgerAccountCash,
			Amount:        pending.Amount,
			Currency:      p.cfg.Currency,
			TransactionID: record.ID,
			Metadata: map[string]any{
				"contractor_id":        contractor.ID,
				"external_transfer_id": transfer.ID,
				"idempotency_key":      idempotencyKey,
				"session_count":        pending.SessionCount(),
				"initiator":            initiator,
			},
			CreatedAt: completedAt,
		},
	})
	if err != nil {
		// The gateway has moved the money. The failed record keeps the transfer id and its
		// session set, and the next attempt settles it before any new transfer.
		reason := fmt.Sprintf("transfer %s succeeded but bookkeeping failed: %v", transfer.ID, err)
		attempt.logger.Error("payout requires reconciliation", "transaction_id", record.ID, "external_transfer_id", transfer.ID, "error", err)
		p.markFailed(ctx, record.ID, reason, transfer.ID)
		return attempt.fail(ReasonBookkeepingError, reason)
	}
	attempt.advance(StepLedgerWritten)

	attempt.result.VerificationWarnings = p.verifyPostconditions(ctx, attempt.logger, pending.Kind, record.ID, pending.SessionCount())
	attempt.advance(StepVerifiedPost)

	attempt.result.SessionsPaid = pending.SessionCount()
	attempt.result.Success = true
	attempt.advance(StepCompleted)
	attempt.logger.Info("payout completed",
		"transaction_id", record.ID,
		"external_transfer_id", transfer.ID,
		"amount", pending.Amount,
		"sessions", pending.SessionCount(),
		"initiator", initiator,
	)
	return attempt.result
}

func (p *PayoutProcessor) markFailed(ctx context.Context, transactionID, reason, externalTransferID string) {
	if err := p.repo.MarkPayoutFailed(context.WithoutCancel(ctx), transactionID, reason, externalTransferID, p.now().UTC()); err != nil {
		p.logger.Error("failed to mark payout transaction failed", "transaction_id", transactionID, "error", err)
	}
}

// settleOpenPayouts looks for earlier payouts still covering any of the candidate sessions.
// One in flight blocks the attempt. One whose transfer went through but whose bookkeeping
// failed is settled against its own recorded sessions, and the remaining balance is
// recomputed. If it cannot be settled nothing new is paid.
func (p *PayoutProcessor) settleOpenPayouts(ctx context.Context, attempt *payoutAttempt, contractor domain.Contractor, pending domain.PendingEarnings) (domain.PendingEarnings, PayoutResult, bool) {
	open, err := p.repo.ListOpenPayouts(ctx, contractor.ID, pending.Kind)
	if err != nil {
		return pending, attempt.fail(ReasonInternal, fmt.Sprintf("load open payouts: %v", err)), false
	}

	candidates := make(map[string]struct{}, len(pending.SessionIDs))
	for _, id := range pending.SessionIDs {
		candidates[id] = struct{}{}
	}

	var settled []domain.PayoutTransaction
	for _, earlier := range open {
		if !coversAny(earlier.SessionIDs, candidates) {
			continue
		}
		if earlier.Status == domain.PayoutStatusProcessing {
			return pending, attempt.fail(ReasonPayoutInProgress, fmt.Sprintf("payout %s already covers some of these sessions", earlier.ID)), false
		}
		if err := p.settleTransferred(ctx, earlier); err != nil {
			attempt.logger.Error("could not settle earlier transfer", "transaction_id", earlier.ID, "external_transfer_id", *earlier.ExternalTransferID, "error", err)
			return pending, attempt.fail(ReasonNeedsReconcile, fmt.Sprintf("transfer %s for payout %s is not yet booked: %v", *earlier.ExternalTransferID, earlier.ID, err)), false
		}
		attempt.logger.Info("settled earlier transfer", "transaction_id", earlier.ID, "external_transfer_id", *earlier.ExternalTransferID, "sessions", len(earlier.SessionIDs))
		settled = append(settled, earlier)
	}
	if len(settled) == 0 {
		return pending, PayoutResult{}, true
	}

	for _, earlier := range settled {
		attempt.result.ReconciledTransactions = append(attempt.result.ReconciledTransactions, earlier.ID)
	}
	remaining, _, err := p.PendingEarnings(ctx, contractor)
	if err != nil {
		return pending, attempt.fail(ReasonInternal, fmt.Sprintf("reload unpaid sessions: %v", err)), false
	}
	if len(remaining.SessionIDs) == 0 {
		// Everything owed was covered by transfers that had already gone through.
		last := settled[len(settled)-1]
		attempt.result.Success = true
		attempt.result.Step = StepCompleted
		attempt.result.TransactionID = last.ID
		attempt.result.ExternalTransferID = *last.ExternalTransferID
		attempt.result.Amount = 0
		for _, earlier := range settled {
			attempt.result.Amount += earlier.Amount
			attempt.result.SessionsPaid += len(earlier.SessionIDs)
		}
		attempt.result.Message = "settled earlier transfers; nothing further owed"
	}
	return remaining, PayoutResult{}, true
}

func (p *PayoutProcessor) settleTransferred(ctx context.Context, earlier domain.PayoutTransaction) error {
	completedAt := p.now().UTC()
	return p.repo.CompletePayout(ctx, store.CompletePayoutParams{
		TransactionID:      earlier.ID,
		ContractorID:       earlier.ContractorID,
		Kind:               earlier.Kind,
		SessionIDs:         earlier.SessionIDs,
		ExternalTransferID: *earlier.ExternalTransferID,
		CompletedAt:        completedAt,
		FromStatus:         domain.PayoutStatusFailed,
		Ledger: domain.LedgerEntry{
			ID:            uuid.NewString(),
			DebitAccount:  earlier.Kind.PayableAccount(),
			CreditAccount: domain.LedgerAccountCash,
			Amount:        earlier.Amount,
			Currency:      earlier.Currency,
			TransactionID: earlier.ID,
			Metadata: map[string]any{
				"contractor_id":        earlier.ContractorID,
				"external_transfer_id": *earlier.ExternalTransferID,
				"idempotency_key":      earlier.IdempotencyKey,
				"session_count":        len(earlier.SessionIDs),
				"reconciled":           true,
			},
			CreatedAt: completedAt,
		},
	})
}

func coversAny(sessionIDs []string, candidates map[string]struct{}) bool {
	for _, id := range sessionIDs {
		if _, ok := candidates[id]; ok {
			return true
		}
	}
	return false
}

// verifyPostconditions never undoes a payout; mismatches are logged for manual audit.
func (p *PayoutProcessor) verifyPostconditions(ctx context.Context, logger *slog.Logger, kind domain.PayoutKind, transactionID string, expectedSessions int) []string {
	var warnings []string

	paid, err := p.repo.CountSessionsPaidByTransaction(ctx, kind, transactionID)
	switch {
	case err != nil:
		warnings = append(warnings, fmt.Sprintf("could not recount paid sessions: %v", err))
	case paid != expectedSessions:
		warnings = append(warnings, fmt.Sprintf("expected %d sessions marked paid, found %d", expectedSessions, paid))
	}

	stored, err := p.repo.GetPayoutTransaction(ctx, transactionID)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("could not reload payout transaction: %v", err))
	} else {
		if stored.ExternalTransferID == nil || *stored.ExternalTransferID == "" {
			warnings = append(warnings, "external transfer id not recorded")
		}
		if stored.Status != domain.PayoutStatusCompleted {
			warnings = append(warnings, fmt.Sprintf("transaction status is %s, expected completed", stored.Status))
		}
	}

	for _, warning := range warnings {
		logger.Warn("payout verification mismatch; flagged for audit", "transaction_id", transactionID, "detail", warning)
	}
	return warnings
}

func verifySessionsUnpaid(sessions []domain.WorkSession) error {
	seen := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		if _, dup := seen[session.ID]; dup {
			return fmt.Errorf("session %s listed twice", session.ID)
		}
		seen[session.ID] = struct{}{}
		if session.PaidAt != nil || session.PayoutTransactionID != nil {
			return fmt.Errorf("session %s is already paid", session.ID)
		}
	}
	return nil
}

func verifyCommissionsUnpaid(kind domain.PayoutKind, sessions []domain.WorkSession) error {
	seen := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		if _, dup := seen[session.ID]; dup {
			return fmt.Errorf("session %s listed twice for %s", session.ID, kind)
		}
		seen[session.ID] = struct{}{}
		if session.ChargedAt == nil {
			return fmt.Errorf("session %s has not been charged", session.ID)
		}
	}
	return nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
