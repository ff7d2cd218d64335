package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/carelink/payout-service/internal/store"
	"github.com/carelink/payout-service/pkg/gatewayclient"
	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func strPtr(v string) *string { return &v }

// memoryStore is an in-memory stand-in for the Postgres repository.
type memoryStore struct {
	mu sync.Mutex

	contractors       map[string]domain.Contractor
	sessions          map[string]*domain.WorkSession
	sessionOrder      []string
	affiliateSessions map[string][]string
	commissionPaid    map[string]string
	payouts           map[string]*domain.PayoutTransaction
	ledger            []domain.LedgerEntry
	batches           map[string]*domain.ScheduledPayoutBatch
	batchUpdates      int
	compliance        map[string][]domain.ComplianceCheckResult
	patterns          map[string]domain.WorkPattern
	referredClients   map[string][]string
	paidBookings      map[string]bool
	retries           map[string]*domain.WebhookRetryRecord

	getContractorErr map[string]error
	patternErr       map[string]error
	completeErr      error
	candidatesErr    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		contractors:       make(map[string]domain.Contractor),
		sessions:          make(map[string]*domain.WorkSession),
		affiliateSessions: make(map[string][]string),
		commissionPaid:    make(map[string]string),
		payouts:           make(map[string]*domain.PayoutTransaction),
		batches:           make(map[string]*domain.ScheduledPayoutBatch),
		compliance:        make(map[string][]domain.ComplianceCheckResult),
		patterns:          make(map[string]domain.WorkPattern),
		referredClients:   make(map[string][]string),
		paidBookings:      make(map[string]bool),
		retries:           make(map[string]*domain.WebhookRetryRecord),
		getContractorErr:  make(map[string]error),
		patternErr:        make(map[string]error),
	}
}

func (s *memoryStore) addContractor(c domain.Contractor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contractors[c.ID] = c
}

func (s *memoryStore) addSession(session domain.WorkSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := session
	s.sessions[session.ID] = &copied
	s.sessionOrder = append(s.sessionOrder, session.ID)
}

// referClient attributes a client to an affiliate's referral code.
func (s *memoryStore) referClient(affiliateID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referredClients[affiliateID] = append(s.referredClients[affiliateID], clientID)
}

// referPaidClients refers n clients to the affiliate, each with a paid booking.
func (s *memoryStore) referPaidClients(affiliateID string, n int) {
	for i := 0; i < n; i++ {
		clientID := fmt.Sprintf("%s-client-%d", affiliateID, i+1)
		s.referClient(affiliateID, clientID)
		s.mu.Lock()
		s.paidBookings[clientID] = true
		s.mu.Unlock()
	}
}

func (s *memoryStore) session(id string) domain.WorkSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[id]
}

func (s *memoryStore) payoutList() []domain.PayoutTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PayoutTransaction
	for _, tx := range s.payouts {
		out = append(out, *tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out
}

func (s *memoryStore) GetContractor(ctx context.Context, contractorID string) (*domain.Contractor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getContractorErr[contractorID]; err != nil {
		return nil, err
	}
	c, ok := s.contractors[contractorID]
	if !ok {
		return nil, store.ErrContractorNotFound
	}
	return &c, nil
}

func (s *memoryStore) ListActiveContractors(ctx context.Context) ([]domain.Contractor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Contractor
	for _, c := range s.contractors {
		if c.Status == domain.ContractorStatusActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) ListPayoutCandidates(ctx context.Context, cadence domain.Cadence, requireTaxForm bool) ([]domain.Contractor, error) {
	if s.candidatesErr != nil {
		return nil, s.candidatesErr
	}
	active, _ := s.ListActiveContractors(ctx)
	var out []domain.Contractor
	for _, c := range active {
		if c.PayoutCadence != cadence || !c.HasPayoutAccount() {
			continue
		}
		if requireTaxForm && !c.TaxFormSubmitted {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *memoryStore) CountPaidReferredClients(ctx context.Context, affiliateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	seen := make(map[string]bool)
	for _, clientID := range s.referredClients[affiliateID] {
		if seen[clientID] {
			continue
		}
		seen[clientID] = true
		if s.paidBookings[clientID] || s.hasChargedSession(clientID) {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) hasChargedSession(clientID string) bool {
	for _, session := range s.sessions {
		if session.ClientID == clientID && session.ChargedAt != nil {
			return true
		}
	}
	return false
}

func (s *memoryStore) ListUnpaidSessions(ctx context.Context, contractorID string) ([]domain.WorkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkSession
	for _, id := range s.sessionOrder {
		session := s.sessions[id]
		if session.ContractorID == contractorID && session.ClockOut != nil && session.PaidAt == nil {
			out = append(out, *session)
		}
	}
	return out, nil
}

func (s *memoryStore) ListUnpaidCommissionSessions(ctx context.Context, kind domain.PayoutKind, contractorID string) ([]domain.WorkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkSession
	switch kind {
	case domain.PayoutKindAffiliateCommission:
		for _, id := range s.affiliateSessions[contractorID] {
			session := s.sessions[id]
			if session.ChargedAt != nil && s.commissionPaid[string(kind)+"|"+id] == "" {
				out = append(out, *session)
			}
		}
	case domain.PayoutKindTrainingCommission:
		for _, id := range s.sessionOrder {
			session := s.sessions[id]
			if session.TrainingPartnerID == nil || *session.TrainingPartnerID != contractorID {
				continue
			}
			if session.ChargedAt != nil && session.TrainingCommission > 0 && s.commissionPaid[string(kind)+"|"+id] == "" {
				out = append(out, *session)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported kind %s", kind)
	}
	return out, nil
}

func (s *memoryStore) GetWorkPattern(ctx context.Context, contractorID string, since time.Time) (domain.WorkPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.patternErr[contractorID]; err != nil {
		return domain.WorkPattern{}, err
	}
	pattern, ok := s.patterns[contractorID]
	if !ok {
		return domain.WorkPattern{TotalHours: decimal.Zero}, nil
	}
	return pattern, nil
}

func (s *memoryStore) RecordSessionEarnings(ctx context.Context, sessionID string, hours decimal.Decimal, earnings domain.SessionEarnings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	if session.PaidAt != nil {
		return store.ErrSessionsAlreadyPaid
	}
	session.Hours = hours
	session.PayeeEarnings = earnings.PayeeEarnings
	session.PlatformCommission = earnings.PlatformCommission
	session.AffiliateCommission = earnings.AffiliateCommission
	session.TrainingCommission = earnings.TrainingCommission
	session.ClientTotal = earnings.ClientTotal
	return nil
}

func (s *memoryStore) CreatePayoutTransaction(ctx context.Context, tx *domain.PayoutTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payouts {
		if existing.IdempotencyKey == tx.IdempotencyKey && existing.Status != domain.PayoutStatusFailed {
			return store.ErrPayoutInProgress
		}
	}
	copied := *tx
	copied.SessionIDs = append([]string(nil), tx.SessionIDs...)
	s.payouts[tx.ID] = &copied
	return nil
}

func (s *memoryStore) MarkPayoutFailed(ctx context.Context, transactionID, reason, externalTransferID string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.payouts[transactionID]
	if !ok {
		return store.ErrPayoutTransactionNotFound
	}
	if tx.Status != domain.PayoutStatusProcessing {
		return store.ErrInvalidPayoutTransition
	}
	tx.Status = domain.PayoutStatusFailed
	tx.FailureReason = &reason
	tx.CompletedAt = &failedAt
	if externalTransferID != "" {
		tx.ExternalTransferID = strPtr(externalTransferID)
	}
	return nil
}

func (s *memoryStore) CompletePayout(ctx context.Context, params store.CompletePayoutParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	fromStatus := params.FromStatus
	if fromStatus == "" {
		fromStatus = domain.PayoutStatusProcessing
	}
	tx, ok := s.payouts[params.TransactionID]
	if !ok || tx.Status != fromStatus {
		return store.ErrInvalidPayoutTransition
	}
	if tx.ExternalTransferID != nil && *tx.ExternalTransferID != params.ExternalTransferID {
		return store.ErrInvalidPayoutTransition
	}
	for _, id := range params.SessionIDs {
		session, ok := s.sessions[id]
		if !ok {
			return store.ErrSessionNotFound
		}
		if params.Kind == domain.PayoutKindSessionEarnings && session.PaidAt != nil {
			return store.ErrSessionsAlreadyPaid
		}
		if params.Kind != domain.PayoutKindSessionEarnings && s.commissionPaid[string(params.Kind)+"|"+id] != "" {
			return store.ErrSessionsAlreadyPaid
		}
	}
	for _, id := range params.SessionIDs {
		if params.Kind == domain.PayoutKindSessionEarnings {
			session := s.sessions[id]
			paidAt := params.CompletedAt
			session.PaidAt = &paidAt
			session.PaymentStatus = domain.SessionPaymentPaid
			session.PayoutTransactionID = strPtr(params.TransactionID)
		} else {
			s.commissionPaid[string(params.Kind)+"|"+id] = params.TransactionID
		}
	}
	s.ledger = append(s.ledger, params.Ledger)
	completedAt := params.CompletedAt
	tx.Status = domain.PayoutStatusCompleted
	tx.ExternalTransferID = strPtr(params.ExternalTransferID)
	tx.CompletedAt = &completedAt
	return nil
}

func (s *memoryStore) ListOpenPayouts(ctx context.Context, contractorID string, kind domain.PayoutKind) ([]domain.PayoutTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PayoutTransaction
	for _, tx := range s.payouts {
		if tx.ContractorID != contractorID || tx.Kind != kind {
			continue
		}
		transferred := tx.Status == domain.PayoutStatusFailed && tx.ExternalTransferID != nil
		if tx.Status == domain.PayoutStatusProcessing || transferred {
			copied := *tx
			copied.SessionIDs = append([]string(nil), tx.SessionIDs...)
			out = append(out, copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out, nil
}

func (s *memoryStore) CountSessionsPaidByTransaction(ctx context.Context, kind domain.PayoutKind, transactionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	if kind == domain.PayoutKindSessionEarnings {
		for _, session := range s.sessions {
			if session.PayoutTransactionID != nil && *session.PayoutTransactionID == transactionID {
				count++
			}
		}
		return count, nil
	}
	for _, txID := range s.commissionPaid {
		if txID == transactionID {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) GetPayoutTransaction(ctx context.Context, transactionID string) (*domain.PayoutTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.payouts[transactionID]
	if !ok {
		return nil, store.ErrPayoutTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func batchKey(date time.Time, cadence domain.Cadence) string {
	return date.Format(time.DateOnly) + "|" + string(cadence)
}

func (s *memoryStore) ClaimBatch(ctx context.Context, batch *domain.ScheduledPayoutBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := batchKey(batch.ScheduledDate, batch.Cadence)
	if existing, ok := s.batches[key]; ok {
		if existing.Status != domain.BatchStatusFailed {
			return store.ErrBatchAlreadyProcessed
		}
		batch.ID = existing.ID
	}
	batch.Status = domain.BatchStatusPending
	copied := *batch
	s.batches[key] = &copied
	return nil
}

func (s *memoryStore) UpdateBatch(ctx context.Context, batch *domain.ScheduledPayoutBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := batchKey(batch.ScheduledDate, batch.Cadence)
	if _, ok := s.batches[key]; !ok {
		return store.ErrBatchNotFound
	}
	copied := *batch
	copied.Errors = append([]domain.BatchError(nil), batch.Errors...)
	copied.SessionIDs = append([]string(nil), batch.SessionIDs...)
	s.batches[key] = &copied
	s.batchUpdates++
	return nil
}

func (s *memoryStore) SaveComplianceResult(ctx context.Context, result *domain.ComplianceCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compliance[result.ContractorID] = append(s.compliance[result.ContractorID], *result)
	return nil
}

func (s *memoryStore) GetLatestComplianceResult(ctx context.Context, contractorID string) (*domain.ComplianceCheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := s.compliance[contractorID]
	if len(results) == 0 {
		return nil, store.ErrComplianceResultNotFound
	}
	latest := results[len(results)-1]
	return &latest, nil
}

func (s *memoryStore) EnqueueWebhookRetry(ctx context.Context, rec *domain.WebhookRetryRecord) (*domain.WebhookRetryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.retries {
		if existing.Provider != rec.Provider || existing.EventID != rec.EventID {
			continue
		}
		if existing.Status != domain.RetryStatusCompleted {
			copied := *existing
			return &copied, false, nil
		}
		existing.Status = domain.RetryStatusPending
		existing.RetryCount = 0
		existing.NextRetryAt = rec.NextRetryAt
		existing.ErrorMessage = rec.ErrorMessage
		existing.UpdatedAt = rec.UpdatedAt
		copied := *existing
		return &copied, true, nil
	}
	copied := *rec
	s.retries[rec.ID] = &copied
	out := copied
	return &out, true, nil
}

func (s *memoryStore) ListDueWebhookRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]domain.WebhookRetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookRetryRecord
	for _, rec := range s.retries {
		if rec.Status == domain.RetryStatusPending && rec.RetryCount < maxRetries && rec.NextRetryAt != nil && !rec.NextRetryAt.After(now) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) GetWebhookRetry(ctx context.Context, id string) (*domain.WebhookRetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.retries[id]
	if !ok {
		return nil, store.ErrWebhookRetryNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *memoryStore) ClaimDueWebhookRetries(ctx context.Context, now, leaseUntil time.Time, maxRetries, limit int) ([]domain.WebhookRetryRecord, error) {
	due, _ := s.ListDueWebhookRetries(ctx, now, maxRetries, limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range due {
		lease := leaseUntil
		rec := s.retries[due[i].ID]
		rec.NextRetryAt = &lease
		rec.UpdatedAt = now
		due[i] = *rec
	}
	return due, nil
}

func (s *memoryStore) CompleteWebhookRetry(ctx context.Context, id string, now time.Time) (*domain.WebhookRetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.retries[id]
	if !ok {
		return nil, store.ErrWebhookRetryNotFound
	}
	if rec.Status == domain.RetryStatusPending {
		rec.Status = domain.RetryStatusCompleted
		rec.NextRetryAt = nil
		rec.UpdatedAt = now
	}
	copied := *rec
	return &copied, nil
}

func (s *memoryStore) RecordWebhookRetryFailure(ctx context.Context, id string, expectedRetryCount int, errorMessage string, nextRetryAt *time.Time, now time.Time) (*domain.WebhookRetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.retries[id]
	if !ok || rec.Status != domain.RetryStatusPending || rec.RetryCount != expectedRetryCount {
		return nil, store.ErrWebhookRetryConflict
	}
	rec.RetryCount++
	rec.ErrorMessage = errorMessage
	rec.NextRetryAt = nextRetryAt
	rec.UpdatedAt = now
	if nextRetryAt == nil {
		rec.Status = domain.RetryStatusFailed
	}
	copied := *rec
	return &copied, nil
}

// gatewayStub returns the same transfer for a repeated idempotency key.
type gatewayStub struct {
	mu       sync.Mutex
	calls    []gatewayclient.TransferRequest
	byKey    map[string]*gatewayclient.Transfer
	err      error
	failFor  map[string]error
	accounts map[string]*gatewayclient.AccountStatus
}

func newGatewayStub() *gatewayStub {
	return &gatewayStub{
		byKey:    make(map[string]*gatewayclient.Transfer),
		failFor:  make(map[string]error),
		accounts: make(map[string]*gatewayclient.AccountStatus),
	}
}

func (g *gatewayStub) CreateTransfer(ctx context.Context, req gatewayclient.TransferRequest) (*gatewayclient.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	if err := g.failFor[req.Destination]; err != nil {
		return nil, err
	}
	if existing, ok := g.byKey[req.IdempotencyKey]; ok {
		return existing, nil
	}
	transfer := &gatewayclient.Transfer{
		ID:          fmt.Sprintf("tr_%d", len(g.byKey)+1),
		Status:      "paid",
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.Destination,
	}
	g.byKey[req.IdempotencyKey] = transfer
	return transfer, nil
}

func (g *gatewayStub) RetrieveAccountStatus(ctx context.Context, accountID string) (*gatewayclient.AccountStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	status, ok := g.accounts[accountID]
	if !ok {
		return &gatewayclient.AccountStatus{ID: accountID, PayoutsEnabled: true}, nil
	}
	return status, nil
}

func (g *gatewayStub) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// complianceStub passes everyone unless a result is set.
type complianceStub struct {
	results map[string]*domain.ComplianceCheckResult
	err     error
}

func (c *complianceStub) GetCompliance(ctx context.Context, contractorID string) (*domain.ComplianceCheckResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	if result, ok := c.results[contractorID]; ok {
		return result, nil
	}
	return &domain.ComplianceCheckResult{ContractorID: contractorID, Passed: true}, nil
}

func failingCompliance(contractorID string) *domain.ComplianceCheckResult {
	return &domain.ComplianceCheckResult{
		ContractorID: contractorID,
		Passed:       false,
		Checks: []domain.ComplianceCheck{
			{Name: domain.CheckTaxForm, Passed: false, Message: "tax form not submitted"},
		},
	}
}

// publisherStub records published events.
type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *publisherStub) Close() {}
