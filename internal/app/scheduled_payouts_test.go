package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/shopspring/decimal"
)

type orchestratorFixture struct {
	*processorFixture
	publisher    *publisherStub
	orchestrator *ScheduledPayoutOrchestrator
}

func newOrchestratorFixture(t *testing.T, cfg ScheduleConfig) *orchestratorFixture {
	t.Helper()
	pf := newProcessorFixture(t, DefaultPayoutConfig())
	publisher := &publisherStub{}
	notifier := NewEventNotifier(publisher, discardLogger())
	orchestrator := NewScheduledPayoutOrchestrator(pf.store, pf.processor, pf.compliance, notifier, cfg, discardLogger())
	orchestrator.now = fixedClock(testNow)
	return &orchestratorFixture{processorFixture: pf, publisher: publisher, orchestrator: orchestrator}
}

func TestProcessScheduledPayouts_SecondRunIsAlreadyProcessed(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultScheduleConfig())
	f.store.addContractor(caregiverFixture("cg-1"))
	addClosedSessions(f.store, "cg-1", 2, 2800)

	first := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceWeekly, SchedulerInitiator)
	if !first.Success || first.AlreadyProcessed {
		t.Fatalf("expected first run to process, got %+v", first)
	}

	second := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceWeekly, SchedulerInitiator)
	if !second.Success || !second.AlreadyProcessed {
		t.Fatalf("expected already processed, got %+v", second)
	}
	if len(f.store.batches) != 1 {
		t.Fatalf("expected a single batch row, got %d", len(f.store.batches))
	}
	if f.gateway.callCount() != 1 {
		t.Fatalf("expected one transfer across both runs, got %d", f.gateway.callCount())
	}

	other := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceMonthly, SchedulerInitiator)
	if other.AlreadyProcessed {
		t.Fatal("expected a different cadence on the same day to run")
	}
}

func TestProcessScheduledPayouts_NobodyMeetsMinimum(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultScheduleConfig())
	f.store.addContractor(caregiverFixture("cg-1"))
	addClosedSessions(f.store, "cg-1", 1, 1000)

	result := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceWeekly, SchedulerInitiator)

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.TotalContractors != 0 || result.Status != domain.BatchStatusCompleted {
		t.Fatalf("expected completed batch with 0 contractors, got total=%d status=%s", result.TotalContractors, result.Status)
	}
	if f.gateway.callCount() != 0 {
		t.Fatalf("expected no transfers, got %d", f.gateway.callCount())
	}
}

func TestProcessScheduledPayouts_MixedOutcomesArePartial(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultScheduleConfig())

	f.store.addContractor(caregiverFixture("cg-paid"))
	addClosedSessions(f.store, "cg-paid", 10, 2800)

	f.store.addContractor(caregiverFixture("cg-noncompliant"))
	addClosedSessions(f.store, "cg-noncompliant", 2, 2800)
	f.compliance.results["cg-noncompliant"] = failingCompliance("cg-noncompliant")

	f.store.addContractor(caregiverFixture("cg-large"))
	addClosedSessions(f.store, "cg-large", 1, 600000)

	f.store.addContractor(caregiverFixture("cg-small"))
	addClosedSessions(f.store, "cg-small", 1, 1000)

	tuesday := caregiverFixture("cg-tuesday")
	tuesday.PayoutDay = time.Tuesday
	f.store.addContractor(tuesday)
	addClosedSessions(f.store, "cg-tuesday", 2, 2800)

	f.store.addContractor(caregiverFixture("cg-declined"))
	addClosedSessions(f.store, "cg-declined", 2, 2800)
	f.gateway.failFor["acct_cg-declined"] = errors.New("transfer declined: account restricted")

	result := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceWeekly, SchedulerInitiator)

	if !result.Success || result.Status != domain.BatchStatusPartial {
		t.Fatalf("expected partial batch, got success=%t status=%s", result.Success, result.Status)
	}
	if result.TotalContractors != 4 {
		t.Fatalf("expected 4 contractors over the minimum and due, got %d", result.TotalContractors)
	}
	if result.Succeeded != 1 || result.Failed != 1 || result.Skipped != 1 || result.PendingApproval != 1 {
		t.Fatalf("expected 1/1/1/1 succeeded/failed/skipped/approval, got %d/%d/%d/%d", result.Succeeded, result.Failed, result.Skipped, result.PendingApproval)
	}
	if result.SucceededAmount != 28000 || result.FailedAmount != 5600 {
		t.Fatalf("expected 28000 succeeded and 5600 failed, got %d and %d", result.SucceededAmount, result.FailedAmount)
	}

	reasons := map[string]string{}
	for _, batchErr := range result.Errors {
		reasons[batchErr.ContractorID] = batchErr.Reason
	}
	want := map[string]string{
		"cg-noncompliant": string(ReasonNonCompliant),
		"cg-large":        BatchReasonPendingApproval,
		"cg-declined":     string(ReasonGatewayError),
	}
	for id, reason := range want {
		if reasons[id] != reason {
			t.Fatalf("expected %s error for %s, got %q", reason, id, reasons[id])
		}
	}

	var succeeded, failed int
	for _, event := range f.publisher.events {
		if event.exchange != NotificationEventsExchange {
			t.Fatalf("expected notification exchange, got %s", event.exchange)
		}
		switch event.routingKey {
		case "payout.succeeded":
			succeeded++
		case "payout.failed":
			failed++
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("expected one success and one failure notification, got %d and %d", succeeded, failed)
	}

	batch := f.store.batches[batchKey(testNow, domain.CadenceWeekly)]
	if batch.Status != domain.BatchStatusPartial || batch.CompletedAt == nil {
		t.Fatalf("expected persisted partial batch with completion time, got %+v", batch)
	}
	if len(batch.SessionIDs) != 10 {
		t.Fatalf("expected batch to retain the 10 paid session ids, got %d", len(batch.SessionIDs))
	}
	if f.store.batchUpdates < 4 {
		t.Fatalf("expected the batch to be updated per contractor, got %d updates", f.store.batchUpdates)
	}
}

func TestProcessScheduledPayouts_AllFailuresAllowRerun(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultScheduleConfig())
	f.store.addContractor(caregiverFixture("cg-1"))
	addClosedSessions(f.store, "cg-1", 2, 2800)
	f.gateway.err = errors.New("gateway unavailable")

	first := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceWeekly, SchedulerInitiator)
	if first.Success || first.Status != domain.BatchStatusFailed {
		t.Fatalf("expected failed batch, got success=%t status=%s", first.Success, first.Status)
	}

	f.gateway.err = nil
	second := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceWeekly, SchedulerInitiator)
	if second.AlreadyProcessed || second.Status != domain.BatchStatusCompleted {
		t.Fatalf("expected rerun to complete, got %+v", second)
	}
	if second.BatchID != first.BatchID {
		t.Fatalf("expected the failed batch row to be reused, got %s and %s", first.BatchID, second.BatchID)
	}
}

func TestProcessScheduledPayouts_NotificationFailureDoesNotFailBatch(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultScheduleConfig())
	f.publisher.err = errors.New("broker unavailable")
	f.store.addContractor(caregiverFixture("cg-1"))
	addClosedSessions(f.store, "cg-1", 2, 2800)

	result := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceWeekly, SchedulerInitiator)

	if !result.Success || result.Status != domain.BatchStatusCompleted || result.Succeeded != 1 {
		t.Fatalf("expected completed batch despite notification failure, got %+v", result)
	}
}

func TestProcessScheduledPayouts_CandidateListingFailure(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultScheduleConfig())
	f.store.candidatesErr = errors.New("connection refused")

	result := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceWeekly, SchedulerInitiator)

	if result.Success || result.Status != domain.BatchStatusFailed || result.Message == "" {
		t.Fatalf("expected failed batch with message, got %+v", result)
	}
}

func TestProcessScheduledPayouts_PaysAffiliateThroughCommissionPath(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultScheduleConfig())
	affiliate := caregiverFixture("aff-1")
	affiliate.Role = domain.RoleMarketingAffiliate
	f.store.addContractor(affiliate)
	f.store.referPaidClients("aff-1", 12)

	charged := testNow.AddDate(0, 0, -3)
	f.store.addSession(domain.WorkSession{ID: "ref-s1", ContractorID: "cg-9", Hours: decimal.NewFromInt(20), ChargedAt: &charged})
	f.store.affiliateSessions["aff-1"] = []string{"ref-s1"}

	result := f.orchestrator.ProcessScheduledPayouts(context.Background(), domain.CadenceWeekly, SchedulerInitiator)

	if result.Succeeded != 1 || result.SucceededAmount != 4000 {
		t.Fatalf("expected platinum 20h x $2.00 = 4000 paid, got %+v", result)
	}
	want := CommissionIdempotencyKey(result.BatchID, "aff-1", testNow)
	if f.gateway.calls[0].IdempotencyKey != want {
		t.Fatalf("expected key %s, got %s", want, f.gateway.calls[0].IdempotencyKey)
	}
}

func TestIsPayoutDue(t *testing.T) {
	monday := caregiverFixture("cg-1")
	biweekly := caregiverFixture("cg-2")
	biweekly.PayoutCadence = domain.CadenceBiweekly
	monthly := caregiverFixture("cg-3")
	monthly.PayoutCadence = domain.CadenceMonthly

	offWeekMonday := testNow
	payWeekMonday := testNow.AddDate(0, 0, 7)

	tests := []struct {
		name       string
		contractor domain.Contractor
		date       time.Time
		due        bool
	}{
		{name: "weekly on payout day", contractor: monday, date: offWeekMonday, due: true},
		{name: "weekly on other day", contractor: monday, date: offWeekMonday.AddDate(0, 0, 1), due: false},
		{name: "biweekly off week", contractor: biweekly, date: offWeekMonday, due: false},
		{name: "biweekly pay week", contractor: biweekly, date: payWeekMonday, due: true},
		{name: "monthly on configured day", contractor: monthly, date: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), due: true},
		{name: "monthly on other day", contractor: monthly, date: offWeekMonday, due: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPayoutDue(tc.contractor, tc.date, 1); got != tc.due {
				t.Fatalf("expected due=%t, got %t", tc.due, got)
			}
		})
	}
}

func TestIsPayoutDue_BiweeklyStaysFortnightlyAcrossWeek53(t *testing.T) {
	biweekly := caregiverFixture("cg-1")
	biweekly.PayoutCadence = domain.CadenceBiweekly

	// 2026 has an ISO week 53 (Dec 28); paydays must still land every 14 days.
	var due []time.Time
	day := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	for day.Before(time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC)) {
		if IsPayoutDue(biweekly, day, 1) {
			due = append(due, day)
		}
		day = day.AddDate(0, 0, 1)
	}

	if len(due) < 4 {
		t.Fatalf("expected at least 4 paydays over two months, got %v", due)
	}
	for i := 1; i < len(due); i++ {
		if gap := due[i].Sub(due[i-1]); gap != 14*24*time.Hour {
			t.Fatalf("expected 14 days between %s and %s, got %s", due[i-1].Format("2006-01-02"), due[i].Format("2006-01-02"), gap)
		}
	}
	want := time.Date(2027, 1, 4, 0, 0, 0, 0, time.UTC)
	found := false
	for _, d := range due {
		if d.Equal(want) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s to be a payday, got %v", want.Format("2006-01-02"), due)
	}
}

func TestWeeksSince(t *testing.T) {
	tests := []struct {
		name string
		date time.Time
		want int64
	}{
		{name: "epoch", date: biweeklyEpoch, want: 0},
		{name: "same week", date: biweeklyEpoch.AddDate(0, 0, 6), want: 0},
		{name: "next week", date: biweeklyEpoch.AddDate(0, 0, 7), want: 1},
		{name: "day before epoch", date: biweeklyEpoch.AddDate(0, 0, -1), want: -1},
		{name: "ignores time of day", date: time.Date(1970, 1, 12, 23, 59, 0, 0, time.UTC), want: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := weeksSince(biweeklyEpoch, tc.date); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestGetPayoutSchedule(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultScheduleConfig())
	contractor := caregiverFixture("cg-1")
	contractor.PayoutCadence = domain.CadenceBiweekly
	f.store.addContractor(contractor)
	addClosedSessions(f.store, "cg-1", 3, 2800)

	schedule, err := f.orchestrator.GetPayoutSchedule(context.Background(), "cg-1")
	if err != nil {
		t.Fatalf("expected schedule, got %v", err)
	}
	if schedule.PendingAmount != 8400 || schedule.PendingSessions != 3 || !schedule.MeetsMinimum || !schedule.AccountReady {
		t.Fatalf("expected 3 sessions for 8400 meeting the minimum, got %+v", schedule)
	}
	wantNext := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if schedule.NextPayoutDate == nil || !schedule.NextPayoutDate.Equal(wantNext) {
		t.Fatalf("expected next payout %s, got %v", wantNext, schedule.NextPayoutDate)
	}

	if _, err := f.orchestrator.GetPayoutSchedule(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unknown contractor")
	}
}
