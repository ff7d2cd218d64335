package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carelink/payout-service/internal/domain"
	"github.com/shopspring/decimal"
)

type flakyEarningsStore struct {
	err error
}

func (f flakyEarningsStore) RecordSessionEarnings(ctx context.Context, sessionID string, hours decimal.Decimal, earnings domain.SessionEarnings) error {
	return f.err
}

func TestHandleSessionClosed(t *testing.T) {
	s := newMemoryStore()
	clockOut := testNow
	s.addSession(domain.WorkSession{ID: "s-1", ContractorID: "cg-1", ClockOut: &clockOut})
	paidAt := testNow
	s.addSession(domain.WorkSession{ID: "s-paid", ContractorID: "cg-1", ClockOut: &clockOut, PaidAt: &paidAt})
	recorder := NewSessionEarningsRecorder(newTestRateEngine(t), s, discardLogger())

	tests := []struct {
		name string
		body string
		ack  bool
	}{
		{name: "valid event", body: `{"session_id":"s-1","hours":"2.25","has_referral":true}`, ack: true},
		{name: "malformed json", body: `{"session_id":`, ack: true},
		{name: "missing session id", body: `{"hours":"1"}`, ack: true},
		{name: "negative hours", body: `{"session_id":"s-1","hours":"-1"}`, ack: true},
		{name: "unknown session", body: `{"session_id":"nope","hours":"1"}`, ack: true},
		{name: "already paid", body: `{"session_id":"s-paid","hours":"1"}`, ack: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := recorder.HandleSessionClosed([]byte(tc.body)); got != tc.ack {
				t.Fatalf("expected ack=%t, got %t", tc.ack, got)
			}
		})
	}

	session := s.session("s-1")
	if session.PayeeEarnings != 4500 || session.AffiliateCommission != 225 || session.ClientTotal != 6075 {
		t.Fatalf("expected 4500/225/6075 stored, got %+v", session)
	}
	if !session.Hours.Equal(decimal.RequireFromString("2.25")) {
		t.Fatalf("expected 2.25 hours, got %s", session.Hours)
	}
}

func TestHandleSessionClosedRequeuesTransientErrors(t *testing.T) {
	recorder := NewSessionEarningsRecorder(newTestRateEngine(t), flakyEarningsStore{err: errors.New("connection reset")}, discardLogger())
	recorder.timeout = time.Second

	if recorder.HandleSessionClosed([]byte(`{"session_id":"s-1","hours":"1"}`)) {
		t.Fatal("expected a transient store error to nack for requeue")
	}
}
