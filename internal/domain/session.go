package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WorkSession is a closed time-tracking record with its earnings already split.
// All money fields are in cents.
type WorkSession struct {
	ID                  string          `json:"id"`
	ContractorID        string          `json:"contractor_id"`
	BookingID           string          `json:"booking_id"`
	ClientID            string          `json:"client_id"`
	TrainingPartnerID   *string         `json:"training_partner_id,omitempty"`
	ClockIn             time.Time       `json:"clock_in"`
	ClockOut            *time.Time      `json:"clock_out,omitempty"`
	Hours               decimal.Decimal `json:"hours"`
	PayeeEarnings       int64           `json:"payee_earnings"`
	PlatformCommission  int64           `json:"platform_commission"`
	AffiliateCommission int64           `json:"affiliate_commission"`
	TrainingCommission  int64           `json:"training_commission"`
	ClientTotal         int64           `json:"client_total"`
	ChargedAt           *time.Time      `json:"charged_at,omitempty"`
	PaidAt              *time.Time      `json:"paid_at,omitempty"`
	PaymentStatus       string          `json:"payment_status"`
	PayoutTransactionID *string         `json:"payout_transaction_id,omitempty"`
}

// Session payment statuses.
const (
	SessionPaymentUnpaid = "unpaid"
	SessionPaymentPaid   = "paid"
)

// SessionEarnings is the stored split for one session, in cents.
type SessionEarnings struct {
	PayeeEarnings       int64 `json:"payee_earnings"`
	PlatformCommission  int64 `json:"platform_commission"`
	AffiliateCommission int64 `json:"affiliate_commission"`
	TrainingCommission  int64 `json:"training_commission"`
	ClientTotal         int64 `json:"client_total"`
}

// Balanced reports whether the parts add up to the client charge.
func (e SessionEarnings) Balanced() bool {
	return e.PayeeEarnings+e.PlatformCommission+e.AffiliateCommission+e.TrainingCommission == e.ClientTotal
}

// WorkPattern aggregates a contractor's recent sessions for the work-pattern check.
type WorkPattern struct {
	TotalHours    decimal.Decimal `json:"total_hours"`
	UniqueClients int             `json:"unique_clients"`
	SessionCount  int             `json:"session_count"`
}

// PendingEarnings is the unpaid balance owed to one contractor.
type PendingEarnings struct {
	Kind       PayoutKind      `json:"kind"`
	Amount     int64           `json:"amount"`
	Hours      decimal.Decimal `json:"hours"`
	SessionIDs []string        `json:"session_ids"`
}

// SessionCount is the number of sessions the balance covers.
func (p PendingEarnings) SessionCount() int {
	return len(p.SessionIDs)
}
