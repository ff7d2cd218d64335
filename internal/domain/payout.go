package domain

import "time"

// PayoutStatus moves processing -> completed | failed and never back.
type PayoutStatus string

const (
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// PayoutKind selects which earnings a payout settles.
type PayoutKind string

const (
	PayoutKindSessionEarnings     PayoutKind = "session_earnings"
	PayoutKindAffiliateCommission PayoutKind = "affiliate_commission"
	PayoutKindTrainingCommission  PayoutKind = "training_commission"
)

// PayableAccount is the ledger account debited when this kind of payout settles.
func (k PayoutKind) PayableAccount() string {
	switch k {
	case PayoutKindAffiliateCommission:
		return LedgerAccountAffiliatePayable
	case PayoutKindTrainingCommission:
		return LedgerAccountTrainingPayable
	default:
		return LedgerAccountPayeePayable
	}
}

// PayoutTransaction is the auditable record of one transfer attempt to one contractor.
type PayoutTransaction struct {
	ID                   string       `json:"id"`
	ContractorID         string       `json:"contractor_id"`
	Kind                 PayoutKind   `json:"kind"`
	Amount               int64        `json:"amount"`
	Currency             string       `json:"currency"`
	DestinationAccountID string       `json:"destination_account_id"`
	Status               PayoutStatus `json:"status"`
	SessionIDs           []string     `json:"session_ids"`
	IdempotencyKey       string       `json:"idempotency_key"`
	ExternalTransferID   *string      `json:"external_transfer_id,omitempty"`
	FailureReason        *string      `json:"failure_reason,omitempty"`
	Initiator            string       `json:"initiator"`
	BatchID              *string      `json:"batch_id,omitempty"`
	InitiatedAt          time.Time    `json:"initiated_at"`
	CompletedAt          *time.Time   `json:"completed_at,omitempty"`
}

// Ledger accounts.
const (
	LedgerAccountPayeePayable     = "payee_payable"
	LedgerAccountAffiliatePayable = "affiliate_commission_payable"
	LedgerAccountTrainingPayable  = "training_commission_payable"
	LedgerAccountCash             = "cash"
)

// LedgerEntry is one append-only double-entry line.
type LedgerEntry struct {
	ID            string         `json:"id"`
	DebitAccount  string         `json:"debit_account"`
	CreditAccount string         `json:"credit_account"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	TransactionID string         `json:"transaction_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
