package domain

import "time"

// BatchStatus tracks a scheduled payout run.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusPartial    BatchStatus = "partial"
	BatchStatusFailed     BatchStatus = "failed"
)

// BatchError records why one contractor in a batch was not paid.
type BatchError struct {
	ContractorID string `json:"contractor_id"`
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	Amount       int64  `json:"amount"`
}

// ScheduledPayoutBatch is one cadence run for one date.
type ScheduledPayoutBatch struct {
	ID               string       `json:"id"`
	ScheduledDate    time.Time    `json:"scheduled_date"`
	Cadence          Cadence      `json:"cadence"`
	Status           BatchStatus  `json:"status"`
	Initiator        string       `json:"initiator"`
	TotalContractors int          `json:"total_contractors"`
	SuccessCount     int          `json:"success_count"`
	FailureCount     int          `json:"failure_count"`
	SkippedCount     int          `json:"skipped_count"`
	ApprovalCount    int          `json:"approval_count"`
	TotalAmount      int64        `json:"total_amount"`
	SuccessAmount    int64        `json:"success_amount"`
	FailedAmount     int64        `json:"failed_amount"`
	SessionIDs       []string     `json:"session_ids"`
	Errors           []BatchError `json:"errors"`
	StartedAt        time.Time    `json:"started_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}
