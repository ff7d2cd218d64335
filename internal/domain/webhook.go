package domain

import (
	"encoding/json"
	"time"
)

// RetryStatus is the lifecycle of a failed inbound event.
type RetryStatus string

const (
	RetryStatusPending   RetryStatus = "pending"
	RetryStatusCompleted RetryStatus = "completed"
	RetryStatusFailed    RetryStatus = "failed"
)

// WebhookRetryRecord holds one inbound payment event that failed processing.
type WebhookRetryRecord struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	ErrorMessage string          `json:"error_message"`
	RetryCount   int             `json:"retry_count"`
	Status       RetryStatus     `json:"status"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// GatewayEvent is republished internally for each accepted inbound gateway event.
type GatewayEvent struct {
	Provider   string          `json:"provider"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// PayoutNotification is published for the email collaborator after each scheduled payout.
type PayoutNotification struct {
	ContractorID  string    `json:"contractor_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Message       string    `json:"message,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
