/**
 * @description
 * This package provides a client for the external payment gateway used to move payout funds.
 * It covers idempotent transfer creation and connected-account status lookups. Every call
 * is bounded by the HTTP client timeout and the caller's context.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new gateway client. A non-positive timeout falls back to 30 seconds.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// TransferRequest moves Amount (minor units) to a connected account.
type TransferRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Destination    string            `json:"destination"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// Transfer is the gateway's view of a created transfer.
type Transfer struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Created     int64             `json:"created"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AccountStatus describes a connected payout account.
type AccountStatus struct {
	ID             string   `json:"id"`
	PayoutsEnabled bool     `json:"payouts_enabled"`
	ChargesEnabled bool     `json:"charges_enabled"`
	DetailsPending []string `json:"details_pending,omitempty"`
}

// ErrorResponse represents an error from the gateway API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Detail     struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Detail.Message != "" {
		return fmt.Sprintf("gateway api error (%d): %s - %s", e.StatusCode, e.Detail.Code, e.Detail.Message)
	}
	return fmt.Sprintf("gateway api error (%d)", e.StatusCode)
}

// Declined reports whether the gateway rejected the request itself rather than failing.
func (e *ErrorResponse) Declined() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// CreateTransfer creates a transfer. The idempotency key makes retries of the same payout
// return the original transfer instead of moving money twice.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("transfer request requires an idempotency key")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", body, headers, &transfer); err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}
	return &transfer, nil
}

// RetrieveAccountStatus fetches the payout capability of a connected account.
func (c *Client) RetrieveAccountStatus(ctx context.Context, accountID string) (*AccountStatus, error) {
	var status AccountStatus
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID), nil, nil, &status); err != nil {
		return nil, fmt.Errorf("retrieve account %s: %w", accountID, err)
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		return errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
