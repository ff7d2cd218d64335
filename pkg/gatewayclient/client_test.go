package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCreateTransferSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody TransferRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transfers" {
			t.Fatalf("expected POST /v1/transfers, got %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("expected JSON body, got %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"tr_123","status":"pending","amount":28000,"currency":"usd","destination":"acct_1"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "sk_test", time.Second)
	transfer, err := client.CreateTransfer(context.Background(), TransferRequest{
		Amount:         28000,
		Currency:       "usd",
		Destination:    "acct_1",
		IdempotencyKey: "payout_abc",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if transfer.ID != "tr_123" {
		t.Fatalf("expected transfer id tr_123, got %s", transfer.ID)
	}
	if gotKey != "payout_abc" {
		t.Fatalf("expected idempotency key payout_abc, got %q", gotKey)
	}
	if gotAuth != "Bearer sk_test" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.Amount != 28000 || gotBody.Destination != "acct_1" {
		t.Fatalf("expected amount and destination in body, got %+v", gotBody)
	}
}

func TestCreateTransferRequiresIdempotencyKey(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "sk_test", time.Second)
	if _, err := client.CreateTransfer(context.Background(), TransferRequest{Amount: 100}); err == nil {
		t.Fatalf("expected error for missing idempotency key")
	}
}

func TestCreateTransferReturnsTypedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"insufficient_funds","message":"balance too low"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk_test", time.Second)
	_, err := client.CreateTransfer(context.Background(), TransferRequest{Amount: 100, IdempotencyKey: "k"})
	var apiErr *ErrorResponse
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ErrorResponse, got %v", err)
	}
	if apiErr.StatusCode != http.StatusPaymentRequired || apiErr.Detail.Code != "insufficient_funds" {
		t.Fatalf("expected insufficient_funds 402, got %+v", apiErr)
	}
	if !apiErr.Declined() {
		t.Fatalf("expected 4xx to count as declined")
	}
	if !strings.Contains(err.Error(), "balance too low") {
		t.Fatalf("expected message in error, got %q", err.Error())
	}
}

func TestCreateTransferTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, "sk_test", 50*time.Millisecond)
	_, err := client.CreateTransfer(context.Background(), TransferRequest{Amount: 100, IdempotencyKey: "k"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "Timeout") && !strings.Contains(err.Error(), "deadline") {
		t.Fatalf("expected timeout in error, got %q", err.Error())
	}
}

func TestRetrieveAccountStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/acct_9" {
			t.Fatalf("expected account path, got %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"acct_9","payouts_enabled":true,"charges_enabled":false}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk_test", time.Second)
	status, err := client.RetrieveAccountStatus(context.Background(), "acct_9")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !status.PayoutsEnabled || status.ID != "acct_9" {
		t.Fatalf("expected enabled acct_9, got %+v", status)
	}
}
