/**
 * @description
 * HTTP handlers for the payout service. Payout and batch outcomes are returned as
 * structured results; only unexpected infrastructure errors become 5xx responses.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/carelink/payout-service/internal/app"
	"github.com/carelink/payout-service/internal/domain"
	"github.com/carelink/payout-service/internal/store"
	"github.com/go-chi/chi/v5"
)

// PayoutService executes single-contractor payouts.
type PayoutService interface {
	ProcessContractorPayout(ctx context.Context, req app.PayoutRequest) app.PayoutResult
}

// ScheduleService runs cadence batches and answers schedule queries.
type ScheduleService interface {
	ProcessScheduledPayouts(ctx context.Context, cadence domain.Cadence, initiator string) app.BatchResult
	GetPayoutSchedule(ctx context.Context, contractorID string) (*domain.PayoutSchedule, error)
}

// ComplianceService exposes the compliance battery.
type ComplianceService interface {
	RunCheck(ctx context.Context, contractorID string) (*domain.ComplianceCheckResult, error)
	GetCompliance(ctx context.Context, contractorID string) (*domain.ComplianceCheckResult, error)
	RunBatch(ctx context.Context) (app.BatchComplianceResult, error)
}

// TierService resolves affiliate tiers.
type TierService interface {
	TierForAffiliate(ctx context.Context, affiliateID string) (domain.ReferralTier, error)
}

// RetryService is the webhook retry queue API.
type RetryService interface {
	QueueForRetry(ctx context.Context, event app.RetryEvent) (*domain.WebhookRetryRecord, error)
	GetPendingRetries(ctx context.Context, limit int) ([]domain.WebhookRetryRecord, error)
}

// PayoutHistory lists recorded payout transactions.
type PayoutHistory interface {
	ListPayoutTransactions(ctx context.Context, contractorID string, limit int) ([]domain.PayoutTransaction, error)
}

// Handler holds the application services that handlers interact with.
type Handler struct {
	payouts    PayoutService
	schedules  ScheduleService
	compliance ComplianceService
	tiers      TierService
	retries    RetryService
	history    PayoutHistory
	logger     *slog.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(payouts PayoutService, schedules ScheduleService, compliance ComplianceService, tiers TierService, retries RetryService, history PayoutHistory, logger *slog.Logger) *Handler {
	return &Handler{
		payouts:    payouts,
		schedules:  schedules,
		compliance: compliance,
		tiers:      tiers,
		retries:    retries,
		history:    history,
		logger:     logger,
	}
}

type payoutRequestBody struct {
	Amount    int64  `json:"amount"`
	Initiator string `json:"initiator"`
}

type scheduledRunBody struct {
	Initiator string `json:"initiator"`
}

func (h *Handler) handleProcessContractorPayout(w http.ResponseWriter, r *http.Request) {
	contractorID := chi.URLParam(r, "contractorID")

	var body payoutRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	initiator := strings.TrimSpace(body.Initiator)
	if initiator == "" {
		initiator = "internal"
	}

	h.processPayout(w, r, app.PayoutRequest{ContractorID: contractorID, Amount: body.Amount, Initiator: initiator})
}

func (h *Handler) handleAdminPayout(w http.ResponseWriter, r *http.Request) {
	subject, ok := AdminFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var body payoutRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.processPayout(w, r, app.PayoutRequest{
		ContractorID: chi.URLParam(r, "contractorID"),
		Amount:       body.Amount,
		Initiator:    "admin:" + subject,
	})
}

func (h *Handler) processPayout(w http.ResponseWriter, r *http.Request, req app.PayoutRequest) {
	result := h.payouts.ProcessContractorPayout(r.Context(), req)
	if !result.Success {
		h.logger.Info("payout request rejected", "contractor_id", req.ContractorID, "initiator", req.Initiator, "reason", result.Reason)
	}
	respondWithJSON(w, statusForPayout(result), result)
}

func statusForPayout(result app.PayoutResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.Reason {
	case app.ReasonContractorNotFound:
		return http.StatusNotFound
	case app.ReasonPayoutInProgress, app.ReasonNeedsReconcile:
		return http.StatusConflict
	case app.ReasonRateLimited:
		return http.StatusTooManyRequests
	case app.ReasonGatewayError:
		return http.StatusBadGateway
	case app.ReasonInternal, app.ReasonBookkeepingError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *Handler) handleProcessScheduledPayouts(w http.ResponseWriter, r *http.Request) {
	cadence, err := domain.ParseCadence(chi.URLParam(r, "cadence"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var body scheduledRunBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	initiator := strings.TrimSpace(body.Initiator)
	if initiator == "" {
		initiator = "internal"
	}

	result := h.schedules.ProcessScheduledPayouts(r.Context(), cadence, initiator)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	respondWithJSON(w, status, result)
}

func (h *Handler) handleGetPayoutSchedule(w http.ResponseWriter, r *http.Request) {
	contractorID := chi.URLParam(r, "contractorID")
	schedule, err := h.schedules.GetPayoutSchedule(r.Context(), contractorID)
	if err != nil {
		h.respondError(w, "get payout schedule", contractorID, err)
		return
	}
	respondWithJSON(w, http.StatusOK, schedule)
}

func (h *Handler) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	contractorID := chi.URLParam(r, "contractorID")
	limit, err := parseLimit(r, 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payouts, err := h.history.ListPayoutTransactions(r.Context(), contractorID, limit)
	if err != nil {
		h.respondError(w, "list payouts", contractorID, err)
		return
	}
	if payouts == nil {
		payouts = []domain.PayoutTransaction{}
	}
	respondWithJSON(w, http.StatusOK, payouts)
}

func (h *Handler) handleRunComplianceCheck(w http.ResponseWriter, r *http.Request) {
	contractorID := chi.URLParam(r, "contractorID")
	result, err := h.compliance.RunCheck(r.Context(), contractorID)
	if err != nil {
		h.respondError(w, "run compliance check", contractorID, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetCompliance(w http.ResponseWriter, r *http.Request) {
	contractorID := chi.URLParam(r, "contractorID")
	result, err := h.compliance.GetCompliance(r.Context(), contractorID)
	if err != nil {
		h.respondError(w, "get compliance", contractorID, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunComplianceBatch(w http.ResponseWriter, r *http.Request) {
	summary, err := h.compliance.RunBatch(r.Context())
	if err != nil {
		h.respondError(w, "run compliance batch", "", err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleGetAffiliateTier(w http.ResponseWriter, r *http.Request) {
	affiliateID := chi.URLParam(r, "affiliateID")
	tier, err := h.tiers.TierForAffiliate(r.Context(), affiliateID)
	if err != nil {
		h.respondError(w, "resolve affiliate tier", affiliateID, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tier)
}

func (h *Handler) handleQueueWebhookRetry(w http.ResponseWriter, r *http.Request) {
	var event app.RetryEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(event.Provider) == "" || strings.TrimSpace(event.EventID) == "" {
		http.Error(w, "provider and event_id are required", http.StatusBadRequest)
		return
	}

	rec, err := h.retries.QueueForRetry(r.Context(), event)
	if err != nil {
		h.respondError(w, "queue webhook retry", "", err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, rec)
}

func (h *Handler) handleListPendingRetries(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := h.retries.GetPendingRetries(r.Context(), limit)
	if err != nil {
		h.respondError(w, "list pending retries", "", err)
		return
	}
	if records == nil {
		records = []domain.WebhookRetryRecord{}
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (h *Handler) respondError(w http.ResponseWriter, action, subjectID string, err error) {
	if errors.Is(err, store.ErrContractorNotFound) {
		http.Error(w, "Contractor not found", http.StatusNotFound)
		return
	}
	h.logger.Error("request failed", "action", action, "subject_id", subjectID, "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return 0, errors.New("limit must be between 1 and 500")
	}
	return limit, nil
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
