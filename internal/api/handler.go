package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/agentmeter/agentmeter/internal/audit"
	"github.com/agentmeter/agentmeter/internal/cancel"
	"github.com/agentmeter/agentmeter/internal/ledger"
	"github.com/agentmeter/agentmeter/internal/limiter"
	"github.com/agentmeter/agentmeter/internal/points"
	"github.com/agentmeter/agentmeter/internal/stream"
	"github.com/agentmeter/agentmeter/internal/usage"
)

// LedgerHistory lists a user's recent prepaid ledger entries.
// *ledger.Repository satisfies it.
type LedgerHistory interface {
	ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}

// AuditTrail queries the persisted metering event history.
// *audit.Repository satisfies it.
type AuditTrail interface {
	ListByUser(ctx context.Context, userID string, params audit.ListParams) ([]audit.Log, int64, error)
}

// Claims is the verified caller identity the auth middleware stores in the
// request context. Declared here as an interface-shaped accessor to keep the
// api package free of an auth import cycle.
type Claims struct {
	UserID string
	Tier   points.Tier
}

// ClaimsFromContext extracts the caller identity; wired to the auth
// middleware in the router.
type ClaimsFromContext func(r *http.Request) *Claims

// Handler carries the metering endpoints.
type Handler struct {
	limits   *limiter.Router
	usage    *usage.Service
	ledger   *ledger.Service
	history  LedgerHistory
	audits   AuditTrail
	coord    *cancel.Coordinator
	store    *stream.Store
	claims   ClaimsFromContext
	validate *validator.Validate
}

func NewHandler(limits *limiter.Router, usageSvc *usage.Service, ledgerSvc *ledger.Service, history LedgerHistory, audits AuditTrail, coord *cancel.Coordinator, store *stream.Store, claims ClaimsFromContext) *Handler {
	return &Handler{
		limits:   limits,
		usage:    usageSvc,
		ledger:   ledgerSvc,
		history:  history,
		audits:   audits,
		coord:    coord,
		store:    store,
		claims:   claims,
		validate: validator.New(),
	}
}

type checkRequest struct {
	Mode                 string `json:"mode" validate:"required,oneof=ask agent agent_long"`
	EstimatedInputTokens int64  `json:"estimated_input_tokens" validate:"gte=0"`
}

// CheckRateLimit runs admission for one prospective turn and reserves its
// estimated cost on success.
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	claims := h.claims(r)
	if claims == nil {
		HandleError(w, ErrUnauthorized)
		return
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		HandleError(w, ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		HandleError(w, NewValidationError(err.Error()))
		return
	}

	var extra *limiter.ExtraUsage
	if claims.Tier.Paid() {
		extra = h.ledger.Snapshot(r.Context(), claims.UserID)
	}

	decision, err := h.limits.CheckRateLimit(r.Context(), claims.UserID, points.Mode(req.Mode), claims.Tier, req.EstimatedInputTokens, extra)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, decision)
}

type deductRequest struct {
	TurnID              string   `json:"turn_id" validate:"required"`
	ReservedPoints      int64    `json:"reserved_points" validate:"gte=0"`
	UsedExtraUsage      bool     `json:"used_extra_usage"`
	InputTokens         int64    `json:"input_tokens" validate:"gte=0"`
	OutputTokens        int64    `json:"output_tokens" validate:"gte=0"`
	ProviderCostDollars *float64 `json:"provider_cost_dollars,omitempty"`
}

// Deduct settles a finished turn against its reservation.
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	claims := h.claims(r)
	if claims == nil {
		HandleError(w, ErrUnauthorized)
		return
	}

	var req deductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		HandleError(w, ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		HandleError(w, NewValidationError(err.Error()))
		return
	}

	result, err := h.usage.Deduct(r.Context(), usage.DeductRequest{
		UserID:         claims.UserID,
		Tier:           claims.Tier,
		TurnID:         req.TurnID,
		ReservedPoints: req.ReservedPoints,
		UsedExtraUsage: req.UsedExtraUsage,
		Actual: points.ActualUsage{
			InputTokens:         req.InputTokens,
			OutputTokens:        req.OutputTokens,
			ProviderCostDollars: req.ProviderCostDollars,
		},
	})
	if err != nil {
		slog.Error("settling usage", "user_id", claims.UserID, "turn_id", req.TurnID, "error", err)
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

type refundRequest struct {
	TurnID         string `json:"turn_id" validate:"required"`
	Points         int64  `json:"points" validate:"gte=0"`
	FromExtraUsage bool   `json:"from_extra_usage"`
}

// Refund returns a failed turn's reservation.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	claims := h.claims(r)
	if claims == nil {
		HandleError(w, ErrUnauthorized)
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		HandleError(w, ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		HandleError(w, NewValidationError(err.Error()))
		return
	}

	result, err := h.usage.Refund(r.Context(), usage.RefundRequest{
		UserID:         claims.UserID,
		TurnID:         req.TurnID,
		Points:         req.Points,
		FromExtraUsage: req.FromExtraUsage,
	})
	if err != nil {
		slog.Error("refunding usage", "user_id", claims.UserID, "turn_id", req.TurnID, "error", err)
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

type balanceResponse struct {
	*ledger.Balance
	BalanceDollars float64 `json:"balance_dollars"`
}

// Balance reports the caller's prepaid extra-usage state.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	claims := h.claims(r)
	if claims == nil {
		HandleError(w, ErrUnauthorized)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), claims.UserID)
	if err != nil {
		slog.Error("reading balance", "user_id", claims.UserID, "error", err)
		HandleError(w, ErrServiceUnavailable)
		return
	}
	JSON(w, http.StatusOK, balanceResponse{
		Balance:        balance,
		BalanceDollars: h.ledger.BalanceDollars(balance.BalancePoints),
	})
}

type cancelRequest struct {
	SkipSave bool `json:"skip_save"`
}

// Cancel signals the chat's in-flight stream to stop. Accepted regardless of
// whether a stream is currently active: the flag persists so a racing stream
// start still observes it.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	claims := h.claims(r)
	if claims == nil {
		HandleError(w, ErrUnauthorized)
		return
	}
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" {
		HandleError(w, ErrBadRequest)
		return
	}

	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			HandleError(w, ErrBadRequest)
			return
		}
	}

	if err := h.coord.Cancel(r.Context(), chatID, req.SkipSave); err != nil {
		slog.Error("signaling cancel", "chat_id", chatID, "error", err)
		HandleError(w, ErrServiceUnavailable)
		return
	}
	JSONMessage(w, http.StatusAccepted, "cancel signaled")
}
