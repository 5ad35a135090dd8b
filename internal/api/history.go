package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/agentmeter/agentmeter/internal/audit"
	"github.com/agentmeter/agentmeter/internal/ledger"
)

// LedgerEntries returns the caller's most recent prepaid ledger entries.
func (h *Handler) LedgerEntries(w http.ResponseWriter, r *http.Request) {
	claims := h.claims(r)
	if claims == nil {
		HandleError(w, ErrUnauthorized)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	entries, err := h.history.ListEntries(r.Context(), claims.UserID, limit)
	if err != nil {
		slog.Error("listing ledger entries", "user_id", claims.UserID, "error", err)
		HandleError(w, ErrInternalServer)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	JSON(w, http.StatusOK, entries)
}

// AuditLogs returns paginated metering audit history for the caller.
func (h *Handler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	claims := h.claims(r)
	if claims == nil {
		HandleError(w, ErrUnauthorized)
		return
	}

	params := parseAuditParams(r)
	logs, total, err := h.audits.ListByUser(r.Context(), claims.UserID, params)
	if err != nil {
		slog.Error("listing audit logs", "user_id", claims.UserID, "error", err)
		HandleError(w, ErrInternalServer)
		return
	}
	if logs == nil {
		logs = []audit.Log{}
	}
	JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

func parseAuditParams(r *http.Request) audit.ListParams {
	params := audit.DefaultListParams()

	q := r.URL.Query()
	if et := q.Get("event_type"); et != "" {
		params.EventType = et
	}
	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := q.Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}
	return params
}
