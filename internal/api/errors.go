package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agentmeter/agentmeter/internal/limiter"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest         = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized       = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrInvalidToken       = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrNotFound           = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrInternalServer     = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrUpgradeRequired    = &AppError{Code: http.StatusForbidden, Message: "upgrade required: agent mode needs a paid plan"}
	ErrServiceUnavailable = &AppError{Code: http.StatusServiceUnavailable, Message: "usage service unavailable"}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

// rateLimitedBody is the 429 payload: both windows, so clients can show
// which budget ran out and when it comes back.
type rateLimitedBody struct {
	Error   string                `json:"error"`
	Session *limiter.WindowStatus `json:"session,omitempty"`
	Weekly  *limiter.WindowStatus `json:"weekly,omitempty"`
}

// HandleError maps domain errors onto the HTTP surface. Rate-limit denials
// become a 429 with Retry-After; a degraded store is a distinct 503 so
// clients do not mistake an outage for exhaustion.
func HandleError(w http.ResponseWriter, err error) {
	var rle *limiter.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Content-Type", "application/json")
		if retry := rle.RetryAfter(time.Now()); retry > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
		}
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSON(w, rateLimitedBody{
			Error:   "rate limit exceeded",
			Session: rle.Session,
			Weekly:  rle.Weekly,
		})
		return
	}
	if errors.Is(err, limiter.ErrUpgradeRequired) {
		JSONErrorMessage(w, ErrUpgradeRequired.Code, ErrUpgradeRequired.Message)
		return
	}
	if errors.Is(err, limiter.ErrServiceUnavailable) {
		JSONErrorMessage(w, ErrServiceUnavailable.Code, ErrServiceUnavailable.Message)
		return
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONErrorMessage(w, appErr.Code, appErr.Message)
		return
	}
	JSONErrorMessage(w, http.StatusInternalServerError, "internal server error")
}
