package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
)

// HTTPStatus maps an engine error onto a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, heikeErrors.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, heikeErrors.ErrDailyCapReached),
		errors.Is(err, heikeErrors.ErrCooldownActive):
		return http.StatusTooManyRequests
	case errors.Is(err, heikeErrors.ErrHabitDisabled):
		return http.StatusForbidden
	case errors.Is(err, heikeErrors.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, heikeErrors.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, heikeErrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, heikeErrors.ErrStorageFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Message   string      `json:"message"`
	Category  string      `json:"category"`
	Retryable bool        `json:"retryable"`
	Denial    *denialBody `json:"denial,omitempty"`
}

type denialBody struct {
	Reason           string     `json:"reason"`
	HabitID          string     `json:"habit_id,omitempty"`
	PackageID        string     `json:"package_id,omitempty"`
	RemainingMinutes int64      `json:"remaining_minutes,omitempty"`
	Balance          int64      `json:"balance,omitempty"`
	Required         int64      `json:"required,omitempty"`
	Shortfall        int64      `json:"shortfall,omitempty"`
	Cap              int64      `json:"cap,omitempty"`
	Until            *time.Time `json:"until,omitempty"`
}

func newErrorBody(err error) errorBody {
	body := errorBody{
		Message:   err.Error(),
		Category:  heikeErrors.Category(err),
		Retryable: heikeErrors.IsRetryable(err),
	}
	if d, ok := heikeErrors.AsDenial(err); ok {
		db := &denialBody{
			Reason:           string(d.Reason),
			HabitID:          d.HabitID,
			PackageID:        d.PackageID,
			RemainingMinutes: d.RemainingMinutes(),
			Balance:          d.Balance,
			Required:         d.Required,
			Shortfall:        d.Shortfall,
			Cap:              d.Cap,
		}
		if !d.Until.IsZero() {
			until := d.Until
			db.Until = &until
		}
		body.Denial = db
	}
	return body
}
