package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorMapper classifies engine errors for hosts (logs, metrics, transports).
type ErrorMapper interface {
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements the engine error taxonomy.
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// IsRetryable determines if a host may retry the same call (with the same idempotency key).
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category returns the taxonomy name for an error
func (m *DefaultErrorMapper) Category(err error) string {
	return Category(err)
}

// Category returns the taxonomy name for an error
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "InsufficientCredits"
	case errors.Is(err, ErrDailyCapReached):
		return "DailyCapReached"
	case errors.Is(err, ErrCooldownActive):
		return "CooldownActive"
	case errors.Is(err, ErrHabitDisabled):
		return "HabitDisabled"
	case errors.Is(err, ErrSessionActive):
		return "SessionActive"
	case errors.Is(err, ErrInvalidConfig):
		return "InvalidConfig"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrStorageFailure):
		return "StorageFailure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Canceled"
	case errors.Is(err, ErrInternal):
		return "Internal"
	default:
		return "Unknown"
	}
}

// IsRetryable reports storage failures and deadlines as retryable. The engine
// itself never retries; this is a hint for host policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrStorageFailure) || errors.Is(err, context.DeadlineExceeded)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps message as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidConfig wraps message as invalid config
func InvalidConfig(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidConfig)
}

// Internal wraps message as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// StorageFailure marks a backend error so callers can match both the
// category and the underlying cause.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFailure) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
}
