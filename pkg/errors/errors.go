// Package errors defines the error taxonomy of the memory engine.
// Internal failures are mapped to these types so callers can decide
// whether to degrade, retry or surface them.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// MemoryError represents a classified failure inside the memory subsystem.
type MemoryError struct {
	Type      string `json:"type"`
	Key       string `json:"memory_key,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"-"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *MemoryError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (memory_key=%s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status an API layer should answer with.
// Only provider failures are ever expected to reach a client.
func (e *MemoryError) HTTPStatusCode() int {
	switch e.Type {
	case TypeProviderFailure:
		return http.StatusBadGateway
	case TypeDimensionMismatch:
		return http.StatusBadRequest
	case TypeBudgetExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error types.
const (
	TypeEmbeddingFailure  = "embedding_failure"
	TypeIndexCorruption   = "index_corruption"
	TypeSyncLag           = "sync_lag"
	TypeBudgetExceeded    = "budget_exceeded"
	TypeProviderFailure   = "provider_failure"
	TypeDimensionMismatch = "dimension_mismatch"
)

// NewEmbeddingFailure reports a transient embedding error. The content that
// was being embedded stays buffered for retry.
func NewEmbeddingFailure(key, message string, err error) *MemoryError {
	return &MemoryError{
		Type:      TypeEmbeddingFailure,
		Key:       key,
		Message:   message,
		Retryable: true,
		Err:       err,
	}
}

// NewIndexCorruption reports a snapshot that failed a header or size check.
func NewIndexCorruption(key, message string, err error) *MemoryError {
	return &MemoryError{
		Type:    TypeIndexCorruption,
		Key:     key,
		Message: message,
		Err:     err,
	}
}

// NewSyncLag reports durable replication trailing the live index beyond its bound.
func NewSyncLag(key string, lag, bound int, err error) *MemoryError {
	return &MemoryError{
		Type:      TypeSyncLag,
		Key:       key,
		Message:   fmt.Sprintf("durable store trails live index by %d chunks (bound %d)", lag, bound),
		Retryable: true,
		Err:       err,
	}
}

// NewBudgetExceeded reports a stage that ran out of its latency or token budget.
func NewBudgetExceeded(key, stage string, err error) *MemoryError {
	return &MemoryError{
		Type:    TypeBudgetExceeded,
		Key:     key,
		Message: stage + " exceeded budget",
		Err:     err,
	}
}

// NewProviderFailure wraps an error returned by the LLM provider.
func NewProviderFailure(key string, err error) *MemoryError {
	return &MemoryError{
		Type:    TypeProviderFailure,
		Key:     key,
		Message: "provider call failed",
		Err:     err,
	}
}

// NewDimensionMismatch reports a vector whose length differs from the index dimension.
func NewDimensionMismatch(want, got int) *MemoryError {
	return &MemoryError{
		Type:    TypeDimensionMismatch,
		Message: fmt.Sprintf("vector dimension %d does not match index dimension %d", got, want),
	}
}

// TypeOf returns the MemoryError type found in err's chain, or "".
func TypeOf(err error) string {
	var me *MemoryError
	if errors.As(err, &me) {
		return me.Type
	}
	return ""
}

// IsEmbeddingFailure reports whether err is an embedding failure.
func IsEmbeddingFailure(err error) bool { return TypeOf(err) == TypeEmbeddingFailure }

// IsIndexCorruption reports whether err is an index corruption.
func IsIndexCorruption(err error) bool { return TypeOf(err) == TypeIndexCorruption }

// IsSyncLag reports whether err is a sync lag violation.
func IsSyncLag(err error) bool { return TypeOf(err) == TypeSyncLag }

// IsBudgetExceeded reports whether err is a budget overrun.
func IsBudgetExceeded(err error) bool { return TypeOf(err) == TypeBudgetExceeded }

// IsProviderFailure reports whether err is a provider failure.
func IsProviderFailure(err error) bool { return TypeOf(err) == TypeProviderFailure }

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var me *MemoryError
	if errors.As(err, &me) {
		return me.Retryable
	}
	return false
}
