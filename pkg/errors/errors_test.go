package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryError_Message(t *testing.T) {
	err := NewEmbeddingFailure("user-1", "embed chunk", context.DeadlineExceeded)
	msg := err.Error()

	for _, want := range []string{"embedding_failure", "embed chunk", "user-1", "deadline exceeded"} {
		assert.Contains(t, msg, want)
	}
	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTypeHelpers_WrappedChain(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"embedding", NewEmbeddingFailure("k", "m", nil), IsEmbeddingFailure},
		{"corruption", NewIndexCorruption("k", "bad header", nil), IsIndexCorruption},
		{"sync lag", NewSyncLag("k", 3, 1, nil), IsSyncLag},
		{"budget", NewBudgetExceeded("k", "retrieve", nil), IsBudgetExceeded},
		{"provider", NewProviderFailure("k", errors.New("502")), IsProviderFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(wrapped))
			assert.False(t, tt.check(errors.New("plain")))
		})
	}
}

func TestHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, NewProviderFailure("k", nil).HTTPStatusCode())
	assert.Equal(t, http.StatusBadRequest, NewDimensionMismatch(4, 3).HTTPStatusCode())
	assert.Equal(t, http.StatusInternalServerError, NewIndexCorruption("k", "x", nil).HTTPStatusCode())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewSyncLag("k", 2, 1, nil)))
	assert.False(t, IsRetryable(NewIndexCorruption("k", "x", nil)))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, "", TypeOf(nil))
}
