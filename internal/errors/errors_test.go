package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesCodeAndRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		wantCode  string
		retryable bool
	}{
		{KindNotFound, CodeNotFound, false},
		{KindValidation, CodeValidation, false},
		{KindDimensionUnknown, CodeDimensionUnknown, false},
		{KindStoreConnection, CodeStoreConnection, true},
		{KindStoreTimeout, CodeStoreTimeout, true},
		{KindEmbeddingUnavailable, CodeEmbeddingUnavailable, true},
		{KindQueueFull, CodeQueueFull, false},
		{KindDeadlineExceeded, CodeDeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom")
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Contains(t, err.Error(), tt.wantCode)
		})
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("memory", "abc"))
	assert.True(t, stderrors.Is(err, New(KindNotFound, "")))
	assert.False(t, stderrors.Is(err, New(KindValidation, "")))
	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindStoreOther, "query", nil))
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk on fire")
	err := Wrap(KindStoreConnection, "open database", cause)
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, IsRetryable(err))
}

func TestWithDetailAndSuggestion(t *testing.T) {
	err := New(KindStoreOther, "pgvector-style bootstrap missing").
		WithSuggestion("run schema bootstrap").
		WithDetail("table", "memories")
	assert.Equal(t, "run schema bootstrap", err.Suggestion)
	assert.Equal(t, "memories", err.Details["table"])
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return New(KindStoreConnection, "flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAndKeepsKind(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	err := Retry(context.Background(), cfg, func() error {
		return New(KindStoreTimeout, "slow")
	})

	require.Error(t, err)
	assert.Equal(t, KindStoreTimeout, KindOf(err))
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, OnlyRetryable: true}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return New(KindValidation, "bad input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}
