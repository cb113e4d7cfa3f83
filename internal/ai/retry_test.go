package ai

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:            2,
		InitialBackoff:        time.Millisecond,
		MaxBackoff:            10 * time.Millisecond,
		BackoffMultiplier:     2,
		Timeout:               time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      1,
		OpenTimeout:           time.Hour,
		MaxConcurrentCalls:    1,
	}
}

func apiError(t *testing.T, status int, retryAfter string) *anthropic.Error {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	require.NoError(t, err)
	resp := &http.Response{StatusCode: status, Header: http.Header{}}
	if retryAfter != "" {
		resp.Header.Set("Retry-After", retryAfter)
	}
	return &anthropic.Error{StatusCode: status, Request: req, Response: resp}
}

func TestClassifyErrorWithAnthropicSDKError(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		retryAfter   string
		expectedType ErrorType
		expectedWait time.Duration
	}{
		{"429 with Retry-After", http.StatusTooManyRequests, "20", ErrorQuota, 20 * time.Second},
		{"429 without Retry-After", http.StatusTooManyRequests, "", ErrorQuota, 0},
		{"500 internal server error", http.StatusInternalServerError, "", ErrorTransient, 0},
		{"529 overloaded", 529, "", ErrorTransient, 0},
		{"400 bad request", http.StatusBadRequest, "", ErrorInvalid, 0},
		{"401 unauthorized", http.StatusUnauthorized, "", ErrorAuth, 0},
		{"403 forbidden", http.StatusForbidden, "", ErrorAuth, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errType, wait := classifyError(apiError(t, tt.statusCode, tt.retryAfter))
			assert.Equal(t, tt.expectedType, errType)
			assert.Equal(t, tt.expectedWait, wait)
		})
	}
}

func TestClassifyErrorFromMessage(t *testing.T) {
	tests := []struct {
		err      error
		expected ErrorType
	}{
		{context.DeadlineExceeded, ErrorTransient},
		{errors.New("dial tcp: connection refused"), ErrorTransient},
		{errors.New("rate limit exceeded"), ErrorQuota},
		{errors.New("invalid model name"), ErrorUnknown},
	}
	for _, tt := range tests {
		errType, _ := classifyError(tt.err)
		if errType != tt.expected {
			t.Errorf("classifyError(%q) = %s, want %s", tt.err, errType, tt.expected)
		}
	}
}

func TestCircuitBreakerQuotaWeighting(t *testing.T) {
	cb := NewCircuitBreaker(5, 2, 30*time.Second)

	cb.recordFailureWithType(ErrorQuota)
	state, failures, _ := cb.GetMetrics()
	assert.Equal(t, CircuitClosed, state)
	assert.Equal(t, 3, failures, "quota error should count as 3 failures")

	cb.recordFailureWithType(ErrorQuota)
	state, failures, _ = cb.GetMetrics()
	assert.Equal(t, CircuitOpen, state)
	assert.Equal(t, 6, failures)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Millisecond)
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, cb.Allow())
	state, _, _ := cb.GetMetrics()
	assert.Equal(t, CircuitHalfOpen, state)

	cb.RecordSuccess()
	cb.RecordSuccess()
	state, failures, _ := cb.GetMetrics()
	assert.Equal(t, CircuitClosed, state)
	assert.Equal(t, 0, failures)
}

func TestRetryWithBackoff_RetriesTransientErrors(t *testing.T) {
	var calls int32
	c, err := NewClient(Config{
		Retry: fastRetry(),
		Messages: func(ctx context.Context, model string, maxTokens int64, prompt string) (*Completion, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, apiError(t, http.StatusServiceUnavailable, "")
			}
			return &Completion{Text: "ok"}, nil
		},
	})
	require.NoError(t, err)

	text, err := c.Complete(context.Background(), "test", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoff_NonRetriableFailsFast(t *testing.T) {
	var calls int32
	c, err := NewClient(Config{
		Retry: fastRetry(),
		Messages: func(ctx context.Context, model string, maxTokens int64, prompt string) (*Completion, error) {
			atomic.AddInt32(&calls, 1)
			return nil, apiError(t, http.StatusUnauthorized, "")
		},
	})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "test", "hello")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Auth failures say nothing about endpoint health.
	_, failures, _ := c.breaker.GetMetrics()
	assert.Equal(t, 0, failures)
	assert.NoError(t, c.HealthCheck())
}

func TestRetryWithBackoff_LongQuotaWaitFailsFast(t *testing.T) {
	var calls int32
	c, err := NewClient(Config{
		Retry: fastRetry(),
		Messages: func(ctx context.Context, model string, maxTokens int64, prompt string) (*Completion, error) {
			atomic.AddInt32(&calls, 1)
			return nil, apiError(t, http.StatusTooManyRequests, "3600")
		},
	})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "test", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exhausted")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoff_OpenCircuitBlocksCalls(t *testing.T) {
	cfg := fastRetry()
	cfg.FailureThreshold = 3
	var calls int32
	c, err := NewClient(Config{
		Retry: cfg,
		Messages: func(ctx context.Context, model string, maxTokens int64, prompt string) (*Completion, error) {
			atomic.AddInt32(&calls, 1)
			return nil, apiError(t, http.StatusBadGateway, "")
		},
	})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "test", "hello")
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.ErrorIs(t, c.HealthCheck(), ErrCircuitOpen)

	_, err = c.Complete(context.Background(), "test", "hello")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "open circuit must not reach the model")
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
