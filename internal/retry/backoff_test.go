package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectnearby/pkg/models"
)

func quiet(cfg RetryConfig) RetryConfig {
	cfg.LogRetries = false
	cfg.Jitter = false
	return cfg
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.True(t, cfg.Jitter)
	assert.Nil(t, cfg.Retryable)
}

func TestLoadRetryConfig(t *testing.T) {
	cfg := LoadRetryConfig(5, 50*time.Millisecond, 0)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay, "zero keeps the default")

	for _, final := range []error{models.ErrNotFound, models.ErrValidation, models.ErrAccessDenied, models.ErrUnauthenticated} {
		assert.False(t, cfg.Retryable(fmt.Errorf("load conversations: %w", final)), final.Error())
	}
	assert.True(t, cfg.Retryable(errors.New("read tcp: connection reset by peer")))
}

func TestRetryStopsOnFinalError(t *testing.T) {
	cfg := quiet(LoadRetryConfig(3, time.Millisecond, 2*time.Millisecond))

	attempts := 0
	result := RetryWithBackoff(context.Background(), cfg, "load_messages", func() error {
		attempts++
		return fmt.Errorf("conversation c1: %w", models.ErrNotFound)
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, result.LastError, models.ErrNotFound)
}

func TestRetryEventualSuccess(t *testing.T) {
	cfg := quiet(LoadRetryConfig(3, time.Millisecond, 2*time.Millisecond))

	attempts := 0
	result := RetryWithBackoff(context.Background(), cfg, "load_conversations", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("pq: the database system is starting up")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.NoError(t, result.LastError)
	assert.Len(t, result.RetryReasons, 2)
}

func TestRetryGivesUp(t *testing.T) {
	cfg := quiet(LoadRetryConfig(2, time.Millisecond, time.Millisecond))
	down := errors.New("dial tcp 127.0.0.1:5432: connection refused")

	result := RetryWithBackoff(context.Background(), cfg, "load_conversations", func() error { return down })

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, down, result.LastError)
}

func TestRetryHonoursContext(t *testing.T) {
	cfg := quiet(LoadRetryConfig(10, time.Hour, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := RetryWithBackoff(ctx, cfg, "load_conversations", func() error { return errors.New("timeout") })

	assert.ErrorIs(t, result.LastError, context.Canceled)
	assert.Equal(t, 1, result.Attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo(t *testing.T) {
	cfg := quiet(RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})

	require.NoError(t, Do(context.Background(), cfg, "ok", func() error { return nil }))

	boom := errors.New("boom")
	assert.Equal(t, boom, Do(context.Background(), cfg, "fail", func() error { return boom }))
}

func TestCalculateDelay(t *testing.T) {
	cfg := quiet(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 800*time.Millisecond, calculateDelay(cfg, 3))
	assert.Equal(t, time.Second, calculateDelay(cfg, 10), "capped at MaxDelay")

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := calculateDelay(cfg, 1)
		assert.InDelta(t, float64(200*time.Millisecond), float64(d), float64(20*time.Millisecond))
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp 127.0.0.1:5432: connection refused"), true},
		{errors.New("pq: sorry, too many connections for role"), true},
		{errors.New("driver: bad connection"), true},
		{fmt.Errorf("load: %w", context.DeadlineExceeded), true},
		{errors.New("pq: duplicate key value violates unique constraint"), false},
		{errors.New("pq: relation \"session_tokens\" does not exist"), false},
		{models.ErrNotFound, false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableError(tt.err), "%v", tt.err)
	}
}

func TestRetryWithBackoffAndReason(t *testing.T) {
	cfg := quiet(RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})

	attempts := 0
	result := RetryWithBackoffAndReason(context.Background(), cfg, "sync", func() (error, string) {
		attempts++
		switch attempts {
		case 1:
			return errors.New("network timeout"), "network_timeout"
		case 2:
			return errors.New("service unavailable"), "unavailable"
		default:
			return nil, ""
		}
	})

	assert.True(t, result.Success)
	assert.Equal(t, []string{"network_timeout", "unavailable"}, result.RetryReasons)
}
