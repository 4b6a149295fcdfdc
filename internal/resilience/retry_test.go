package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSleep captures requested delays without waiting.
func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDefaultRetryConfig_Schedule(t *testing.T) {
	assert.Equal(t,
		[]time.Duration{time.Second, 4 * time.Second, 16 * time.Second},
		DefaultRetryConfig().Schedule())
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.Sleep = recordSleep(&delays)

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, delays)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.Sleep = recordSleep(&delays)

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("always fails"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}, delays)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 4, ex.Attempts)
	assert.True(t, IsTransient(err))
}

func TestDo_NonTransientError_NoRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return errors.New("permanent error: bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var ex *ExhaustedError
	assert.False(t, errors.As(err, &ex))
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := RetryConfig{Retries: 5, InitialBackoff: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("temporary"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	var delays []time.Duration
	cfg := RetryConfig{
		Retries:     2,
		ShouldRetry: func(err error) bool { return err.Error() == "retry me" },
		Sleep:       recordSleep(&delays),
	}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("retry me")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	var delays []time.Duration
	cfg := RetryConfig{
		Retries:        2,
		InitialBackoff: 10 * time.Millisecond,
		Multiplier:     2,
		OnRetry: func(attempt int, _ time.Duration, _ error) {
			attempts = append(attempts, attempt)
		},
		Sleep: recordSleep(&delays),
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 502)
	})
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	var calls int
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.Sleep = recordSleep(&delays)

	val, err := DoVal(context.Background(), cfg, func(_ context.Context) ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, NewTransientError(errors.New("busy"), 429)
		}
		return []float32{1, 0}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, val)
}

func TestDoVal_ReturnsZeroOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), RetryConfig{Retries: 0}, func(_ context.Context) (int, error) {
		return 42, errors.New("boom")
	})
	require.Error(t, err)
	assert.Zero(t, val)
}

func TestBackoff_CapsAtMax(t *testing.T) {
	cfg := RetryConfig{Retries: 5, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 4}
	assert.Equal(t, []time.Duration{
		time.Second, 4 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	}, cfg.Schedule())
}

func TestBackoff_WithJitter(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: time.Second, JitterFraction: 0.25})
	for range 100 {
		d := backoff(0, cfg, true)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestRetryLogger(t *testing.T) {
	fn := RetryLogger("embedding", "embed")
	assert.NotPanics(t, func() { fn(1, time.Second, errors.New("x")) })
}
