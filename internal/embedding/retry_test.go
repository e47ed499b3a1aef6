package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy(5)

	assert.Equal(t, 4*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(2))
	assert.Equal(t, 16*time.Second, p.Delay(3))
	assert.Equal(t, 60*time.Second, p.Delay(5))
	assert.Equal(t, 60*time.Second, p.Delay(20))
}

func TestRetryPolicy_AttemptBudgets(t *testing.T) {
	p := DefaultRetryPolicy(3)

	assert.Equal(t, 3, p.attemptsFor(&ProviderError{Kind: KindRateLimit}))
	assert.Equal(t, 2, p.attemptsFor(&ProviderError{Kind: KindAPI}))
	assert.Equal(t, 2, p.attemptsFor(&ProviderError{Kind: KindTimeout}))

	single := DefaultRetryPolicy(1)
	assert.Equal(t, 1, single.attemptsFor(&ProviderError{Kind: KindAPI}))

	assert.Equal(t, DefaultMaxRetries, DefaultRetryPolicy(0).MaxAttempts)
}

func TestRetryPolicy_DoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &ProviderError{Kind: KindAPI}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryPolicy_DoGivesUp(t *testing.T) {
	calls := 0
	cause := &ProviderError{Kind: KindRateLimit, Message: "quota"}
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return cause
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestRetryPolicy_DoNotRetryable(t *testing.T) {
	calls := 0
	plain := errors.New("invalid input")
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return plain
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, plain, err)
}

func TestRetryPolicy_DoHonoursCancel(t *testing.T) {
	p := DefaultRetryPolicy(3)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return &ProviderError{Kind: KindRateLimit}
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not stop on cancel")
	}
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(1200)
	assert.Equal(t, 50*time.Millisecond, l.Interval())

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 95*time.Millisecond)

	unlimited := NewLimiter(0)
	start = time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, unlimited.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_WaitCancelled(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
}
