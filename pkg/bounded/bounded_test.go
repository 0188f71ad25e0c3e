package bounded

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReturnsResult(t *testing.T) {
	v, err := Run(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRun_TimeoutWinsWithoutWaiting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Run(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRun_RecoversPanic(t *testing.T) {
	_, err := Run(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		panic("probe exploded")
	})

	assert.ErrorIs(t, err, ErrPanic)
	assert.Contains(t, err.Error(), "probe exploded")
}

func TestRun_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunOr_UsesFallback(t *testing.T) {
	v := RunOr(context.Background(), 10*time.Millisecond, func(ctx context.Context) (string, error) {
		return "", errors.New("down")
	}, func(err error) string {
		return "degraded: " + err.Error()
	})

	assert.Equal(t, "degraded: down", v)
}

func TestDispatch_RetriesThenGivesUp(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	var calls atomic.Int32

	done := Dispatch(logger, DispatchConfig{Name: "test", Timeout: 50 * time.Millisecond, Attempts: 3}, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("unreachable")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not finish")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatch_StopsOnSuccess(t *testing.T) {
	var calls atomic.Int32

	done := Dispatch(nil, DispatchConfig{Name: "test", Attempts: 3}, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	<-done
	assert.Equal(t, int32(1), calls.Load())
}
