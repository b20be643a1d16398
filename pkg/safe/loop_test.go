package safe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_TickRecoversPanic(t *testing.T) {
	l := NewLoop("panicky", time.Millisecond, time.Millisecond, func(ctx context.Context) (bool, error) {
		panic("boom")
	})

	done, err := l.Tick(context.Background())
	assert.False(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestLoop_SurvivesFailuresUntilStopped(t *testing.T) {
	var calls atomic.Int32
	l := NewLoop("flaky", time.Millisecond, 2*time.Millisecond, func(ctx context.Context) (bool, error) {
		n := calls.Add(1)
		if n%2 == 0 {
			return false, errors.New("rpc down")
		}
		return n < 5, nil
	})

	l.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 6 }, time.Second, time.Millisecond)
	l.Stop()

	stopped := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load(), "no ticks after Stop")
}

func TestLoop_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticked := make(chan struct{}, 1)
	l := NewLoop("idle", time.Hour, time.Hour, func(ctx context.Context) (bool, error) {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return false, nil
	})

	l.Start(ctx)
	<-ticked
	cancel()

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after cancel")
	}
}
