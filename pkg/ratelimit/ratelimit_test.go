package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"settlex.com/pkg/xerr"
)

func TestManager_OpensAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 2, Timeout: time.Minute}, nil)
	down := errors.New("connection refused")

	calls := 0
	fn := func() error { calls++; return down }

	assert.ErrorIs(t, m.Execute("sequencer.deposit", fn), down)
	assert.ErrorIs(t, m.Execute("sequencer.deposit", fn), down)

	err := m.Execute("sequencer.deposit", fn)
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.KindTransient))
	assert.Equal(t, 2, calls, "open breaker must not call downstream")

	// 其他名字互不影响
	assert.NoError(t, m.Execute("sequencer.withdraw", func() error { return nil }))
}

func TestManager_BusinessErrorsDoNotTrip(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 1, Timeout: time.Minute}, nil)
	rejected := xerr.New(xerr.Conflict, "already processed")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, m.Execute("sequencer.deposit", func() error { return rejected }), rejected)
	}
	assert.NoError(t, m.Execute("sequencer.deposit", func() error { return nil }))
}

func TestStore_Wait(t *testing.T) {
	s := NewStore(rate.Inf, 1, time.Minute)
	require.NoError(t, s.Wait(context.Background(), "ethereum"))
	assert.True(t, s.Allow("ethereum"))

	slow := NewStore(rate.Every(time.Hour), 1, time.Minute)
	require.True(t, slow.Allow("arch"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, slow.Wait(ctx, "arch"))
}
