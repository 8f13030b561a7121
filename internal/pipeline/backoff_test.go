package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{200 * time.Millisecond, 400 * time.Millisecond},
		{400 * time.Millisecond, 800 * time.Millisecond},
		{3 * time.Second, 5 * time.Second},
		{5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextBackoff(tt.current, 5*time.Second))
	}
}

func TestSleepWithContext_FakeClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() { done <- sleepWithContext(ctx, clock, time.Second) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	assert.True(t, <-done)
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepWithContext(ctx, clockwork.NewFakeClock(), time.Hour))
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	assert.Equal(t, 8, s.Workers)
	assert.Equal(t, 50, s.BatchSize)
	assert.Equal(t, 5, s.MaxWriteAttempts)
	assert.Equal(t, 30*time.Second, s.DrainTimeout)
	assert.Equal(t, 200*time.Millisecond, s.InitialBackoff)
	assert.Equal(t, 5*time.Second, s.MaxBackoff)
	assert.NotNil(t, s.Clock)
}
