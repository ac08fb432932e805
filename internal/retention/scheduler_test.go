package retention

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidatesCron(t *testing.T) {
	_, err := New("not a cron", func(time.Time) {}, nil)
	assert.Error(t, err)

	s, err := New("", func(time.Time) {}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCron, s.cron)
}

func TestScheduler_NextTick(t *testing.T) {
	s, err := New("*/5 * * * *", func(time.Time) {}, nil)
	require.NoError(t, err)

	next, err := s.NextTick(time.Date(2024, 5, 1, 12, 1, 30, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC), next)
}

func TestScheduler_RunsUntilCancelled(t *testing.T) {
	// ARRANGE
	var runs atomic.Int32
	s, err := New(DefaultCron, func(time.Time) { runs.Add(1) }, nil)
	require.NoError(t, err)
	s.next = func(_ string, after time.Time) (time.Time, error) {
		return after.Add(5 * time.Millisecond), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	// ACT
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// ASSERT
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
