package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("s%d", n)
	}
}

func TestRegistry_ConnectHeartbeatDisconnect(t *testing.T) {
	clock := newFakeClock()
	r := New(Config{}, WithClock(clock.Now), WithIDGenerator(sequentialIDs()))

	var changes []Change
	r.OnChange(func(c Change) { changes = append(changes, c) })

	// ACT: connect, heartbeat as away, disconnect
	id, err := r.Connect("u1")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	clock.Advance(time.Second)
	require.NoError(t, r.Heartbeat(id, models.StatusAway))

	s, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusAway, s.Status)
	assert.Equal(t, time.Second, s.LastHeartbeatAt.Sub(s.ConnectedAt))

	require.NoError(t, r.Disconnect(id))

	// ASSERT
	assert.False(t, r.Exists(id))
	assert.Empty(t, r.SessionsForUser("u1"))
	require.Len(t, changes, 3)
	assert.Equal(t, Added, changes[0].Type)
	assert.Equal(t, models.StatusOnline, changes[0].Session.Status)
	assert.Equal(t, Updated, changes[1].Type)
	assert.Equal(t, Removed, changes[2].Type)
	assert.Equal(t, ReasonDisconnect, changes[2].Reason)
}

func TestRegistry_UnknownSession(t *testing.T) {
	r := New(Config{})

	assert.ErrorIs(t, r.Heartbeat("missing", models.StatusOnline), errs.ErrUnknownSession)
	assert.ErrorIs(t, r.Disconnect("missing"), errs.ErrUnknownSession)

	id, err := r.Connect("u1")
	require.NoError(t, err)
	require.NoError(t, r.Disconnect(id))
	assert.ErrorIs(t, r.Disconnect(id), errs.ErrUnknownSession, "second disconnect is unknown")
}

func TestRegistry_Validation(t *testing.T) {
	r := New(Config{})

	_, err := r.Connect("")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	id, err := r.Connect("u1")
	require.NoError(t, err)
	assert.ErrorIs(t, r.Heartbeat(id, "busy"), errs.ErrInvalidStatus)
}

func TestRegistry_SessionsForUserIsSnapshot(t *testing.T) {
	clock := newFakeClock()
	r := New(Config{}, WithClock(clock.Now), WithIDGenerator(sequentialIDs()))

	a, _ := r.Connect("u1")
	clock.Advance(time.Millisecond)
	b, _ := r.Connect("u1")
	_, _ = r.Connect("u2")

	sessions := r.SessionsForUser("u1")
	require.Len(t, sessions, 2)
	assert.Equal(t, a, sessions[0].ID)
	assert.Equal(t, b, sessions[1].ID)

	// mutating the copy must not leak into the registry
	sessions[0].Status = models.StatusOffline
	s, _ := r.Get(a)
	assert.Equal(t, models.StatusOnline, s.Status)
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_SweepEvictsStaleSessions(t *testing.T) {
	clock := newFakeClock()
	r := New(Config{HeartbeatTimeout: 30 * time.Second}, WithClock(clock.Now), WithIDGenerator(sequentialIDs()))

	var removed []Change
	r.OnChange(func(c Change) {
		if c.Type == Removed {
			removed = append(removed, c)
		}
	})

	stale, _ := r.Connect("u1")
	fresh, _ := r.Connect("u1")

	clock.Advance(20 * time.Second)
	require.NoError(t, r.Heartbeat(fresh, models.StatusOnline))
	clock.Advance(11 * time.Second)

	// ACT
	evicted := r.Sweep()

	// ASSERT: only the session idle for 31s is gone
	require.Len(t, evicted, 1)
	assert.Equal(t, stale, evicted[0].ID)
	assert.True(t, r.Exists(fresh))
	require.Len(t, removed, 1)
	assert.Equal(t, ReasonExpired, removed[0].Reason)

	assert.Nil(t, r.Sweep(), "nothing left to evict")
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	r := New(Config{HeartbeatTimeout: time.Millisecond, SweepInterval: 5 * time.Millisecond})
	id, err := r.Connect("u1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return !r.Exists(id) }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistry_ConcurrentHeartbeats(t *testing.T) {
	r := New(Config{})
	id, err := r.Connect("u1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := models.StatusOnline
			if i%2 == 0 {
				status = models.StatusAway
			}
			assert.NoError(t, r.Heartbeat(id, status))
			_ = r.SessionsForUser("u1")
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.SessionsForUser("u1"), 1)
}
