package serial

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_OrderPerKey(t *testing.T) {
	q := New()

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 100; i++ {
		for _, key := range []string{"a", "b"} {
			i, key := i, key
			require.True(t, q.Submit(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}

	require.NoError(t, q.Close(context.Background()))

	for _, key := range []string{"a", "b"} {
		require.Len(t, got[key], 100)
		for i, v := range got[key] {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_KeysRunConcurrently(t *testing.T) {
	q := New()
	release := make(chan struct{})
	done := make(chan struct{})

	q.Submit("slow", func() { <-release })
	q.Submit("fast", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fast key blocked behind slow key")
	}
	close(release)
	require.NoError(t, q.Close(context.Background()))
}

func TestQueue_CloseRejectsAndTimesOut(t *testing.T) {
	q := New()
	release := make(chan struct{})
	q.Submit("k", func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	assert.False(t, q.Submit("k", func() {}))

	close(release)
	require.NoError(t, q.Close(context.Background()))
}
