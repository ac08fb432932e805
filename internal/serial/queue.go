// Package serial runs side effects in FIFO order per key without blocking the caller.
package serial

import (
	"context"
	"sync"
)

// Queue executes submitted jobs one at a time per key. Jobs for different keys run
// concurrently. A key's goroutine exits once its backlog drains.
type Queue struct {
	mu     sync.Mutex
	queues map[string]*backlog
	wg     sync.WaitGroup
	closed bool
}

type backlog struct {
	jobs []func()
}

func New() *Queue {
	return &Queue{queues: make(map[string]*backlog)}
}

// Submit enqueues job behind earlier jobs for key. It returns false once the queue is closed.
func (q *Queue) Submit(key string, job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if b, ok := q.queues[key]; ok {
		b.jobs = append(b.jobs, job)
		return true
	}

	b := &backlog{jobs: []func(){job}}
	q.queues[key] = b
	q.wg.Add(1)
	go q.drain(key, b)
	return true
}

func (q *Queue) drain(key string, b *backlog) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(b.jobs) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		job := b.jobs[0]
		b.jobs[0] = nil
		b.jobs = b.jobs[1:]
		q.mu.Unlock()

		job()
	}
}

// Pending reports how many keys currently have queued or running jobs.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// Close rejects new jobs and waits for queued ones to finish or ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
