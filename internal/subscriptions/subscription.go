package subscriptions

import (
	"sync"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/models"
)

// Sink receives a subscription's events on the subscription's own goroutine.
type Sink interface {
	// Deliver hands over one event. An error closes the subscription.
	Deliver(sub *Subscription, ev models.ChangeEvent) error
	// Closed is called once when the subscription stops. reason is nil for an unsubscribe.
	Closed(sub *Subscription, reason error)
}

// Subscription is the handle returned by Subscribe. Its mailbox is drained in order by one pump goroutine.
type Subscription struct {
	ID        string
	SessionID string
	Topic     string
	Since     *uint64
	Head      uint64
	Replayed  int

	sink  Sink
	limit int

	mu         sync.Mutex
	queue      []models.ChangeEvent
	closed     bool
	reason     error
	delivered  int
	wake       chan struct{}
	replayDone chan struct{}
	done       chan struct{}

	// replaying counts the replayed events still at the head of queue.
	replaying int
}

func newSubscription(id, sessionID, topic string, since *uint64, sink Sink, limit int) *Subscription {
	return &Subscription{
		ID:         id,
		SessionID:  sessionID,
		Topic:      topic,
		Since:      since,
		sink:       sink,
		limit:      limit,
		wake:       make(chan struct{}, 1),
		replayDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SubscriberID implements fanout.Subscriber.
func (s *Subscription) SubscriberID() string { return s.ID }

// Replay queues the backlog regardless of the mailbox limit.
func (s *Subscription) Replay(events []models.ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, events...)
	s.replaying += len(events)
	s.mu.Unlock()
	s.signal()
}

// Enqueue queues a live event. Only live events count toward the mailbox limit.
// Overflowing it closes the subscription with ErrSlowConsumer.
func (s *Subscription) Enqueue(ev models.ChangeEvent) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.limit > 0 && len(s.queue)-s.replaying >= s.limit {
		s.closed = true
		s.reason = errs.ErrSlowConsumer
		s.mu.Unlock()
		s.signal()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close marks the subscription closed and reports whether this call did it.
func (s *Subscription) close(reason error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.reason = reason
	s.mu.Unlock()
	s.signal()
	return true
}

// Done is closed after the pump has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription closed: nil while open or after an unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// pump delivers queued events until the subscription closes. Events still queued
// at close are discarded and reported to onExit as dropped.
func (s *Subscription) pump(onDeliver func(), onExit func(dropped int)) {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		if s.closed {
			dropped := len(s.queue)
			s.queue = nil
			s.replaying = 0
			reason := s.reason
			s.mu.Unlock()

			onExit(dropped)
			s.sink.Closed(s, reason)
			return
		}
		ev := s.queue[0]
		s.queue[0] = models.ChangeEvent{}
		s.queue = s.queue[1:]
		if s.replaying > 0 {
			s.replaying--
		}
		s.mu.Unlock()

		if err := s.sink.Deliver(s, ev); err != nil {
			s.close(err)
			continue
		}
		onDeliver()

		s.mu.Lock()
		s.delivered++
		if s.delivered == s.Replayed {
			close(s.replayDone)
		}
		s.mu.Unlock()
	}
}
