package fanout

import (
	"sync"

	"github.com/prudhvinik1/livesync/internal/models"
)

// MemoryStore is a process-local EventStore. Ids restart from zero with the process.
type MemoryStore struct {
	mu     sync.Mutex
	last   map[string]uint64
	events map[string][]models.ChangeEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		last:   make(map[string]uint64),
		events: make(map[string][]models.ChangeEvent),
	}
}

func (s *MemoryStore) Load(topic string) (uint64, []models.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[topic], append([]models.ChangeEvent(nil), s.events[topic]...), nil
}

func (s *MemoryStore) Append(ev models.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.Topic] = append(s.events[ev.Topic], ev)
	s.last[ev.Topic] = ev.EventID
	return nil
}

func (s *MemoryStore) Compact(topic string, floor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[topic]
	i := 0
	for i < len(events) && events[i].EventID < floor {
		i++
	}
	s.events[topic] = append([]models.ChangeEvent(nil), events[i:]...)
	return nil
}
