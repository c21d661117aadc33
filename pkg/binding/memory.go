package binding

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	binding   Binding
	expiresAt time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore keeps bindings in process memory. Contents are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	byThread map[string]memoryEntry
	byTask   map[string]memoryEntry
	now      func() time.Time
}

// NewMemoryStore returns an empty store. A zero ttl keeps bindings forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		byThread: make(map[string]memoryEntry),
		byTask:   make(map[string]memoryEntry),
		now:      time.Now,
	}
}

func (s *MemoryStore) LookupThread(_ context.Context, thread Thread) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byThread[thread.Key()]
	if !ok || !entry.live(s.now()) {
		return "", ErrNotFound
	}
	return entry.binding.TaskID, nil
}

func (s *MemoryStore) LookupTask(_ context.Context, taskID string) (Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byTask[taskID]
	if !ok || !entry.live(s.now()) {
		return Binding{}, ErrNotFound
	}
	return entry.binding, nil
}

func (s *MemoryStore) Bind(_ context.Context, b Binding) (Binding, bool, error) {
	if err := validate(b); err != nil {
		return Binding{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := b.Key()
	if existing, ok := s.byThread[key]; ok && existing.live(now) {
		return existing.binding, false, nil
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	entry := memoryEntry{binding: b}
	if s.ttl > 0 {
		entry.expiresAt = now.Add(s.ttl)
	}
	s.byThread[key] = entry
	s.byTask[b.TaskID] = entry

	return b, true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
