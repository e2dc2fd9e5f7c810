package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Identity] = memoryRecord{rec: *rec, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, identity string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[identity]
	if !ok {
		return nil, nil
	}
	if s.now().After(r.expiresAt) {
		delete(s.records, identity)
		return nil, nil
	}
	rec := r.rec
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, identity, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[identity]; ok && r.rec.ConnID == connID {
		delete(s.records, identity)
	}
	return nil
}

func (s *MemoryStore) RefreshTTL(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[identity]; ok {
		r.expiresAt = s.now().Add(s.ttl)
		s.records[identity] = r
	}
	return nil
}
