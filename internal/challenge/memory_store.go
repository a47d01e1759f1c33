package challenge

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMemoryCapacity = 100_000

// MemoryStore keeps challenge state in process. It is only correct when a
// single instance serves all traffic.
type MemoryStore struct {
	mu      sync.Mutex
	pending *lru.Cache[string, Pending]
	grants  *lru.Cache[string, time.Time]
}

func NewMemoryStore(capacity int) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	pending, err := lru.New[string, Pending](capacity)
	if err != nil {
		return nil, err
	}
	grants, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{pending: pending, grants: grants}, nil
}

func (s *MemoryStore) SavePending(_ context.Context, address string, p Pending, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Add(address, p)
	return nil
}

func (s *MemoryStore) LoadPending(_ context.Context, address string) (Pending, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending.Get(address)
	return p, ok, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, address string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending.Get(address)
	if !ok {
		return 0, false, nil
	}
	p.Attempts++
	s.pending.Add(address, p)
	return p.Attempts, true, nil
}

func (s *MemoryStore) DeletePending(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Remove(address)
	return nil
}

func (s *MemoryStore) SaveGrant(_ context.Context, address string, expiresAt time.Time, _ time.Duration) error {
	s.grants.Add(address, expiresAt)
	return nil
}

func (s *MemoryStore) LoadGrant(_ context.Context, address string) (time.Time, bool, error) {
	expiresAt, ok := s.grants.Get(address)
	return expiresAt, ok, nil
}

func (s *MemoryStore) DeleteGrant(_ context.Context, address string) error {
	s.grants.Remove(address)
	return nil
}
