package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process memory, for tests and single-node runs
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry), now: time.Now}
}

// WithClock overrides the clock used for UpdatedAt, for tests
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.now = now
	return b
}

// Get implements Backend
func (b *MemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// Start implements Backend
func (b *MemoryBackend) Start(_ context.Context, e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.entries[e.Key]; ok {
		if existing.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		existing.Status = StatusStarted
		existing.UpdatedAt = b.now()
		return nil
	}
	cp := *e
	b.entries[e.Key] = &cp
	return nil
}

// Mark implements Backend
func (b *MemoryBackend) Mark(_ context.Context, key string, status Status, result json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = b.now()
	return nil
}

// RecoverStale implements Backend
func (b *MemoryBackend) RecoverStale(_ context.Context, before time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, e := range b.entries {
		if e.Status == StatusStarted && e.UpdatedAt.Before(before) {
			e.Status = StatusRecoverable
			e.UpdatedAt = b.now()
			n++
		}
	}
	return n, nil
}

// Cleanup implements Backend
func (b *MemoryBackend) Cleanup(_ context.Context, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for k, e := range b.entries {
		if e.ExpiresAt.Before(now) {
			delete(b.entries, k)
			n++
		}
	}
	return n, nil
}

// Stats implements Backend
func (b *MemoryBackend) Stats(context.Context) (*Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Stats{}
	for _, e := range b.entries {
		s.add(e.Status, 1)
	}
	return s, nil
}
