package dedup

import (
	"context"
	"sync"
	"time"
)

type processedMessage struct {
	messageType string
	processedAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu        sync.RWMutex
	processed map[string]processedMessage
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]processedMessage),
		now:       time.Now,
	}
}

func (m *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.processed[key]
	return exists, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, key, messageType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed == nil {
		return ErrStoreClosed
	}
	m.processed[key] = processedMessage{messageType: messageType, processedAt: m.now()}
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	for key, msg := range m.processed {
		if msg.processedAt.Before(cutoff) {
			delete(m.processed, key)
		}
	}
	return nil
}

// Len returns the number of remembered keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processed)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = nil
	return nil
}
