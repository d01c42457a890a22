package store

import (
	"context"
	"sync"
	"time"

	"github.com/contree/broker/internal/errs"
)

// Memory is an in-process Store. Contents are lost on Close.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string]Record)}
}

func (m *Memory) Get(_ context.Context, bucket, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.buckets[bucket][key]
	if !ok {
		return Record{}, errs.NotFound("%s/%s", bucket, key)
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, nil
}

func (m *Memory) put(bucket string, rec Record) {
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]Record)
		m.buckets[bucket] = b
	}
	rec.Value = append([]byte(nil), rec.Value...)
	b[rec.Key] = rec
}

func (m *Memory) Put(_ context.Context, bucket string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(bucket, stamp(rec))
	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, bucket string, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket][rec.Key]; ok {
		return false, nil
	}
	m.put(bucket, stamp(rec))
	return true, nil
}

func (m *Memory) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *Memory) DeleteOlderThan(_ context.Context, bucket string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.buckets[bucket] {
		if rec.UpdatedAt.Before(cutoff) {
			delete(m.buckets[bucket], k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Count(_ context.Context, bucket string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets[bucket]), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string]map[string]Record)
	return nil
}
