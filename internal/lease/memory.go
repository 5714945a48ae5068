package lease

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps leases in process. Suitable for a single server.
type MemoryBackend struct {
	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{leases: make(map[string]Lease)}
}

func (b *MemoryBackend) Acquire(_ context.Context, l Lease, now time.Time) (Lease, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.leases[l.ResourceID]; ok && cur.Live(now) {
		if cur.HolderSessionID != l.HolderSessionID {
			return cur, false, nil
		}
		// refresh keeps the original acquisition time
		l.AcquiredAt = cur.AcquiredAt
	}
	b.leases[l.ResourceID] = l
	return l, true, nil
}

func (b *MemoryBackend) Release(_ context.Context, resourceID, sessionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.leases[resourceID]
	if !ok || cur.HolderSessionID != sessionID {
		return false, nil
	}
	delete(b.leases, resourceID)
	return true, nil
}

func (b *MemoryBackend) Get(_ context.Context, resourceID string, now time.Time) (Lease, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.leases[resourceID]
	if !ok || !cur.Live(now) {
		return Lease{}, false, nil
	}
	return cur, true, nil
}

func (b *MemoryBackend) List(_ context.Context, now time.Time) ([]Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []Lease{}
	for id, l := range b.leases {
		if !l.Live(now) {
			delete(b.leases, id)
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

func (b *MemoryBackend) ForceRelease(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, l := range b.leases {
		if !l.AcquiredAt.After(cutoff) {
			delete(b.leases, id)
			n++
		}
	}
	return n, nil
}

// MemoryRecords keeps records in process.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]Record)}
}

func (s *MemoryRecords) Get(_ context.Context, resourceID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[resourceID]
	if !ok {
		return Record{ResourceID: resourceID, Data: map[string]any{}}, false, nil
	}
	rec.Data = cloneData(rec.Data)
	return rec, true, nil
}

func (s *MemoryRecords) CompareAndSwap(_ context.Context, rec Record, expected int64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ResourceID]
	if !ok {
		cur = Record{ResourceID: rec.ResourceID, Data: map[string]any{}}
	}
	if cur.Version != expected {
		cur.Data = cloneData(cur.Data)
		return cur, false, nil
	}
	rec.Version = expected + 1
	rec.Data = cloneData(rec.Data)
	s.records[rec.ResourceID] = rec
	rec.Data = cloneData(rec.Data)
	return rec, true, nil
}
