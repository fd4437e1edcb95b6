package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in memory only
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]LicenseRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]LicenseRecord)}
}

func (s *MemoryStore) Get(_ context.Context, productID, fingerprint string) (LicenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey{productID: productID, fingerprint: fingerprint}]
	if !ok {
		return LicenseRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Put(_ context.Context, rec LicenseRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[keyOf(rec)] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, productID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey{productID: productID, fingerprint: fingerprint})
	return nil
}

func (s *MemoryStore) List(_ context.Context, fingerprint string) ([]LicenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listFor(s.records, fingerprint), nil
}

func (s *MemoryStore) Close() error { return nil }

func listFor(records map[recordKey]LicenseRecord, fingerprint string) []LicenseRecord {
	out := make([]LicenseRecord, 0, len(records))
	for k, rec := range records {
		if k.fingerprint == fingerprint {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
