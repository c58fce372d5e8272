// Package store persists PriceRecords with version-checked writes
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"
)

// MemoryStore implements core.IPriceStore in memory
type MemoryStore struct {
	records map[core.RecordKey]*core.PriceRecord
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[core.RecordKey]*core.PriceRecord),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key core.RecordKey) (*core.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, apperrors.ErrRecordNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *core.PriceRecord, expectedVersion int64) error {
	if err := rec.Key().Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.records[rec.Key()]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("%s: expected version %d, found %d: %w", rec.Key(), expectedVersion, current, apperrors.ErrStoreConflict)
	}

	rec.Version = expectedVersion + 1
	s.records[rec.Key()] = rec.Clone()
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context, decidedBefore time.Time, limit int) ([]*core.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.PriceRecord
	for _, rec := range s.records {
		if rec.HasPending() && !rec.LastDecisionAt.After(decidedBefore) {
			out = append(out, rec.Clone())
		}
	}
	sortPending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, marketplaceID string) ([]core.RecordKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []core.RecordKey
	for key := range s.records {
		if marketplaceID == "" || key.MarketplaceID == marketplaceID {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// sortPending orders oldest decision first, then by key for a stable result
func sortPending(recs []*core.PriceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastDecisionAt.Equal(recs[j].LastDecisionAt) {
			return recs[i].LastDecisionAt.Before(recs[j].LastDecisionAt)
		}
		return recs[i].Key().String() < recs[j].Key().String()
	})
}

func sortKeys(keys []core.RecordKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
