package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.Kind + "/" + rec.Key
	if _, exists := s.records[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.Key)
	}
	rec.Data = append([]byte(nil), rec.Data...)
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) List(_ context.Context, kind, missionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Kind != kind || (missionID != "" && rec.MissionID != missionID) {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, kind, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[kind+"/"+key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, key)
	}
	return rec, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].Key < recs[j].Key
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
