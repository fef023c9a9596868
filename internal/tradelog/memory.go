package tradelog

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	recs []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *MemoryStore) All() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.recs))
	copy(out, s.recs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) BySymbol(symbol string) ([]Record, error) {
	all, _ := s.All()
	out := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) SellsSince(t time.Time) ([]Record, error) {
	all, _ := s.All()
	out := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Side == Sell && !r.Timestamp.Before(t) {
			out = append(out, r)
		}
	}
	return out, nil
}
