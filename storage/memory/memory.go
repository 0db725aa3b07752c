// Package memory provides goroutine-safe in-memory storage backends.
// Nothing survives a restart; use it for tests and for ephemeral sessions.
package memory

import (
	"context"
	"sync"

	"github.com/pokechat/pokeshell/storage"
)

// Regions is an in-memory storage.RegionBackend.
type Regions struct {
	mu      sync.RWMutex
	regions map[string]map[string][]byte
}

var _ storage.RegionBackend = (*Regions)(nil)

func NewRegions() *Regions {
	return &Regions{regions: make(map[string]map[string][]byte)}
}

func (s *Regions) CreateRegion(_ context.Context, region string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regions[region]; !ok {
		s.regions[region] = make(map[string][]byte)
	}
	return nil
}

func (s *Regions) Regions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.regions))
	for name := range s.regions {
		out = append(out, name)
	}
	return out, nil
}

func (s *Regions) DeleteRegion(_ context.Context, region string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, region)
	return nil
}

func (s *Regions) Get(_ context.Context, region, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.regions[region][key]
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

func (s *Regions) Set(_ context.Context, region, key string, value []byte) error {
	cp := append([]byte(nil), value...)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[region]
	if !ok {
		r = make(map[string][]byte)
		s.regions[region] = r
	}
	r[key] = cp
	return nil
}

func (s *Regions) Keys(_ context.Context, region string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.regions[region]))
	for k := range s.regions[region] {
		out = append(out, k)
	}
	return out, nil
}

func (s *Regions) Close(context.Context) error { return nil }

// Queue is an in-memory storage.QueueStore. FailSaves makes every Save fail
// with the given error, which tests use to simulate a storage refusing writes.
type Queue struct {
	mu        sync.Mutex
	items     [][]byte
	saves     int
	FailSaves error
}

var _ storage.QueueStore = (*Queue)(nil)

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Load(_ context.Context) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneItems(q.items), nil
}

func (q *Queue) Save(_ context.Context, items [][]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailSaves != nil {
		return q.FailSaves
	}
	q.items = cloneItems(items)
	q.saves++
	return nil
}

// SetFailure swaps the injected Save error under the lock.
func (q *Queue) SetFailure(err error) {
	q.mu.Lock()
	q.FailSaves = err
	q.mu.Unlock()
}

// Saves reports how many Save calls succeeded.
func (q *Queue) Saves() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saves
}

func (q *Queue) Close(context.Context) error { return nil }

func cloneItems(items [][]byte) [][]byte {
	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = append([]byte(nil), it...)
	}
	return out
}
