// Package bigcache keeps cache regions in allegro/bigcache. Entries live off
// the Go heap, so large sprite and page sets do not add GC pressure. Nothing
// survives a restart.
package bigcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/pokechat/pokeshell/storage"
)

const (
	entrySep     = "\x00"
	regionMarker = "\x01region" + entrySep
)

type Config struct {
	// LifeWindow bounds how long an entry may live; 0 => 7 days.
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntrySize       int
	HardMaxCacheSizeMB int // 0 = unlimited
}

// Regions is a storage.RegionBackend over a single BigCache instance.
// Keys are stored as "<region>\x00<key>"; each region also has a marker entry
// so empty regions are listed.
type Regions struct {
	// mu orders region deletion against writes so a purge never leaves a
	// half-deleted region behind a concurrent Set.
	mu sync.RWMutex
	c  *bc.BigCache
}

var _ storage.RegionBackend = (*Regions)(nil)

func New(cfg Config) (*Regions, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = 7 * 24 * time.Hour
	}
	conf := bc.DefaultConfig(life)
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &Regions{c: c}, nil
}

func (r *Regions) CreateRegion(_ context.Context, region string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c.Set(regionMarker+region, nil)
}

func (r *Regions) Regions(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	it := r.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		if name, ok := strings.CutPrefix(e.Key(), regionMarker); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (r *Regions) DeleteRegion(_ context.Context, region string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := region + entrySep
	var doomed []string
	it := r.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(e.Key(), prefix) {
			doomed = append(doomed, e.Key())
		}
	}
	doomed = append(doomed, regionMarker+region)
	for _, k := range doomed {
		if err := r.c.Delete(k); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
			return err
		}
	}
	return nil
}

func (r *Regions) Get(_ context.Context, region, key string) ([]byte, bool, error) {
	b, err := r.c.Get(region + entrySep + key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Regions) Set(_ context.Context, region, key string, value []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, err := r.c.Get(regionMarker + region); errors.Is(err, bc.ErrEntryNotFound) {
		if err := r.c.Set(regionMarker+region, nil); err != nil {
			return err
		}
	}
	return r.c.Set(region+entrySep+key, value)
}

func (r *Regions) Keys(_ context.Context, region string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefix := region + entrySep
	var out []string
	it := r.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		if k, ok := strings.CutPrefix(e.Key(), prefix); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *Regions) Close(_ context.Context) error {
	return r.c.Close()
}
