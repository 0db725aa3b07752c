package pokeshell

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/pokechat/pokeshell/codec"
	"github.com/pokechat/pokeshell/storage"
)

// ============================================================================
// Cache Store
// ============================================================================

// CacheStore keeps versioned regions of stored responses on a
// storage.RegionBackend, with an optional ristretto hot tier in front.
//
// Region IDs are "<prefix>-<version>:<purpose>". Only regions of the current
// version are ever read; Purge removes the rest.
type CacheStore struct {
	backend storage.RegionBackend
	codec   codec.Codec[StoredResponse]
	hot     *ristretto.Cache
	version string
	log     Logger
	now     func() time.Time
}

// CacheConfig configures NewCacheStore.
type CacheConfig struct {
	Prefix  string // "pokechat"
	Version string // "v1.0.0"
	// HotMaxCost bounds the hot tier in bytes; 0 disables it.
	HotMaxCost int64
}

func NewCacheStore(backend storage.RegionBackend, c codec.Codec[StoredResponse], cfg CacheConfig, log Logger) (*CacheStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("cache store: nil backend")
	}
	if c == nil {
		c = codec.Msgpack[StoredResponse]{}
	}
	if log == nil {
		log = NopLogger{}
	}
	if cfg.Prefix == "" || cfg.Version == "" {
		return nil, fmt.Errorf("cache store: prefix and version are required")
	}
	s := &CacheStore{
		backend: backend,
		codec:   c,
		version: cfg.Prefix + "-" + cfg.Version,
		log:     log,
		now:     time.Now,
	}
	if cfg.HotMaxCost > 0 {
		counters := cfg.HotMaxCost / 100
		if counters < 1000 {
			counters = 1000
		}
		hot, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: counters,
			MaxCost:     cfg.HotMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("cache store: hot tier: %w", err)
		}
		s.hot = hot
	}
	return s, nil
}

// Version returns the identifier reported to clients, e.g. "pokechat-v1.0.0".
func (s *CacheStore) Version() string { return s.version }

// RegionID returns the current version's ID for a region purpose.
func (s *CacheStore) RegionID(purpose string) string { return s.version + ":" + purpose }

// IsCurrent reports whether id belongs to the current version.
func (s *CacheStore) IsCurrent(id string) bool { return strings.HasPrefix(id, s.version+":") }

// Open idempotently creates the current version's region for purpose and
// returns its ID.
func (s *CacheStore) Open(ctx context.Context, purpose string) (string, error) {
	id := s.RegionID(purpose)
	if err := s.backend.CreateRegion(ctx, id); err != nil {
		return "", fmt.Errorf("open region %s: %w", id, err)
	}
	return id, nil
}

// Match looks key up in the current version's region for purpose. A miss is
// (nil, false, nil). Entries that fail to decode are reported as misses.
func (s *CacheStore) Match(ctx context.Context, purpose string, key RequestKey) (*StoredResponse, bool, error) {
	id := s.RegionID(purpose)
	hk := hotKey(id, key)
	if s.hot != nil {
		if v, ok := s.hot.Get(hk); ok {
			if b, _ := v.([]byte); b != nil {
				if resp, err := s.codec.Decode(b); err == nil {
					return &resp, true, nil
				}
			}
			s.hot.Del(hk)
		}
	}

	b, ok, err := s.backend.Get(ctx, id, string(key))
	if err != nil {
		return nil, false, fmt.Errorf("match %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	resp, err := s.codec.Decode(b)
	if err != nil {
		s.log.Warn("cache entry undecodable, treating as miss", Fields{"region": id, "key": string(key), "err": err})
		return nil, false, nil
	}
	if s.hot != nil {
		s.hot.Set(hk, b, int64(len(b)))
	}
	return &resp, true, nil
}

// Put stores resp under key, overwriting any previous entry. Non-2xx and 206
// responses are rejected with ErrUncacheable.
func (s *CacheStore) Put(ctx context.Context, purpose string, key RequestKey, resp *StoredResponse) error {
	if !Cacheable(resp.Status) {
		return fmt.Errorf("%w: status %d", ErrUncacheable, resp.Status)
	}
	entry := *resp
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.now()
	}
	b, err := s.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	id := s.RegionID(purpose)
	if err := s.backend.Set(ctx, id, string(key), b); err != nil {
		return fmt.Errorf("put %s: %w", id, err)
	}
	if s.hot != nil {
		s.hot.Set(hotKey(id, key), b, int64(len(b)))
		s.hot.Wait()
	}
	return nil
}

// Purge deletes every region whose ID is not in keep and empties the hot tier.
// It returns the deleted IDs.
func (s *CacheStore) Purge(ctx context.Context, keep ...string) ([]string, error) {
	ids, err := s.backend.Regions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	var deleted []string
	for _, id := range ids {
		if _, ok := keepSet[id]; ok {
			continue
		}
		if err := s.backend.DeleteRegion(ctx, id); err != nil {
			return deleted, fmt.Errorf("delete region %s: %w", id, err)
		}
		deleted = append(deleted, id)
	}
	if s.hot != nil {
		s.hot.Clear()
	}
	sort.Strings(deleted)
	return deleted, nil
}

// PurgeStale deletes every region that does not belong to the current version.
func (s *CacheStore) PurgeStale(ctx context.Context) ([]string, error) {
	ids, err := s.backend.Regions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	var keep []string
	for _, id := range ids {
		if s.IsCurrent(id) {
			keep = append(keep, id)
		}
	}
	return s.Purge(ctx, keep...)
}

// Regions lists every region ID in the backend, sorted.
func (s *CacheStore) Regions(ctx context.Context) ([]string, error) {
	ids, err := s.backend.Regions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Keys lists the keys stored in region id, sorted.
func (s *CacheStore) Keys(ctx context.Context, id string) ([]string, error) {
	keys, err := s.backend.Keys(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the hot tier and the backend.
func (s *CacheStore) Close(ctx context.Context) error {
	if s.hot != nil {
		s.hot.Close()
	}
	return s.backend.Close(ctx)
}

func hotKey(region string, key RequestKey) string {
	return region + "\x00" + string(key)
}
