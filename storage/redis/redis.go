// Package redis stores cache regions and the mutation queue in Redis, for
// deployments where several pokeshell processes share one cache.
package redis

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pokechat/pokeshell/storage"
)

var ErrNilClient = errors.New("redis storage: nil client")

type Config struct {
	Client goredis.UniversalClient
	// Namespace prefixes every key; defaults to "pokeshell".
	Namespace   string
	CloseClient bool // set true only if this store exclusively owns the client
}

// Store keeps each region in a hash "<ns>:region:<name>", the region index in
// the set "<ns>:regions" and the queue in the list "<ns>:queue".
type Store struct {
	rdb         goredis.UniversalClient
	ns          string
	closeClient bool
}

var (
	_ storage.RegionBackend = (*Store)(nil)
	_ storage.QueueStore    = (*Store)(nil)
)

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "pokeshell"
	}
	return &Store{rdb: cfg.Client, ns: ns, closeClient: cfg.CloseClient}, nil
}

func (s *Store) regionsKey() string           { return s.ns + ":regions" }
func (s *Store) regionKey(name string) string { return s.ns + ":region:" + name }
func (s *Store) queueKey() string             { return s.ns + ":queue" }

func (s *Store) CreateRegion(ctx context.Context, region string) error {
	return s.rdb.SAdd(ctx, s.regionsKey(), region).Err()
}

func (s *Store) Regions(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.regionsKey()).Result()
}

func (s *Store) DeleteRegion(ctx context.Context, region string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.regionKey(region))
		p.SRem(ctx, s.regionsKey(), region)
		return nil
	})
	return err
}

func (s *Store) Get(ctx context.Context, region, key string) ([]byte, bool, error) {
	b, err := s.rdb.HGet(ctx, s.regionKey(region), key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, region, key string, value []byte) error {
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SAdd(ctx, s.regionsKey(), region)
		p.HSet(ctx, s.regionKey(region), key, value)
		return nil
	})
	return err
}

func (s *Store) Keys(ctx context.Context, region string) ([]string, error) {
	return s.rdb.HKeys(ctx, s.regionKey(region)).Result()
}

func (s *Store) Load(ctx context.Context) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Save swaps the queue list inside MULTI/EXEC so readers never see a
// partially written queue.
func (s *Store) Save(ctx context.Context, items [][]byte) error {
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.queueKey())
		if len(items) > 0 {
			args := make([]any, len(items))
			for i, it := range items {
				args[i] = it
			}
			p.RPush(ctx, s.queueKey(), args...)
		}
		return nil
	})
	return err
}

// Close releases the underlying client only when this store owns it.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
