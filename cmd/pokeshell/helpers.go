package main

import (
	"fmt"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pokechat/pokeshell"
	loglogrus "github.com/pokechat/pokeshell/log/logrus"
	logzap "github.com/pokechat/pokeshell/log/zap"
	"github.com/pokechat/pokeshell/storage"
	"github.com/pokechat/pokeshell/storage/bigcache"
	"github.com/pokechat/pokeshell/storage/memory"
	"github.com/pokechat/pokeshell/storage/redis"
	"github.com/pokechat/pokeshell/storage/sqlite"
)

// newLogger builds the configured logger and its flush func.
func newLogger(cfg *Config) (pokeshell.Logger, func(), error) {
	level := valueOrDefault(cfg.Log.Level, "info")
	switch valueOrDefault(cfg.Log.Backend, "zap") {
	case "zap":
		l, err := logzap.New(level)
		if err != nil {
			return nil, nil, fmt.Errorf("build zap logger: %w", err)
		}
		return l, func() { _ = l.Sync() }, nil
	case "logrus":
		return loglogrus.New(level), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown log backend %q (valid: zap, logrus)", cfg.Log.Backend)
	}
}

// openStorage returns the region backend and queue store for the configured
// backend. Both may be the same value. Without a backend the cache and queue
// go to sqlite next to the config file.
func openStorage(cfg *Config, log pokeshell.Logger) (storage.RegionBackend, storage.QueueStore, error) {
	switch valueOrDefault(cfg.Storage.Backend, "sqlite") {
	case "memory":
		log.Warn("memory storage: cache and queue are lost on exit", nil)
		return memory.NewRegions(), memory.NewQueue(), nil
	case "bigcache":
		regions, err := bigcache.New(bigcache.Config{MaxEntrySize: cfg.Storage.MaxEntrySize})
		if err != nil {
			return nil, nil, fmt.Errorf("open bigcache: %w", err)
		}
		if cfg.Storage.Path == "" {
			log.Warn("bigcache storage without storage.path: queue is lost on exit", nil)
			return regions, memory.NewQueue(), nil
		}
		// Volatile regions, durable queue.
		queue, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return regions, queue, nil
	case "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			p, err := defaultDataPath()
			if err != nil {
				return nil, nil, err
			}
			path = p
		}
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "redis":
		if cfg.Storage.RedisAddr == "" {
			return nil, nil, fmt.Errorf("storage.redis_addr is required for the redis backend")
		}
		store, err := redis.New(redis.Config{
			Client:      goredis.NewClient(&goredis.Options{Addr: cfg.Storage.RedisAddr}),
			Namespace:   cfg.Storage.RedisNamespace,
			CloseClient: true,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q (valid: memory, bigcache, sqlite, redis)", cfg.Storage.Backend)
	}
}

// buildLayer assembles a Layer from cfg.
func buildLayer(cfg *Config, log pokeshell.Logger) (*pokeshell.Layer, error) {
	if cfg.Default.Origin == "" {
		return nil, fmt.Errorf("no origin configured. Run 'pokeshell init <origin-url>' first")
	}
	regions, queue, err := openStorage(cfg, log)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDuration(cfg.Network.Timeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("network.timeout: %w", err)
	}
	transport, err := pokeshell.NewTransport(pokeshell.TransportConfig{
		DialTimeout:         timeout,
		TLSHandshakeTimeout: timeout,
		InsecureSkipVerify:  cfg.Network.Insecure,
	})
	if err != nil {
		return nil, err
	}

	opts := []pokeshell.Option{
		pokeshell.WithLogger(log),
		pokeshell.WithRegions(regions),
		pokeshell.WithQueueStore(queue),
		pokeshell.WithTransport(transport),
		pokeshell.WithSurface(pokeshell.LogSurface{Log: log}),
		pokeshell.WithCodec(cfg.Storage.Codec),
		pokeshell.WithHotTier(cfg.Cache.HotMaxCost),
		pokeshell.WithVersion(
			valueOrDefault(cfg.Cache.Prefix, pokeshell.DefaultPrefix),
			valueOrDefault(cfg.Cache.Version, pokeshell.DefaultVersion),
		),
	}
	if cfg.Storage.MaxEntrySize > 0 {
		opts = append(opts, pokeshell.WithMaxEntrySize(cfg.Storage.MaxEntrySize))
	}
	if len(cfg.Install.URLs) > 0 {
		opts = append(opts, pokeshell.WithManifest(cfg.Install.URLs))
	}
	if cfg.Install.SkipWaiting != nil {
		opts = append(opts, pokeshell.WithSkipWaiting(*cfg.Install.SkipWaiting))
	}
	if cfg.Install.Concurrency > 0 {
		opts = append(opts, pokeshell.WithPrecacheConcurrency(cfg.Install.Concurrency))
	}
	return pokeshell.New(cfg.Default.Origin, opts...)
}

func defaultDataPath() (string, error) {
	path, err := configPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(path), "pokeshell.db"), nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
