package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pokeshell/config.toml.
// Environment variables override the file.
type Config struct {
	Default   ConfigDefault   `toml:"default"`
	Storage   ConfigStorage   `toml:"storage"`
	Cache     ConfigCache     `toml:"cache"`
	Install   ConfigInstall   `toml:"install"`
	Push      ConfigPush      `toml:"push"`
	Network   ConfigNetwork   `toml:"network"`
	Log       ConfigLog       `toml:"log"`
	Telemetry ConfigTelemetry `toml:"telemetry"`
}

// ConfigDefault holds the origin and the local listen address.
type ConfigDefault struct {
	Origin string `toml:"origin" env:"POKESHELL_ORIGIN"`
	Listen string `toml:"listen" env:"POKESHELL_LISTEN"`
}

// ConfigStorage selects where cache regions and the queue live.
type ConfigStorage struct {
	Backend        string `toml:"backend" env:"POKESHELL_STORAGE_BACKEND"` // memory, bigcache, sqlite, redis
	Path           string `toml:"path" env:"POKESHELL_STORAGE_PATH"`
	RedisAddr      string `toml:"redis_addr" env:"POKESHELL_REDIS_ADDR"`
	RedisNamespace string `toml:"redis_namespace" env:"POKESHELL_REDIS_NAMESPACE"`
	Codec          string `toml:"codec" env:"POKESHELL_CODEC"`
	MaxEntrySize   int    `toml:"max_entry_size" env:"POKESHELL_MAX_ENTRY_SIZE"`
}

// ConfigCache names the cache version and sizes the hot tier.
type ConfigCache struct {
	Prefix     string `toml:"prefix" env:"POKESHELL_CACHE_PREFIX"`
	Version    string `toml:"version" env:"POKESHELL_CACHE_VERSION"`
	HotMaxCost int64  `toml:"hot_max_cost" env:"POKESHELL_HOT_MAX_COST"`
}

// ConfigInstall controls precaching and activation.
type ConfigInstall struct {
	URLs        []string `toml:"urls" env:"POKESHELL_INSTALL_URLS" envSeparator:","`
	SkipWaiting *bool    `toml:"skip_waiting" env:"POKESHELL_SKIP_WAITING"`
	Concurrency int      `toml:"concurrency" env:"POKESHELL_PRECACHE_CONCURRENCY"`
}

// ConfigPush holds the upstream push channel and the webhook secret.
type ConfigPush struct {
	URL    string `toml:"url" env:"POKESHELL_PUSH_URL"`
	Token  string `toml:"token" env:"POKESHELL_PUSH_TOKEN"`
	Secret string `toml:"secret" env:"POKESHELL_PUSH_SECRET"`
}

// ConfigNetwork tunes the upstream transport.
type ConfigNetwork struct {
	Timeout       string `toml:"timeout" env:"POKESHELL_TIMEOUT"`
	ProbeInterval string `toml:"probe_interval" env:"POKESHELL_PROBE_INTERVAL"`
	Insecure      bool   `toml:"insecure_skip_verify" env:"POKESHELL_INSECURE_SKIP_VERIFY"`
}

// ConfigLog selects the log backend.
type ConfigLog struct {
	Backend string `toml:"backend" env:"POKESHELL_LOG_BACKEND"` // zap, logrus
	Level   string `toml:"level" env:"POKESHELL_LOG_LEVEL"`
}

// ConfigTelemetry points at an OTLP/HTTP collector.
type ConfigTelemetry struct {
	OTLPEndpoint string `toml:"otlp_endpoint" env:"POKESHELL_OTLP_ENDPOINT"`
	ServiceName  string `toml:"service_name" env:"POKESHELL_SERVICE_NAME"`
}

// ============================================================================
// Config helpers
// ============================================================================

// cfgFile overrides the config location when set by --config.
var cfgFile string

// configPath returns the full path to the config file, creating
// ~/.pokeshell if needed.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pokeshell")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file only.
// If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the file and applies POKESHELL_* overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.origin").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.origin)")
	}
	section, field := parts[0], parts[1]
	unknown := func() error { return fmt.Errorf("unknown field %q in section [%s]", field, section) }

	switch section {
	case "default":
		switch field {
		case "origin":
			cfg.Default.Origin = value
		case "listen":
			cfg.Default.Listen = value
		default:
			return unknown()
		}
	case "storage":
		switch field {
		case "backend":
			switch value {
			case "memory", "bigcache", "sqlite", "redis":
			default:
				return fmt.Errorf("storage.backend must be memory, bigcache, sqlite or redis")
			}
			cfg.Storage.Backend = value
		case "path":
			cfg.Storage.Path = value
		case "redis_addr":
			cfg.Storage.RedisAddr = value
		case "redis_namespace":
			cfg.Storage.RedisNamespace = value
		case "codec":
			cfg.Storage.Codec = value
		case "max_entry_size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("storage.max_entry_size: %w", err)
			}
			cfg.Storage.MaxEntrySize = n
		default:
			return unknown()
		}
	case "cache":
		switch field {
		case "prefix":
			cfg.Cache.Prefix = value
		case "version":
			cfg.Cache.Version = value
		case "hot_max_cost":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("cache.hot_max_cost: %w", err)
			}
			cfg.Cache.HotMaxCost = n
		default:
			return unknown()
		}
	case "install":
		switch field {
		case "urls":
			cfg.Install.URLs = splitList(value)
		case "skip_waiting":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("install.skip_waiting: %w", err)
			}
			cfg.Install.SkipWaiting = &b
		case "concurrency":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("install.concurrency: %w", err)
			}
			cfg.Install.Concurrency = n
		default:
			return unknown()
		}
	case "push":
		switch field {
		case "url":
			cfg.Push.URL = value
		case "token":
			cfg.Push.Token = value
		case "secret":
			cfg.Push.Secret = value
		default:
			return unknown()
		}
	case "network":
		switch field {
		case "timeout":
			cfg.Network.Timeout = value
		case "probe_interval":
			cfg.Network.ProbeInterval = value
		case "insecure_skip_verify":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("network.insecure_skip_verify: %w", err)
			}
			cfg.Network.Insecure = b
		default:
			return unknown()
		}
	case "log":
		switch field {
		case "backend":
			if value != "zap" && value != "logrus" {
				return fmt.Errorf("log.backend must be zap or logrus")
			}
			cfg.Log.Backend = value
		case "level":
			cfg.Log.Level = value
		default:
			return unknown()
		}
	case "telemetry":
		switch field {
		case "otlp_endpoint":
			cfg.Telemetry.OTLPEndpoint = value
		case "service_name":
			cfg.Telemetry.ServiceName = value
		default:
			return unknown()
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, storage, cache, install, push, network, log, telemetry)", section)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "pokeshell",
	Short: "PokeChat offline shell",
	Long: "Offline interception layer for PokeChat.\n" +
		"Proxies the app, caches the shell and data, queues writes while offline and replays them when the origin returns.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.pokeshell/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
