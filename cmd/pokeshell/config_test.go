package main

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/pokechat/pokeshell/storage/sqlite"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })
	return path
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(*Config) bool
	}{
		{"default.origin", "http://localhost:5000", func(c *Config) bool { return c.Default.Origin == "http://localhost:5000" }},
		{"storage.backend", "redis", func(c *Config) bool { return c.Storage.Backend == "redis" }},
		{"storage.max_entry_size", "1048576", func(c *Config) bool { return c.Storage.MaxEntrySize == 1<<20 }},
		{"cache.version", "v1.1.0", func(c *Config) bool { return c.Cache.Version == "v1.1.0" }},
		{"install.urls", "/, /chat ,", func(c *Config) bool { return reflect.DeepEqual(c.Install.URLs, []string{"/", "/chat"}) }},
		{"install.skip_waiting", "false", func(c *Config) bool { return c.Install.SkipWaiting != nil && !*c.Install.SkipWaiting }},
		{"network.insecure_skip_verify", "true", func(c *Config) bool { return c.Network.Insecure }},
		{"log.backend", "logrus", func(c *Config) bool { return c.Log.Backend == "logrus" }},
		{"telemetry.otlp_endpoint", "http://collector:4318", func(c *Config) bool { return c.Telemetry.OTLPEndpoint == "http://collector:4318" }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var cfg Config
			if err := setConfigValue(&cfg, tt.key, tt.value); err != nil {
				t.Fatalf("set: %v", err)
			}
			if !tt.check(&cfg) {
				t.Fatalf("value not applied: %+v", cfg)
			}
		})
	}
}

func TestSetConfigValueErrors(t *testing.T) {
	for _, key := range []string{"origin", "nope.field", "default.nope", "storage.backend", "log.backend", "storage.max_entry_size"} {
		var cfg Config
		if err := setConfigValue(&cfg, key, "bogus"); err == nil {
			t.Errorf("setConfigValue(%q) accepted bogus input", key)
		}
	}
}

func TestConfigRoundTripWithEnvOverride(t *testing.T) {
	useTempConfig(t)

	cfg := &Config{}
	cfg.Default.Origin = "http://localhost:5000"
	cfg.Storage.Backend = "sqlite"
	cfg.Install.URLs = []string{"/", "/chat"}
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	t.Setenv("POKESHELL_STORAGE_BACKEND", "redis")
	t.Setenv("POKESHELL_REDIS_ADDR", "localhost:6379")
	got, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if got.Default.Origin != "http://localhost:5000" {
		t.Fatalf("origin %q", got.Default.Origin)
	}
	if got.Storage.Backend != "redis" || got.Storage.RedisAddr != "localhost:6379" {
		t.Fatalf("env override not applied: %+v", got.Storage)
	}
	if !reflect.DeepEqual(got.Install.URLs, []string{"/", "/chat"}) {
		t.Fatalf("urls %v", got.Install.URLs)
	}

	// The file itself is untouched by the environment.
	onDisk, err := readConfigFile()
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.Storage.Backend != "sqlite" {
		t.Fatalf("file backend %q", onDisk.Storage.Backend)
	}
}

func TestMissingConfigIsEmpty(t *testing.T) {
	useTempConfig(t)
	cfg, err := readConfigFile()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Default.Origin != "" {
		t.Fatalf("unexpected origin %q", cfg.Default.Origin)
	}
}

func TestBuildLayerFromConfig(t *testing.T) {
	path := useTempConfig(t)

	cfg := &Config{}
	if _, err := buildLayer(cfg, nil); err == nil {
		t.Fatal("expected error without origin")
	}

	cfg.Default.Origin = "http://localhost:5000"
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Path = filepath.Join(filepath.Dir(path), "shell.db")
	cfg.Cache.Version = "v2.0.0"
	log, flush, err := newLogger(&Config{Log: ConfigLog{Backend: "logrus", Level: "error"}})
	if err != nil {
		t.Fatal(err)
	}
	defer flush()

	l, err := buildLayer(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close(t.Context())
	if l.Version() != "pokechat-v2.0.0" || versionID(cfg) != "pokechat-v2.0.0" {
		t.Fatalf("version %q", l.Version())
	}
}

func TestOpenStorageRejectsUnknown(t *testing.T) {
	log, _, _ := newLogger(&Config{Log: ConfigLog{Backend: "logrus"}})
	if _, _, err := openStorage(&Config{Storage: ConfigStorage{Backend: "floppy"}}, log); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := openStorage(&Config{Storage: ConfigStorage{Backend: "redis"}}, log); err == nil {
		t.Fatal("expected error without redis_addr")
	}
	if _, _, err := newLogger(&Config{Log: ConfigLog{Backend: "syslog"}}); err == nil {
		t.Fatal("expected error for unknown log backend")
	}
}

func TestShowConfigIncludesEnvironment(t *testing.T) {
	useTempConfig(t)
	cfg := &Config{}
	cfg.Default.Origin = "http://localhost:5000"
	cfg.Storage.Backend = "sqlite"
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POKESHELL_STORAGE_BACKEND", "bigcache")
	t.Setenv("POKESHELL_PUSH_SECRET", "whsec_0123456789abcdef")

	var buf bytes.Buffer
	if err := showConfig(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	fileView, effective, ok := strings.Cut(out, "# Effective (file + environment)")
	if !ok {
		t.Fatalf("no effective section in:\n%s", out)
	}
	if !strings.Contains(fileView, "sqlite") {
		t.Fatalf("file view should show the stored backend:\n%s", fileView)
	}
	var got Config
	if err := toml.Unmarshal([]byte(effective), &got); err != nil {
		t.Fatalf("effective section is not toml: %v\n%s", err, effective)
	}
	if got.Storage.Backend != "bigcache" || got.Default.Origin != "http://localhost:5000" {
		t.Fatalf("effective config %+v", got)
	}
	if got.Push.Secret != "whse...cdef" || strings.Contains(out, "whsec_0123456789abcdef") {
		t.Fatalf("secret not masked: %q", got.Push.Secret)
	}
}

func TestShowConfigWithoutFile(t *testing.T) {
	useTempConfig(t)
	t.Setenv("POKESHELL_ORIGIN", "http://pokechat.local")

	var buf bytes.Buffer
	if err := showConfig(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No configuration file found") {
		t.Fatalf("missing hint:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "http://pokechat.local") {
		t.Fatalf("environment origin not shown:\n%s", buf.String())
	}
}

func TestOpenStorageDefaultsToSQLite(t *testing.T) {
	path := useTempConfig(t)
	log, _, _ := newLogger(&Config{Log: ConfigLog{Backend: "logrus", Level: "error"}})

	regions, queue, err := openStorage(&Config{}, log)
	if err != nil {
		t.Fatal(err)
	}
	defer regions.Close(t.Context())
	store, ok := regions.(*sqlite.Store)
	if !ok {
		t.Fatalf("default backend is %T", regions)
	}
	if q, ok := queue.(*sqlite.Store); !ok || q != store {
		t.Fatalf("queue store is %T", queue)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "pokeshell.db")); err != nil {
		t.Fatalf("database not created next to the config: %v", err)
	}
}
