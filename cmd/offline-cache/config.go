package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port   int    `yaml:"port"`
	Origin string `yaml:"origin"`

	Endpoints struct {
		Data    string `yaml:"data"`
		Catalog string `yaml:"catalog"`
	} `yaml:"endpoints"`

	Versions cache.Versions `yaml:"versions"`

	Cache struct {
		// sqlite or memory
		Provider   string `yaml:"provider"`
		DB         string `yaml:"db"`
		MaxEntries int    `yaml:"maxEntries"`
	} `yaml:"cache"`

	Queue struct {
		// sqlite or leveldb
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"queue"`

	Sync struct {
		Tag      string `yaml:"tag"`
		Interval string `yaml:"interval"`
	} `yaml:"sync"`

	Connectivity struct {
		Probe    string `yaml:"probe"`
		Interval string `yaml:"interval"`
	} `yaml:"connectivity"`

	RetainHeaders         []string `yaml:"retainHeaders"`
	IdempotencyHeader     string   `yaml:"idempotencyHeader"`
	DisableIdempotencyKey bool     `yaml:"disableIdempotencyKey"`
	RootPath              string   `yaml:"rootPath"`
	OfflineHTML           string   `yaml:"offlineHTML"`
	RefreshTimeout        string   `yaml:"refreshTimeout"`
	Precache              []string `yaml:"precache"`

	// parsed
	originURL            *url.URL
	syncInterval         time.Duration
	connectivityInterval time.Duration
	refreshTimeout       time.Duration
}

func defaultConfig() Config {
	var cfg Config
	cfg.Port = 8080
	cfg.Cache.Provider = "sqlite"
	cfg.Cache.DB = "cache.db"
	cfg.Queue.Backend = "sqlite"
	cfg.Queue.Path = "queue.db"
	cfg.Sync.Interval = "30s"
	cfg.Connectivity.Interval = "10s"
	cfg.RefreshTimeout = "30s"
	return cfg
}

// loadConfig reads the config file on top of the defaults. An empty filename only returns the defaults.
func loadConfig(filename string) (Config, error) {
	cfg := defaultConfig()
	if filename == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks the config and fills in the parsed fields.
func (cfg *Config) validate() error {
	if cfg.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	if cfg.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	u, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin %q must be an http(s) URL", cfg.Origin)
	}
	cfg.originURL = u

	// endpoints may be given as paths on the origin
	for name, endpoint := range map[string]*string{"endpoints.data": &cfg.Endpoints.Data, "endpoints.catalog": &cfg.Endpoints.Catalog} {
		if *endpoint == "" {
			return fmt.Errorf("%s is required", name)
		}
		ref, err := url.Parse(*endpoint)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*endpoint = u.ResolveReference(ref).String()
	}

	if err := cfg.Versions.Validate(); err != nil {
		return fmt.Errorf("versions: %w", err)
	}
	switch cfg.Cache.Provider {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("cache.provider: unsupported provider %q", cfg.Cache.Provider)
	}
	switch cfg.Queue.Backend {
	case "sqlite", "leveldb":
	default:
		return fmt.Errorf("queue.backend: unsupported backend %q", cfg.Queue.Backend)
	}
	if cfg.Queue.Path == "" {
		return fmt.Errorf("queue.path is required")
	}

	for name, d := range map[string]struct {
		value  string
		parsed *time.Duration
	}{
		"sync.interval":         {cfg.Sync.Interval, &cfg.syncInterval},
		"connectivity.interval": {cfg.Connectivity.Interval, &cfg.connectivityInterval},
		"refreshTimeout":        {cfg.RefreshTimeout, &cfg.refreshTimeout},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*d.parsed = parsed
	}

	if cfg.Connectivity.Probe == "" {
		cfg.Connectivity.Probe = cfg.originURL.String()
	}
	if cfg.Precache == nil {
		cfg.Precache = []string{"/", "/manifest.webmanifest"}
	}
	return nil
}
