package mealcache

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Strategy names a request-interception policy.
type Strategy string

const (
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
)

type Config struct {
	Server struct {
		// Host is the listen address; loopback unless set.
		Host   string `yaml:"host" env:"MEALCACHE_HOST"`
		Port   int    `yaml:"port" env:"MEALCACHE_PORT"`
		Origin string `yaml:"origin" env:"MEALCACHE_ORIGIN"`
		// ForwardProxy relays absolute-URI requests for other hosts.
		ForwardProxy bool `yaml:"forwardProxy"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path" env:"MEALCACHE_DATA_DIR"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	// Caches names the current generations. Bump Version whenever the
	// bootstrap set or the caching policy changes so activation evicts
	// the previous generations.
	Caches struct {
		Prefix  string `yaml:"prefix"`
		Version string `yaml:"version" env:"MEALCACHE_CACHE_VERSION"`
	} `yaml:"caches"`

	Install struct {
		Bootstrap      []string `yaml:"bootstrap"`
		WaitForClients bool     `yaml:"waitForClients"`
		MaxAttempts    int      `yaml:"maxAttempts"`
		Concurrency    int      `yaml:"concurrency"`
	} `yaml:"install"`

	Manifest struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
		// ChunkPatterns select manifest entries by logical name. The
		// defaults pick every .js entry with "chunk" in its file name or
		// in one of its directories.
		ChunkPatterns []string `yaml:"chunkPatterns"`
	} `yaml:"manifest"`

	API struct {
		Marker string `yaml:"marker"`
	} `yaml:"api"`

	Strategies struct {
		Navigation Strategy `yaml:"navigation"`
		Static     Strategy `yaml:"static"`
		API        Strategy `yaml:"api"`
	} `yaml:"strategies"`

	Logging struct {
		Level         string `yaml:"level" env:"MEALCACHE_LOG_LEVEL"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Metrics struct {
		Exporter string `yaml:"exporter"`
	} `yaml:"metrics"`

	// compiled
	origin           *url.URL
	ramMax           int64
	logStatsEveryDur time.Duration
}

var defaultChunkPatterns = []string{
	"**/*chunk*.js",
	"**/*chunk*/**/*.js",
}

var defaultBootstrap = []string{
	"/",
	"/manifest.json",
	"/favicon.ico",
	"/logo192.png",
	"/logo512.png",
}

// DefaultConfig returns a configuration with every default applied except
// the origin, which has no sensible default.
func DefaultConfig() Config {
	var cfg Config
	cfg.Manifest.Enabled = true
	return cfg
}

// LoadConfig reads the YAML file at path, applies MEALCACHE_* environment
// overrides and compiles the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Compile fills in defaults and validates the configuration. It must be
// called on configs that were not produced by LoadConfig.
func (cfg *Config) Compile() error {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return errors.Wrap(err, "server.origin")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("server.origin: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server.origin: missing host")
	}
	cfg.origin = &url.URL{Scheme: u.Scheme, Host: u.Host}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "16MiB"
	}
	ramMax, err := humanize.ParseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return errors.Wrap(err, "storage.ram.max")
	}
	cfg.ramMax = int64(ramMax)

	if cfg.Caches.Prefix == "" {
		cfg.Caches.Prefix = "meal-manager"
	}
	if cfg.Caches.Version == "" {
		cfg.Caches.Version = "v5"
	}

	if cfg.Install.Bootstrap == nil {
		cfg.Install.Bootstrap = append([]string(nil), defaultBootstrap...)
	}
	for i, p := range cfg.Install.Bootstrap {
		if !strings.HasPrefix(p, "/") {
			return errors.Errorf("install.bootstrap[%d]: %q is not root-relative", i, p)
		}
	}
	if cfg.Install.MaxAttempts <= 0 {
		cfg.Install.MaxAttempts = 3
	}
	if cfg.Install.Concurrency <= 0 {
		cfg.Install.Concurrency = 8
	}

	if cfg.Manifest.Path == "" {
		cfg.Manifest.Path = "/asset-manifest.json"
	}
	if len(cfg.Manifest.ChunkPatterns) == 0 {
		cfg.Manifest.ChunkPatterns = append([]string(nil), defaultChunkPatterns...)
	}
	for i, pat := range cfg.Manifest.ChunkPatterns {
		if !doublestar.ValidatePattern(pat) {
			return errors.Errorf("manifest.chunkPatterns[%d]: invalid pattern %q", i, pat)
		}
	}

	if cfg.API.Marker == "" {
		cfg.API.Marker = "/api/"
	}

	for _, s := range []struct {
		name string
		v    *Strategy
		def  Strategy
	}{
		{"strategies.navigation", &cfg.Strategies.Navigation, StrategyCacheFirst},
		{"strategies.static", &cfg.Strategies.Static, StrategyCacheFirst},
		{"strategies.api", &cfg.Strategies.API, StrategyNetworkFirst},
	} {
		if *s.v == "" {
			*s.v = s.def
		}
		if *s.v != StrategyCacheFirst && *s.v != StrategyNetworkFirst {
			return errors.Errorf("%s: unknown strategy %q", s.name, *s.v)
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return errors.Wrap(err, "logging.logStatsEvery")
		}
		cfg.logStatsEveryDur = d
	}

	switch cfg.Metrics.Exporter {
	case "":
		cfg.Metrics.Exporter = "none"
	case "none", "stdout":
	default:
		return errors.Errorf("metrics.exporter: unknown exporter %q", cfg.Metrics.Exporter)
	}
	return nil
}

// Origin is the scope origin (scheme://host) requests must share to be
// intercepted.
func (cfg *Config) Origin() *url.URL {
	u := *cfg.origin
	return &u
}

// ShellCache is the current app-shell generation name.
func (cfg *Config) ShellCache() string {
	return cfg.Caches.Prefix + "-" + cfg.Caches.Version
}

// RuntimeCache is the current runtime/API data generation name.
func (cfg *Config) RuntimeCache() string {
	return cfg.Caches.Prefix + "-runtime-" + cfg.Caches.Version
}

// Generations returns the set of generation names that survive activation.
func (cfg *Config) Generations() []string {
	return []string{cfg.ShellCache(), cfg.RuntimeCache()}
}

// RAMMax is the in-memory entry cache budget in bytes.
func (cfg *Config) RAMMax() int64 { return cfg.ramMax }

// LogStatsEvery is the stats log period; zero disables it.
func (cfg *Config) LogStatsEvery() time.Duration { return cfg.logStatsEveryDur }

func (cfg *Config) strategyFor(c Classification) Strategy {
	switch c {
	case ClassNavigation:
		return cfg.Strategies.Navigation
	case ClassAPI:
		return cfg.Strategies.API
	default:
		return cfg.Strategies.Static
	}
}
