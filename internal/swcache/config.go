package swcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Build struct {
		Mode      string `yaml:"mode"`
		PublicDir string `yaml:"publicDir"`
	} `yaml:"build"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Entries  int    `yaml:"entries"`
			MaxEntry string `yaml:"maxEntry"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Cache struct {
		Name           string `yaml:"name"`
		CoalesceMisses bool   `yaml:"coalesceMisses"`
	} `yaml:"cache"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`
		Level      string `yaml:"level"`
	} `yaml:"logging"`

	// compiled
	ramMaxEntry   int64
	statsEveryDur time.Duration
	level         zerolog.Level
}

// envOverrides lets a deployment adjust the file without editing it.
type envOverrides struct {
	Port     int    `env:"SWCACHE_PORT"`
	Origin   string `env:"SWCACHE_ORIGIN"`
	Mode     string `env:"SWCACHE_MODE"`
	DataPath string `env:"SWCACHE_DATA"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies SWCACHE_* overrides and validates.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.Origin != "" {
		cfg.Server.Origin = o.Origin
	}
	if o.Mode != "" {
		cfg.Build.Mode = o.Mode
	}
	if o.DataPath != "" {
		cfg.Storage.Path = o.DataPath
	}

	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	switch cfg.Build.Mode {
	case "":
		cfg.Build.Mode = ModeProduction
	case ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("build.mode: want %q or %q, got %q", ModeDevelopment, ModeProduction, cfg.Build.Mode)
	}
	if cfg.Build.PublicDir == "" {
		cfg.Build.PublicDir = "public"
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Entries < 0 {
		return fmt.Errorf("storage.ram.entries: negative")
	}
	if cfg.Storage.RAM.MaxEntry != "" {
		n, err := parseBytes(cfg.Storage.RAM.MaxEntry)
		if err != nil {
			return fmt.Errorf("storage.ram.maxEntry: %w", err)
		}
		cfg.ramMaxEntry = n
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = CacheName
	}
	if strings.IndexByte(cfg.Cache.Name, 0) >= 0 {
		return fmt.Errorf("cache.name: contains NUL")
	}

	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.statsEveryDur = d
	}
	cfg.level = zerolog.InfoLevel
	if cfg.Logging.Level != "" {
		lvl, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
		cfg.level = lvl
	}
	return nil
}

func (cfg Config) RAMOptions() RAMOptions {
	return RAMOptions{Entries: cfg.Storage.RAM.Entries, MaxEntry: cfg.ramMaxEntry}
}

func (cfg Config) LogLevel() zerolog.Level { return cfg.level }

func (cfg Config) StatsEvery() time.Duration { return cfg.statsEveryDur }

// ScriptRoute is the path pages register the worker script from: the raw
// template in development, the injected artifact in production.
func (cfg Config) ScriptRoute() string {
	if cfg.Build.Mode == ModeDevelopment {
		return "/sw.js"
	}
	return "/sw.build.js"
}

// ScriptFile is the file served at ScriptRoute.
func (cfg Config) ScriptFile() string {
	return filepath.Join(cfg.Build.PublicDir, strings.TrimPrefix(cfg.ScriptRoute(), "/"))
}
