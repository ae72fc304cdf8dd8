package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/kode4food/cmdbus"
)

type (
	// Config is the YAML configuration of the cmdbus tool
	Config struct {
		Log   LogConfig   `yaml:"log"`
		Store StoreConfig `yaml:"store"`
		Bus   BusConfig   `yaml:"bus"`
		HTTP  HTTPConfig  `yaml:"http"`
	}

	LogConfig struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	}

	// StoreConfig selects and configures the storage backend
	StoreConfig struct {
		// Backend is one of memory, bolt, redis, or postgres
		Backend string `yaml:"backend"`

		Path     string `yaml:"path"`
		DSN      string `yaml:"dsn"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Prefix   string `yaml:"prefix"`
		DB       int    `yaml:"db"`

		Snapshots    bool          `yaml:"snapshots"`
		Workers      int           `yaml:"workers"`
		QueueSize    int           `yaml:"queueSize"`
		SaveTimeout  time.Duration `yaml:"saveTimeout"`
		CreateSchema bool          `yaml:"createSchema"`
	}

	BusConfig struct {
		CacheSize        int  `yaml:"cacheSize"`
		SerializeCommits bool `yaml:"serializeCommits"`
		PollLimit        int  `yaml:"pollLimit"`
		WindowSize       int  `yaml:"windowSize"`
		PollConcurrency  int  `yaml:"pollConcurrency"`

		// ShutdownTimeout bounds the wait for in-flight deliveries on exit
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	}

	HTTPConfig struct {
		Addr string `yaml:"addr"`
	}
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

const (
	DefaultBoltPath = "cmdbus.db"
	DefaultHTTPAddr = ":8080"
	DefaultLogLevel = "info"

	DefaultShutdownTimeout = 5 * time.Second
)

// DefaultConfig mirrors cmdbus.DefaultConfig with an in-memory backend
func DefaultConfig() *Config {
	bus := cmdbus.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
		Store: StoreConfig{
			Backend:      BackendMemory,
			Path:         DefaultBoltPath,
			Addr:         bus.Store.Addr,
			Prefix:       bus.Store.Prefix,
			DB:           bus.Store.DB,
			Snapshots:    bus.Store.Snapshots,
			Workers:      bus.Store.WorkerCount,
			QueueSize:    bus.Store.MaxQueueSize,
			SaveTimeout:  bus.Store.SaveTimeout,
			CreateSchema: true,
		},
		Bus: BusConfig{
			CacheSize:        bus.CacheSize,
			SerializeCommits: bus.SerializeCommits,
			PollLimit:        bus.Stream.PollLimit,
			WindowSize:       bus.Stream.WindowSize,
			PollConcurrency:  bus.Stream.PollConcurrency,
			ShutdownTimeout:  DefaultShutdownTimeout,
		},
		HTTP: HTTPConfig{
			Addr: DefaultHTTPAddr,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. An empty path yields the
// defaults
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// BusConfig converts the file configuration into a cmdbus.Config
func (c *Config) BusConfig() cmdbus.Config {
	return cmdbus.Config{
		Store: cmdbus.StoreConfig{
			Addr:         c.Store.Addr,
			Password:     c.Store.Password,
			Prefix:       c.Store.Prefix,
			DB:           c.Store.DB,
			Snapshots:    c.Store.Snapshots,
			WorkerCount:  c.Store.Workers,
			MaxQueueSize: c.Store.QueueSize,
			SaveTimeout:  c.Store.SaveTimeout,
		},
		Stream: cmdbus.StreamConfig{
			PollLimit:       c.Bus.PollLimit,
			WindowSize:      c.Bus.WindowSize,
			PollConcurrency: c.Bus.PollConcurrency,
		},
		CacheSize:        c.Bus.CacheSize,
		SerializeCommits: c.Bus.SerializeCommits,
	}
}

// Logger builds the zap logger described by the log section
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewDevelopmentConfig()
	if c.Log.JSON {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendBolt, BackendRedis:
		return nil
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for %s", BackendPostgres)
		}
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}
