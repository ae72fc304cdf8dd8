package cmdbus

import "time"

type (
	Config struct {
		Store  StoreConfig
		Stream StreamConfig

		// CacheSize bounds the aggregate cache; zero disables it
		CacheSize int

		// SerializeCommits routes commits through a single in-process lane
		SerializeCommits bool
	}

	StoreConfig struct {
		Addr     string
		Password string
		Prefix   string
		DB       int

		// Snapshots persists a snapshot with every commit and loads from it
		Snapshots bool

		WorkerCount  int
		MaxQueueSize int
		SaveTimeout  time.Duration
	}

	StreamConfig struct {
		// PollLimit is the batch size used when reading the store
		PollLimit int

		// WindowSize is how many recently pushed events are kept in memory
		WindowSize int

		// PollConcurrency bounds how many handlers Poll drives at once
		PollConcurrency int
	}
)

const (
	DefaultRedisEndpoint       = "localhost:6379"
	DefaultRedisPrefix         = "cmdbus"
	DefaultRedisDB             = 0
	DefaultSnapshotWorkers     = 2
	DefaultSnapshotQueueSize   = 1024
	DefaultSnapshotSaveTimeout = 30 * time.Second
	DefaultPollLimit           = 10
	DefaultWindowSize          = 256
	DefaultPollConcurrency     = 4
)

func DefaultConfig() Config {
	return Config{
		Store:            DefaultStoreConfig(),
		Stream:           DefaultStreamConfig(),
		CacheSize:        DefaultCacheSize,
		SerializeCommits: true,
	}
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Addr:         DefaultRedisEndpoint,
		Password:     "",
		DB:           DefaultRedisDB,
		Prefix:       DefaultRedisPrefix,
		Snapshots:    true,
		WorkerCount:  DefaultSnapshotWorkers,
		MaxQueueSize: DefaultSnapshotQueueSize,
		SaveTimeout:  DefaultSnapshotSaveTimeout,
	}
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PollLimit:       DefaultPollLimit,
		WindowSize:      DefaultWindowSize,
		PollConcurrency: DefaultPollConcurrency,
	}
}
