package config

// Config represents the persistent mnemo configuration stored as config.toml
// in the .mnemo/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version int           `toml:"version"`
	Storage StorageConfig `toml:"storage"`
	API     APIConfig     `toml:"api"`
	Worker  WorkerConfig  `toml:"worker"`
	Events  EventsConfig  `toml:"events"`
	Debug   bool          `toml:"debug,omitempty"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	// Provider is one of "postgres", "sqlite", "inmemory".
	Provider string `toml:"provider,omitempty"`

	// PostgresDSN is the connection string when Provider is "postgres".
	PostgresDSN string `toml:"postgres_dsn,omitempty"`

	// SQLitePath is the database file when Provider is "sqlite".
	SQLitePath string `toml:"sqlite_path,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// WorkerConfig holds consolidation worker pool settings.
type WorkerConfig struct {
	// Count is the number of polling workers.
	Count uint `toml:"count,omitempty"`

	// BatchSize is the maximum jobs claimed per poll.
	BatchSize int `toml:"batch_size,omitempty"`

	// PollSeconds is the idle sleep between empty polls.
	PollSeconds int `toml:"poll_seconds,omitempty"`

	// SweepSeconds is the age at which an unfinished claim is reclaimed.
	SweepSeconds int `toml:"sweep_seconds,omitempty"`
}

// EventsConfig holds eventstream publisher settings.
type EventsConfig struct {
	// Provider is "kafka" or "nop".
	Provider string `toml:"provider,omitempty"`

	// Brokers are the Kafka bootstrap addresses.
	Brokers []string `toml:"brokers,omitempty"`

	// Topic is the Kafka topic consolidation events are written to.
	Topic string `toml:"topic,omitempty"`
}
