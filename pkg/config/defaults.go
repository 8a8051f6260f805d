package config

const (
	// v0 is the alpha version of the config
	v0 = 0

	// CurrentV is the currently supported version, points to v0
	CurrentV = v0

	defaultStorageProvider = "sqlite"
	defaultSQLitePath      = "mnemo.db"
	defaultAPIListen       = ":8082"

	defaultWorkerCount  uint = 3
	defaultBatchSize         = 16
	defaultPollSeconds       = 2
	defaultSweepSeconds      = 300

	defaultEventsProvider = "nop"
	defaultEventsTopic    = "mnemo.consolidations"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Provider:   defaultStorageProvider,
			SQLitePath: defaultSQLitePath,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Worker: WorkerConfig{
			Count:        defaultWorkerCount,
			BatchSize:    defaultBatchSize,
			PollSeconds:  defaultPollSeconds,
			SweepSeconds: defaultSweepSeconds,
		},
		Events: EventsConfig{
			Provider: defaultEventsProvider,
			Topic:    defaultEventsTopic,
		},
	}
}
