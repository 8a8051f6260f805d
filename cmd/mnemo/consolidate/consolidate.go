// Package consolidatecmder provides the consolidate command running the
// background workers without the API server.
package consolidatecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/mnemo/pkg/config"
	"github.com/papercomputeco/mnemo/pkg/consolidate"
	"github.com/papercomputeco/mnemo/pkg/eventstream"
	eskafka "github.com/papercomputeco/mnemo/pkg/eventstream/kafka"
	"github.com/papercomputeco/mnemo/pkg/eventstream/nop"
	"github.com/papercomputeco/mnemo/pkg/logger"
	"github.com/papercomputeco/mnemo/pkg/session"
	"github.com/papercomputeco/mnemo/pkg/storage"
	"github.com/papercomputeco/mnemo/pkg/storage/postgres"
	"github.com/papercomputeco/mnemo/pkg/storage/sqlite"
)

type ConsolidateCommander struct {
	storageProvider string
	postgresDSN     string
	sqlitePath      string
	workers         uint
	batchSize       int
	eventsProvider  string
	brokers         []string
	topic           string
	debug           bool
	cfg             *config.Config
	logger          *zap.Logger
}

const consolidateLongDesc string = `Run the Mnemo consolidation workers.

Workers poll the consolidation schedule, claim pending jobs, and merge
streamed partial fragments into finalized history memories. Run this
alongside one or more API-only processes against a shared PostgreSQL
store to scale consolidation independently.`

const consolidateShortDesc string = "Run the Mnemo consolidation workers"

func NewConsolidateCmd() *cobra.Command {
	cmder := &ConsolidateCommander{}

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: consolidateShortDesc,
		Long:  consolidateLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}
			return cmder.run()
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagStorageProvider, &cmder.storageProvider)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddStringFlag(cmd, config.Flags, config.FlagSQLite, &cmder.sqlitePath)
	config.AddUintFlag(cmd, config.Flags, config.FlagWorkers, &cmder.workers)
	config.AddIntFlag(cmd, config.Flags, config.FlagBatchSize, &cmder.batchSize)
	config.AddStringFlag(cmd, config.Flags, config.FlagEventsProvider, &cmder.eventsProvider)
	config.AddStringSliceFlag(cmd, config.Flags, config.FlagBrokers, &cmder.brokers)
	config.AddStringFlag(cmd, config.Flags, config.FlagTopic, &cmder.topic)

	return cmd
}

func (c *ConsolidateCommander) loadConfig(cmd *cobra.Command) error {
	configDir, err := cmd.Flags().GetString("config-dir")
	if err != nil {
		return fmt.Errorf("could not get config-dir flag: %v", err)
	}

	v, err := config.InitViper(configDir)
	if err != nil {
		return err
	}

	config.BindRegisteredFlags(v, cmd, config.Flags, []string{
		config.FlagStorageProvider,
		config.FlagPostgresDSN,
		config.FlagSQLite,
		config.FlagWorkers,
		config.FlagBatchSize,
		config.FlagEventsProvider,
		config.FlagBrokers,
		config.FlagTopic,
	})

	c.cfg = config.FromViper(v)
	return nil
}

func (c *ConsolidateCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	driver, err := c.newStorageDriver()
	if err != nil {
		return err
	}
	defer driver.Close()

	publisher, err := c.newPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

	resolver := session.NewResolver(driver, c.logger)
	engine := consolidate.NewEngine(driver, resolver, publisher, c.logger)

	pool, err := consolidate.NewPool(&consolidate.Config{
		Driver:       driver,
		Engine:       engine,
		Resolver:     resolver,
		NumWorkers:   c.cfg.Worker.Count,
		BatchSize:    c.cfg.Worker.BatchSize,
		PollInterval: time.Duration(c.cfg.Worker.PollSeconds) * time.Second,
		SweepAfter:   time.Duration(c.cfg.Worker.SweepSeconds) * time.Second,
		Logger:       c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating consolidation pool: %w", err)
	}

	c.logger.Info("consolidation workers started",
		zap.Uint("workers", c.cfg.Worker.Count),
		zap.Int("batch_size", c.cfg.Worker.BatchSize),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	pool.Close()
	return nil
}

func (c *ConsolidateCommander) newStorageDriver() (storage.Driver, error) {
	switch c.cfg.Storage.Provider {
	case "postgres":
		driver, err := postgres.NewDriver(context.Background(), c.cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL store: %w", err)
		}
		c.logger.Info("using PostgreSQL storage")
		return driver, nil

	case "sqlite":
		driver, err := sqlite.NewDriver(c.cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite store: %w", err)
		}
		c.logger.Info("using SQLite storage", zap.String("path", c.cfg.Storage.SQLitePath))
		return driver, nil

	default:
		// Workers share no memory with the API process, so the
		// in-memory backend cannot serve a standalone worker fleet.
		return nil, fmt.Errorf("consolidate requires a durable storage provider, got: %s", c.cfg.Storage.Provider)
	}
}

func (c *ConsolidateCommander) newPublisher() (eventstream.Publisher, error) {
	switch c.cfg.Events.Provider {
	case "kafka":
		if len(c.cfg.Events.Brokers) == 0 {
			return nil, fmt.Errorf("kafka eventstream requires at least one broker")
		}
		return eskafka.NewPublisher(c.cfg.Events.Brokers, c.cfg.Events.Topic), nil

	case "nop", "":
		return nop.NewPublisher(), nil

	default:
		return nil, fmt.Errorf("unknown events provider: %s", c.cfg.Events.Provider)
	}
}
