// Package servecmder provides the serve command running the API server
// and the consolidation workers together.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/mnemo/api"
	"github.com/papercomputeco/mnemo/pkg/config"
	"github.com/papercomputeco/mnemo/pkg/consolidate"
	"github.com/papercomputeco/mnemo/pkg/eventstream"
	eskafka "github.com/papercomputeco/mnemo/pkg/eventstream/kafka"
	"github.com/papercomputeco/mnemo/pkg/eventstream/nop"
	"github.com/papercomputeco/mnemo/pkg/graph"
	"github.com/papercomputeco/mnemo/pkg/logger"
	"github.com/papercomputeco/mnemo/pkg/session"
	"github.com/papercomputeco/mnemo/pkg/storage"
	"github.com/papercomputeco/mnemo/pkg/storage/inmemory"
	"github.com/papercomputeco/mnemo/pkg/storage/postgres"
	"github.com/papercomputeco/mnemo/pkg/storage/sqlite"
)

type ServeCommander struct {
	listen          string
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

const serveLongDesc string = `Run the Mnemo API server and consolidation workers.

The API server exposes session, message, and edge operations; the workers
drain the consolidation schedule, merging streamed partial fragments into
finalized history memories.`

const serveShortDesc string = "Run the Mnemo API server and workers"

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
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

	config.AddStringFlag(cmd, config.Flags, config.FlagListen, &cmder.listen)
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

// loadConfig resolves the effective configuration through viper:
// flag > env > config file > default.
func (c *ServeCommander) loadConfig(cmd *cobra.Command) error {
	configDir, err := cmd.Flags().GetString("config-dir")
	if err != nil {
		return fmt.Errorf("could not get config-dir flag: %v", err)
	}

	v, err := config.InitViper(configDir)
	if err != nil {
		return err
	}

	config.BindRegisteredFlags(v, cmd, config.Flags, []string{
		config.FlagListen,
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

func (c *ServeCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	driver, err := newStorageDriver(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer driver.Close()

	publisher, err := newPublisher(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	accessor := graph.NewAccessor(driver, c.logger)
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
	defer pool.Close()

	apiServer := api.NewServer(api.Config{ListenAddr: c.cfg.API.Listen}, accessor, resolver, c.logger)

	errChan := make(chan error, 1)
	go func() {
		if err := apiServer.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return apiServer.Shutdown()
	}
}

// newStorageDriver builds the configured storage backend.
func newStorageDriver(cfg *config.Config, log *zap.Logger) (storage.Driver, error) {
	switch cfg.Storage.Provider {
	case "postgres":
		driver, err := postgres.NewDriver(context.Background(), cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL store: %w", err)
		}
		log.Info("using PostgreSQL storage")
		return driver, nil

	case "sqlite":
		driver, err := sqlite.NewDriver(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite store: %w", err)
		}
		log.Info("using SQLite storage", zap.String("path", cfg.Storage.SQLitePath))
		return driver, nil

	case "inmemory":
		log.Info("using in-memory storage")
		return inmemory.NewDriver(), nil

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

// newPublisher builds the configured eventstream backend.
func newPublisher(cfg *config.Config, log *zap.Logger) (eventstream.Publisher, error) {
	switch cfg.Events.Provider {
	case "kafka":
		if len(cfg.Events.Brokers) == 0 {
			return nil, fmt.Errorf("kafka eventstream requires at least one broker")
		}
		log.Info("publishing consolidation events to kafka",
			zap.Strings("brokers", cfg.Events.Brokers),
			zap.String("topic", cfg.Events.Topic),
		)
		return eskafka.NewPublisher(cfg.Events.Brokers, cfg.Events.Topic), nil

	case "nop", "":
		return nop.NewPublisher(), nil

	default:
		return nil, fmt.Errorf("unknown events provider: %s", cfg.Events.Provider)
	}
}
