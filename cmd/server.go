package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/api"
	"example.com/hearth/services/arbiter/internal/arbitration"
	"example.com/hearth/services/arbiter/internal/cache"
	"example.com/hearth/services/arbiter/internal/health"
	"example.com/hearth/services/arbiter/internal/locations"
	"example.com/hearth/services/arbiter/internal/messaging"
	"example.com/hearth/services/arbiter/internal/metrics"
	"example.com/hearth/services/arbiter/internal/models"
	"example.com/hearth/services/arbiter/internal/platform"
	"example.com/hearth/services/arbiter/internal/repository"
	"example.com/hearth/services/arbiter/internal/search"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the arbitration service",
	Long:  `Start the central arbitration API, device registry, and health monitor`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Initialize the registry database
	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}

	// Initialize the coordination store. Unlike the optional collaborators
	// below, arbitration cannot run without it.
	store, err := cache.NewRedisStore(cfg.Redis, cfg.Arbitration.ClusterTTL)
	if err != nil {
		return errors.Wrap(err, "failed to initialize coordination store")
	}
	defer store.Close()

	// Initialize the Elasticsearch audit client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without arbitration audit")
	}

	// Initialize the MQTT broadcaster
	var publisher health.Publisher
	mqttClient, err := messaging.NewClient(cfg.MQTT)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, continuing without health broadcasts")
	} else {
		publisher = mqttClient
		defer mqttClient.Close()
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize the health monitor
	monitor := health.NewMonitor(
		cfg.Health,
		health.NewHTTPProber(cfg.Platform.Timeout),
		publisher,
		metricsCollector,
	)

	// Initialize the arbitration service
	platformClient := platform.NewClient(cfg.Platform)
	resolver := locations.NewResolver(platformClient, cfg.Platform.LocationTTL)
	repo := repository.NewDeviceRepository(db)

	var indexer arbitration.AuditIndexer
	if elasticClient != nil {
		indexer = elasticClient
	}

	arbitrationService := arbitration.NewService(
		store,
		repo,
		arbitration.NewScorer(),
		resolver,
		indexer,
		metricsCollector,
		cfg.Platform.SpeakerEntity,
		cfg.Arbitration,
	)

	// Initialize and start the server
	server := api.NewServer(cfg, arbitrationService, repo, store, monitor, metricsCollector)

	g.Go(func() error {
		return server.Start()
	})

	g.Go(func() error {
		log.Info().Dur("interval", cfg.Health.ProbeInterval).Msg("Starting health monitor")
		return monitor.Start(ctx)
	})

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}

	log.Info().Msg("Shutting down arbitration service")
	return nil
}

func initDatabase(cfg config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if err := models.SetupModels(db); err != nil {
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying DB connection")
	}

	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, nil
}
