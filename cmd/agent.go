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

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/agent"
	"example.com/hearth/services/arbiter/internal/messaging"
	"example.com/hearth/services/arbiter/internal/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the on-device agent",
	Long: `Start the per-device agent: heartbeats into the registry, subscribes to
health broadcasts, and arbitrates wake events with local fallback`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Agent.DeviceID == "" {
		return errors.New("agent.device_id must be configured")
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

	// The LAN broker is the agent's lifeline for fallback arbitration and
	// health broadcasts; without it the agent cannot do its job
	mqttClient, err := messaging.NewClient(cfg.MQTT)
	if err != nil {
		return errors.Wrap(err, "failed to connect to MQTT broker")
	}
	defer mqttClient.Close()

	// Degradation handling
	handler := agent.NewDegradationHandler(agent.LogIndicator{})
	if err := mqttClient.SubscribeHealth(handler.Apply); err != nil {
		return errors.Wrap(err, "failed to subscribe to health broadcasts")
	}

	// Wake arbitration with local fallback
	fallback := agent.NewFallbackArbitrator(mqttClient, cfg.Agent.DeviceID, cfg.Arbitration.FallbackWindow)
	coordinator := agent.NewCoordinator(cfg.Agent.ServerURL, cfg.Arbitration, fallback, handler)
	// Loopback API for the device's wake-detection and command pipelines
	agentServer := agent.NewServer(cfg.Agent.ListenAddress, coordinator, handler)

	g.Go(func() error {
		return agentServer.Start()
	})

	// Heartbeat loop
	info := models.DeviceInfo{
		DeviceID:   cfg.Agent.DeviceID,
		Location:   cfg.Agent.Location,
		DeviceType: models.DeviceType(cfg.Agent.DeviceType),
	}
	heartbeater := agent.NewHeartbeater(cfg.Agent.ServerURL, info, cfg.Agent.HeartbeatInterval, handler)

	g.Go(func() error {
		log.Info().Str("device", cfg.Agent.DeviceID).Msg("Starting heartbeat loop")
		return heartbeater.Run(ctx)
	})

	// Wait for termination signal
	<-ctx.Done()

	if err := agentServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Agent API shutdown error")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Agent error")
		return err
	}

	log.Info().Msg("Agent shutting down gracefully")
	return nil
}
