package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/api/handlers"
	"example.com/hearth/services/arbiter/internal/arbitration"
	"example.com/hearth/services/arbiter/internal/cache"
	"example.com/hearth/services/arbiter/internal/health"
	"example.com/hearth/services/arbiter/internal/metrics"
	"example.com/hearth/services/arbiter/internal/repository"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	arbitrationService *arbitration.Service,
	repo repository.DeviceRepository,
	store cache.ClusterStore,
	monitor *health.Monitor,
	metricsCollector *metrics.Metrics,
) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(gin.Recovery())

	handlers.NewArbitrationHandler(arbitrationService).RegisterRoutes(router)
	handlers.NewDeviceHandler(repo, store, monitor).RegisterRoutes(router)
	handlers.NewMetricsHandler(metricsCollector, monitor).RegisterRoutes(router)

	return &Server{
		config: cfg,
		router: router,
		httpServer: &http.Server{
			Addr:    cfg.ServerAddress,
			Handler: router,
		},
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
