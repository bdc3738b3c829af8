package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"example.com/hearth/services/arbiter/internal/health"
	"example.com/hearth/services/arbiter/internal/metrics"
	"example.com/hearth/services/arbiter/internal/models"
)

// MetricsHandler handles metrics and health HTTP requests
type MetricsHandler struct {
	metrics *metrics.Metrics
	monitor *health.Monitor
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(metricsCollector *metrics.Metrics, monitor *health.Monitor) *MetricsHandler {
	return &MetricsHandler{
		metrics: metricsCollector,
		monitor: monitor,
	}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealth returns the monitored-service snapshot and current
// degradation level
func (h *MetricsHandler) HandleGetHealth(c *gin.Context) {
	snapshot := h.monitor.Snapshot()

	status := http.StatusOK
	// The API itself is serving; only a fully offline backend surfaces as
	// unavailable here
	if snapshot.Level == models.LevelOffline {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, snapshot)
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealth)
}
