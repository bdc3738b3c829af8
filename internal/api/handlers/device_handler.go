package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/internal/cache"
	"example.com/hearth/services/arbiter/internal/health"
	"example.com/hearth/services/arbiter/internal/models"
	"example.com/hearth/services/arbiter/internal/repository"
)

// DeviceHandler handles device registration and heartbeats
type DeviceHandler struct {
	repo    repository.DeviceRepository
	store   cache.ClusterStore
	monitor *health.Monitor
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(repo repository.DeviceRepository, store cache.ClusterStore, monitor *health.Monitor) *DeviceHandler {
	return &DeviceHandler{
		repo:    repo,
		store:   store,
		monitor: monitor,
	}
}

// HeartbeatResponse is returned for every heartbeat so a newly joined device
// is immediately consistent with the fleet's degradation level
type HeartbeatResponse struct {
	DeviceID string                  `json:"device_id"`
	Level    models.DegradationLevel `json:"degradation_level"`
}

// HandleHeartbeat upserts a device into the registry and refreshes its
// cached info for the scoring path
func (h *DeviceHandler) HandleHeartbeat(c *gin.Context) {
	var info models.DeviceInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if info.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}

	device, err := h.repo.Upsert(c.Request.Context(), info)
	if err != nil {
		log.Error().Err(err).Str("device", info.DeviceID).Msg("Heartbeat upsert failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.SetDevice(c.Request.Context(), device.Info()); err != nil {
		log.Warn().Err(err).Str("device", info.DeviceID).Msg("Failed to refresh device cache")
	}

	c.JSON(http.StatusOK, HeartbeatResponse{
		DeviceID: device.DeviceID,
		Level:    h.monitor.Level(),
	})
}

// HandleGetDevice returns a device's registry info
func (h *DeviceHandler) HandleGetDevice(c *gin.Context) {
	device, err := h.repo.FindByDeviceID(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		if err == repository.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, device.Info())
}

// RegisterRoutes registers the handler's routes
func (h *DeviceHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/v1/devices/heartbeat", h.HandleHeartbeat)
	router.GET("/v1/devices/:device_id", h.HandleGetDevice)
}
