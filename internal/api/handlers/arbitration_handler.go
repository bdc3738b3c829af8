package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/internal/arbitration"
	"example.com/hearth/services/arbiter/internal/models"
	"example.com/hearth/services/arbiter/internal/repository"
)

// ArbitrationHandler handles wake-event registration and result queries
type ArbitrationHandler struct {
	service *arbitration.Service
}

// NewArbitrationHandler creates a new arbitration handler
func NewArbitrationHandler(service *arbitration.Service) *ArbitrationHandler {
	return &ArbitrationHandler{service: service}
}

// HandleRegisterWakeEvent registers a device's wake report and blocks for at
// most the collection window before returning the verdict
func (h *ArbitrationHandler) HandleRegisterWakeEvent(c *gin.Context) {
	var event models.WakeEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		log.Warn().Err(err).Msg("Invalid wake event body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.RegisterWakeEvent(c.Request.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, arbitration.ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, arbitration.ErrStoreUnavailable):
			// Fail fast so the device can arbitrate locally within its own
			// timeout budget
			log.Error().Err(err).Msg("Coordination store unavailable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordination store unavailable"})
		default:
			log.Error().Err(err).Msg("Arbitration failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleQueryResult serves the finalized result for a cluster to late or
// re-querying participants
func (h *ArbitrationHandler) HandleQueryResult(c *gin.Context) {
	clusterID := c.Param("cluster_id")
	deviceID := c.Query("device_id")

	result, err := h.service.QueryResult(c.Request.Context(), clusterID, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no result for cluster"})
			return
		}
		log.Error().Err(err).Str("cluster", clusterID).Msg("Result query failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordination store unavailable"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers the handler's routes
func (h *ArbitrationHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/v1/wake-events", h.HandleRegisterWakeEvent)
	router.GET("/v1/arbitrations/:cluster_id", h.HandleQueryResult)
}
