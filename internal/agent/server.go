package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/internal/models"
)

// Server is the agent's loopback API. The device's wake-detection layer
// posts detections here and gets back whether this device should respond;
// the command pipeline checks utterances against the current degradation
// level before executing them.
type Server struct {
	coordinator *Coordinator
	handler     *DegradationHandler
	httpServer  *http.Server
}

// NewServer creates the agent's loopback server
func NewServer(address string, coordinator *Coordinator, handler *DegradationHandler) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		coordinator: coordinator,
		handler:     handler,
	}

	router.POST("/wake", s.handleWake)
	router.POST("/command/check", s.handleCommandCheck)
	router.GET("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:    address,
		Handler: router,
	}
	return s
}

func (s *Server) handleWake(c *gin.Context) {
	var event models.WakeEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.coordinator.Arbitrate(c.Request.Context(), event)
	if err != nil {
		if errors.Is(err, ErrWakeDisabled) {
			c.JSON(http.StatusConflict, gin.H{"error": "wake pipeline disabled"})
			return
		}
		if errors.Is(err, ErrEventRejected) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wake event rejected"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

type commandCheckRequest struct {
	Utterance string `json:"utterance" binding:"required"`
}

func (s *Server) handleCommandCheck(c *gin.Context) {
	var req commandCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed": s.handler.AllowCommand(req.Utterance),
		"level":   s.handler.Level(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"level":        s.handler.Level(),
		"wake_enabled": s.handler.WakeEnabled(),
	})
}

// Start serves the loopback API
func (s *Server) Start() error {
	log.Info().Str("address", s.httpServer.Addr).Msg("Starting agent loopback API")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "agent API error")
	}
	return nil
}

// Shutdown gracefully stops the loopback API
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
