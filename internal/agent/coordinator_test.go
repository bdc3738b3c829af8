package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/models"
)

func coordinatorConfig() config.ArbitrationConfig {
	return config.ArbitrationConfig{
		CollectionWindow:  50 * time.Millisecond,
		ClusterTTL:        5 * time.Second,
		BucketGranularity: time.Second,
		RequestTimeout:    50 * time.Millisecond,
		FallbackWindow:    10 * time.Millisecond,
	}
}

func centralStub(t *testing.T, status int, result models.ArbitrationResult) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/wake-events", func(c *gin.Context) {
		if status != http.StatusOK {
			c.JSON(status, gin.H{"error": "refused"})
			return
		}
		c.JSON(http.StatusOK, result)
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestRejectedEventNeverFallsBack(t *testing.T) {
	central := centralStub(t, http.StatusBadRequest, models.ArbitrationResult{})
	bus := &fakeBus{}
	fallback := NewFallbackArbitrator(bus, "noisy", coordinatorConfig().FallbackWindow)
	coordinator := NewCoordinator(central.URL, coordinatorConfig(), fallback, nil)

	// A malformed report: the service refused it, the rest of the cluster is
	// arbitrating without this device
	result, err := coordinator.Arbitrate(context.Background(), models.WakeEvent{
		DeviceID:       "noisy",
		Timestamp:      time.Now().UnixMilli(),
		WakeConfidence: 1.5,
	})
	require.ErrorIs(t, err, ErrEventRejected)
	require.False(t, result.ShouldRespond)

	// No local claim was broadcast either
	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Empty(t, bus.published)
}

func TestServerFaultFallsBackLocally(t *testing.T) {
	central := centralStub(t, http.StatusServiceUnavailable, models.ArbitrationResult{})
	bus := &fakeBus{}
	fallback := NewFallbackArbitrator(bus, "solo", coordinatorConfig().FallbackWindow)
	coordinator := NewCoordinator(central.URL, coordinatorConfig(), fallback, nil)

	result, err := coordinator.Arbitrate(context.Background(), models.WakeEvent{
		DeviceID:       "solo",
		Timestamp:      time.Now().UnixMilli(),
		WakeConfidence: 0.8,
	})
	require.NoError(t, err)
	require.True(t, result.ShouldRespond)
	require.Equal(t, models.ReasonFallbackLocal, result.Reason)
}

func TestUnreachableServerFallsBackLocally(t *testing.T) {
	bus := &fakeBus{}
	fallback := NewFallbackArbitrator(bus, "solo", coordinatorConfig().FallbackWindow)
	coordinator := NewCoordinator("http://127.0.0.1:1", coordinatorConfig(), fallback, nil)

	result, err := coordinator.Arbitrate(context.Background(), models.WakeEvent{
		DeviceID:       "solo",
		Timestamp:      time.Now().UnixMilli(),
		WakeConfidence: 0.8,
	})
	require.NoError(t, err)
	require.True(t, result.ShouldRespond)
	require.Equal(t, models.ReasonFallbackLocal, result.Reason)
}

func TestClusterIDDerivedBeforeFallback(t *testing.T) {
	cfg := coordinatorConfig()
	capture := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC).UnixMilli()
	expected := models.WakeEvent{Timestamp: capture}.ClusterID(cfg.BucketGranularity)

	// A peer already claimed the same bucket; our claim and theirs must meet
	// on the same cluster even though our wake layer left event_id empty
	bus := &fakeBus{peers: []models.PeerClaim{
		{ClusterID: expected, DeviceID: "peer", Confidence: 0.9},
	}}
	fallback := NewFallbackArbitrator(bus, "me", cfg.FallbackWindow)
	coordinator := NewCoordinator("http://127.0.0.1:1", cfg, fallback, nil)

	result, err := coordinator.Arbitrate(context.Background(), models.WakeEvent{
		DeviceID:       "me",
		Timestamp:      capture,
		WakeConfidence: 0.6,
	})
	require.NoError(t, err)
	require.Equal(t, expected, result.EventID)
	require.False(t, result.ShouldRespond)
	require.Equal(t, "peer", result.WinnerDeviceID)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published, 1)
	require.Equal(t, expected, bus.published[0].ClusterID)
}
