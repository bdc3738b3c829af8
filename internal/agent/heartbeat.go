package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/internal/models"
)

// HeartbeatResponse is the registry's answer to a heartbeat. It carries the
// current degradation level so a newly joined device is immediately
// consistent without waiting for the next health broadcast.
type HeartbeatResponse struct {
	Level models.DegradationLevel `json:"degradation_level"`
}

// Heartbeater periodically upserts this device into the registry
type Heartbeater struct {
	serverURL string
	info      models.DeviceInfo
	interval  time.Duration
	http      *http.Client
	handler   *DegradationHandler
}

// NewHeartbeater creates a heartbeat loop for this device
func NewHeartbeater(serverURL string, info models.DeviceInfo, interval time.Duration, handler *DegradationHandler) *Heartbeater {
	return &Heartbeater{
		serverURL: serverURL,
		info:      info,
		interval:  interval,
		http:      &http.Client{Timeout: 5 * time.Second},
		handler:   handler,
	}
}

// Run sends heartbeats until the context is cancelled. Failures are logged
// and retried next interval; a missed heartbeat never stops the device.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)

	for {
		select {
		case <-ticker.C:
			h.beat(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	resp, err := h.send(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Heartbeat failed")
		return
	}

	if h.handler != nil {
		h.handler.Apply(models.HealthSnapshot{
			Level:     resp.Level,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (h *Heartbeater) send(ctx context.Context) (*HeartbeatResponse, error) {
	body, err := json.Marshal(h.info)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal device info")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.serverURL+"/v1/devices/heartbeat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "heartbeat request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("registry returned status %d", resp.StatusCode)
	}

	var heartbeat HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&heartbeat); err != nil {
		return nil, errors.Wrap(err, "failed to decode heartbeat response")
	}
	return &heartbeat, nil
}
