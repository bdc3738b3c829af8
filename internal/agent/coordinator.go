package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/models"
)

var (
	// ErrWakeDisabled is returned when the wake pipeline is locally disabled
	// because the system is offline
	ErrWakeDisabled = errors.New("wake pipeline disabled")

	// ErrEventRejected is returned when the central service rejected this
	// device's report as invalid. The rejection is terminal: the rest of the
	// cluster arbitrates without us, so falling back locally would add a
	// second responder.
	ErrEventRejected = errors.New("wake event rejected")
)

// Coordinator is the device's entry point for wake arbitration. It tries the
// central service within a strict timeout and drops to local fallback
// arbitration when the service does not answer, so a verdict always arrives
// within a bounded budget.
type Coordinator struct {
	serverURL   string
	granularity time.Duration
	http        *http.Client
	fallback    *FallbackArbitrator
	handler     *DegradationHandler
}

// NewCoordinator creates a coordinator. cfg.RequestTimeout bounds how long we
// wait to reach the service at all; a reachable service legitimately holds
// the request open for the collection window before answering, so the total
// budget is RequestTimeout + CollectionWindow plus a small margin.
func NewCoordinator(serverURL string, cfg config.ArbitrationConfig, fallback *FallbackArbitrator, handler *DegradationHandler) *Coordinator {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.RequestTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.RequestTimeout + cfg.CollectionWindow + 100*time.Millisecond,
	}

	return &Coordinator{
		serverURL:   serverURL,
		granularity: cfg.BucketGranularity,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout + cfg.CollectionWindow + 200*time.Millisecond,
		},
		fallback: fallback,
		handler:  handler,
	}
}

// Arbitrate resolves which device owns the interaction for a wake event
func (c *Coordinator) Arbitrate(ctx context.Context, event models.WakeEvent) (models.ArbitrationResult, error) {
	if c.handler != nil && !c.handler.WakeEnabled() {
		return models.ArbitrationResult{}, ErrWakeDisabled
	}

	// Derive the cluster id up front so the central and fallback paths key on
	// the same bucket
	if event.EventID == "" {
		event.EventID = event.ClusterID(c.granularity)
	}

	result, err := c.registerCentral(ctx, event)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrEventRejected) {
		log.Warn().Err(err).Str("device", event.DeviceID).Msg("Wake report rejected, staying silent")
		return models.ArbitrationResult{}, err
	}

	// Central coordinator unreachable: never surface this to the user,
	// decide locally instead
	log.Warn().Err(err).Str("device", event.DeviceID).Msg("Central arbitration unavailable, falling back")
	return c.fallback.Arbitrate(ctx, event), nil
}

func (c *Coordinator) registerCentral(ctx context.Context, event models.WakeEvent) (models.ArbitrationResult, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return models.ArbitrationResult{}, errors.Wrap(err, "failed to marshal wake event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/v1/wake-events", bytes.NewReader(body))
	if err != nil {
		return models.ArbitrationResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.ArbitrationResult{}, errors.Wrap(err, "wake event registration failed")
	}
	defer resp.Body.Close()

	// A 4xx means the service saw the report and refused it; only server
	// faults and unreachability justify local fallback
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
		return models.ArbitrationResult{}, errors.Wrapf(ErrEventRejected, "status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return models.ArbitrationResult{}, errors.Errorf("arbitration service returned status %d", resp.StatusCode)
	}

	var result models.ArbitrationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.ArbitrationResult{}, errors.Wrap(err, "failed to decode arbitration result")
	}
	return result, nil
}
