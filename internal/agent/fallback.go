package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/internal/models"
)

// PeerBus carries wake claims between devices on the local network
type PeerBus interface {
	PublishClaim(claim models.PeerClaim) error
	SubscribeClaims(clusterID string, handler func(models.PeerClaim)) (func(), error)
}

// FallbackArbitrator decides locally when the central arbitration service is
// unreachable. It trades the single-responder guarantee for availability:
// under a network partition a bounded race between partitioned peers is
// preferable to the household getting no answer at all.
type FallbackArbitrator struct {
	bus      PeerBus
	deviceID string
	window   time.Duration
}

// NewFallbackArbitrator creates a fallback arbitrator
func NewFallbackArbitrator(bus PeerBus, deviceID string, window time.Duration) *FallbackArbitrator {
	return &FallbackArbitrator{
		bus:      bus,
		deviceID: deviceID,
		window:   window,
	}
}

// Arbitrate broadcasts this device's confidence, listens for peers for the
// secondary window, and responds only if its own confidence is the maximum
// observed. Ties break to the smallest device id, consistent with the
// central arbitrator. Location data is unavailable on this path: confidence
// is the only signal.
func (f *FallbackArbitrator) Arbitrate(ctx context.Context, event models.WakeEvent) models.ArbitrationResult {
	clusterID := event.EventID

	var mu sync.Mutex
	peers := make([]models.PeerClaim, 0, 4)

	unsubscribe, err := f.bus.SubscribeClaims(clusterID, func(claim models.PeerClaim) {
		if claim.DeviceID == f.deviceID {
			return
		}
		mu.Lock()
		peers = append(peers, claim)
		mu.Unlock()
	})
	if err != nil {
		// No peer channel at all: respond alone rather than stay silent
		log.Warn().Err(err).Msg("Peer subscription failed, responding without arbitration")
		return fallbackResult(clusterID, f.deviceID, true)
	}
	defer unsubscribe()

	claim := models.PeerClaim{
		ClusterID:  clusterID,
		DeviceID:   f.deviceID,
		Confidence: event.WakeConfidence,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := f.bus.PublishClaim(claim); err != nil {
		log.Warn().Err(err).Msg("Failed to broadcast wake claim")
	}

	timer := time.NewTimer(f.window)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	winner := f.deviceID
	best := event.WakeConfidence
	for _, peer := range peers {
		if peer.Confidence > best || (peer.Confidence == best && peer.DeviceID < winner) {
			winner = peer.DeviceID
			best = peer.Confidence
		}
	}

	log.Info().
		Str("cluster", clusterID).
		Str("winner", winner).
		Int("peers", len(peers)).
		Msg("Local fallback arbitration complete")

	return fallbackResult(clusterID, winner, winner == f.deviceID)
}

func fallbackResult(clusterID, winner string, shouldRespond bool) models.ArbitrationResult {
	return models.ArbitrationResult{
		EventID:        clusterID,
		WinnerDeviceID: winner,
		Reason:         models.ReasonFallbackLocal,
		ShouldRespond:  shouldRespond,
		DecidedAt:      time.Now().UTC(),
	}
}
