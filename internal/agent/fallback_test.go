package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/hearth/services/arbiter/internal/models"
)

// fakeBus delivers a scripted set of peer claims as soon as a device
// subscribes, which models peers whose broadcasts land within the window
type fakeBus struct {
	mu        sync.Mutex
	peers     []models.PeerClaim
	published []models.PeerClaim
}

func (b *fakeBus) PublishClaim(claim models.PeerClaim) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, claim)
	return nil
}

func (b *fakeBus) SubscribeClaims(clusterID string, handler func(models.PeerClaim)) (func(), error) {
	for _, claim := range b.peers {
		if claim.ClusterID == clusterID {
			handler(claim)
		}
	}
	return func() {}, nil
}

func fallbackEvent(deviceID string, confidence float64) models.WakeEvent {
	return models.WakeEvent{
		EventID:        "wake-42",
		DeviceID:       deviceID,
		Timestamp:      time.Now().UnixMilli(),
		WakeConfidence: confidence,
	}
}

func TestFallbackAloneResponds(t *testing.T) {
	bus := &fakeBus{}
	arb := NewFallbackArbitrator(bus, "solo", 10*time.Millisecond)

	result := arb.Arbitrate(context.Background(), fallbackEvent("solo", 0.4))

	require.True(t, result.ShouldRespond)
	require.Equal(t, "solo", result.WinnerDeviceID)
	require.Equal(t, models.ReasonFallbackLocal, result.Reason)

	// The device still announced itself to any peers that might be listening
	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published, 1)
	require.Equal(t, "wake-42", bus.published[0].ClusterID)
}

func TestFallbackYieldsToMoreConfidentPeer(t *testing.T) {
	bus := &fakeBus{peers: []models.PeerClaim{
		{ClusterID: "wake-42", DeviceID: "peer", Confidence: 0.9},
	}}
	arb := NewFallbackArbitrator(bus, "me", 10*time.Millisecond)

	result := arb.Arbitrate(context.Background(), fallbackEvent("me", 0.6))

	require.False(t, result.ShouldRespond)
	require.Equal(t, "peer", result.WinnerDeviceID)
}

func TestFallbackWinsOverWeakerPeer(t *testing.T) {
	bus := &fakeBus{peers: []models.PeerClaim{
		{ClusterID: "wake-42", DeviceID: "peer", Confidence: 0.3},
	}}
	arb := NewFallbackArbitrator(bus, "me", 10*time.Millisecond)

	result := arb.Arbitrate(context.Background(), fallbackEvent("me", 0.6))

	require.True(t, result.ShouldRespond)
	require.Equal(t, "me", result.WinnerDeviceID)
}

func TestFallbackTieBreaksToSmallestDeviceID(t *testing.T) {
	bus := &fakeBus{peers: []models.PeerClaim{
		{ClusterID: "wake-42", DeviceID: "bravo", Confidence: 0.5},
	}}

	// Same confidence: "alpha" beats "bravo"
	result := NewFallbackArbitrator(bus, "alpha", 10*time.Millisecond).
		Arbitrate(context.Background(), fallbackEvent("alpha", 0.5))
	require.True(t, result.ShouldRespond)

	bus2 := &fakeBus{peers: []models.PeerClaim{
		{ClusterID: "wake-42", DeviceID: "alpha", Confidence: 0.5},
	}}
	result = NewFallbackArbitrator(bus2, "bravo", 10*time.Millisecond).
		Arbitrate(context.Background(), fallbackEvent("bravo", 0.5))
	require.False(t, result.ShouldRespond)
	require.Equal(t, "alpha", result.WinnerDeviceID)
}

func TestFallbackIgnoresOtherClusters(t *testing.T) {
	bus := &fakeBus{peers: []models.PeerClaim{
		{ClusterID: "wake-99", DeviceID: "peer", Confidence: 0.99},
	}}
	arb := NewFallbackArbitrator(bus, "me", 10*time.Millisecond)

	result := arb.Arbitrate(context.Background(), fallbackEvent("me", 0.1))
	require.True(t, result.ShouldRespond)
}
