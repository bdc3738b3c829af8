package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClusterIDConvergesWithinBucket(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC).UnixMilli()

	// Independent detections of the same utterance land in the same bucket
	a := WakeEvent{DeviceID: "a", Timestamp: base + 120}
	b := WakeEvent{DeviceID: "b", Timestamp: base + 640}
	require.Equal(t, a.ClusterID(time.Second), b.ClusterID(time.Second))

	// A detection a bucket later is a different utterance
	c := WakeEvent{DeviceID: "c", Timestamp: base + 1120}
	require.NotEqual(t, a.ClusterID(time.Second), c.ClusterID(time.Second))
}

func TestClusterIDDeterministic(t *testing.T) {
	event := WakeEvent{DeviceID: "a", Timestamp: 1765725600123}
	require.Equal(t, event.ClusterID(time.Second), event.ClusterID(time.Second))
}
