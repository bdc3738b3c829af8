package arbitration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/metrics"
	"example.com/hearth/services/arbiter/internal/models"
	"example.com/hearth/services/arbiter/internal/repository"
)

// memStore is an in-memory ClusterStore with the same write-once semantics
// as the Redis implementation
type memStore struct {
	mu      sync.Mutex
	events  map[string]map[string]models.WakeEvent
	starts  map[string]time.Time
	results map[string]models.ArbitrationResult
	devices map[string]models.DeviceInfo
	fail    bool
}

func newMemStore() *memStore {
	return &memStore{
		events:  make(map[string]map[string]models.WakeEvent),
		starts:  make(map[string]time.Time),
		results: make(map[string]models.ArbitrationResult),
		devices: make(map[string]models.DeviceInfo),
	}
}

func (s *memStore) AddEvent(_ context.Context, clusterID string, event models.WakeEvent) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return time.Time{}, errors.New("store down")
	}
	start, ok := s.starts[clusterID]
	if !ok {
		start = time.Now()
		s.starts[clusterID] = start
	}
	if s.events[clusterID] == nil {
		s.events[clusterID] = make(map[string]models.WakeEvent)
	}
	if _, exists := s.events[clusterID][event.DeviceID]; !exists {
		s.events[clusterID][event.DeviceID] = event
	}
	return start, nil
}

func (s *memStore) Events(_ context.Context, clusterID string) ([]models.WakeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("store down")
	}
	events := make([]models.WakeEvent, 0, len(s.events[clusterID]))
	for _, event := range s.events[clusterID] {
		events = append(events, event)
	}
	return events, nil
}

func (s *memStore) PutResult(_ context.Context, clusterID string, result models.ArbitrationResult) (models.ArbitrationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return models.ArbitrationResult{}, errors.New("store down")
	}
	if existing, ok := s.results[clusterID]; ok {
		return existing, nil
	}
	s.results[clusterID] = result
	return result, nil
}

func (s *memStore) Result(_ context.Context, clusterID string) (models.ArbitrationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return models.ArbitrationResult{}, errors.New("store down")
	}
	result, ok := s.results[clusterID]
	if !ok {
		return models.ArbitrationResult{}, redis.Nil
	}
	return result, nil
}

func (s *memStore) GetDevice(_ context.Context, deviceID string) (*models.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.devices[deviceID]
	if !ok {
		return nil, redis.Nil
	}
	return &info, nil
}

func (s *memStore) SetDevice(_ context.Context, info models.DeviceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[info.DeviceID] = info
	return nil
}

// fakeRepo serves registry rows from a map
type fakeRepo struct {
	devices map[string]models.Device
}

func (r *fakeRepo) FindByDeviceID(_ context.Context, deviceID string) (*models.Device, error) {
	device, ok := r.devices[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &device, nil
}

func (r *fakeRepo) Upsert(_ context.Context, info models.DeviceInfo) (*models.Device, error) {
	device := models.Device{DeviceID: info.DeviceID, Location: info.Location, DeviceType: info.DeviceType}
	r.devices[info.DeviceID] = device
	return &device, nil
}

func (r *fakeRepo) TouchInteraction(context.Context, string, time.Time) error { return nil }

func (r *fakeRepo) ListActive(context.Context, time.Time) ([]models.Device, error) { return nil, nil }

// fixedResolver always resolves the speaker to the same room
type fixedResolver struct {
	room string
}

func (r fixedResolver) Resolve(context.Context, string) string { return r.room }

func testConfig() config.ArbitrationConfig {
	return config.ArbitrationConfig{
		CollectionWindow:  100 * time.Millisecond,
		ClusterTTL:        5 * time.Second,
		BucketGranularity: time.Second,
		RequestTimeout:    200 * time.Millisecond,
		FallbackWindow:    100 * time.Millisecond,
	}
}

func newTestService(store *memStore, repo *fakeRepo, speakerRoom string) *Service {
	return NewService(
		store,
		repo,
		NewScorerAt(fixedClock()),
		fixedResolver{room: speakerRoom},
		nil,
		metrics.NewMetrics(),
		"person.primary",
		testConfig(),
	)
}

func wakeEvent(deviceID string, confidence, energy float64) models.WakeEvent {
	return models.WakeEvent{
		EventID:        "wake-100",
		DeviceID:       deviceID,
		Timestamp:      time.Now().UnixMilli(),
		WakeConfidence: confidence,
		AudioEnergy:    energy,
	}
}

func TestLoneDeviceWins(t *testing.T) {
	service := newTestService(newMemStore(), &fakeRepo{devices: map[string]models.Device{}}, "")

	result, err := service.RegisterWakeEvent(context.Background(), wakeEvent("solo", 0.8, 1.0))
	require.NoError(t, err)
	require.Equal(t, "solo", result.WinnerDeviceID)
	require.Equal(t, models.ReasonOnlyDevice, result.Reason)
	require.True(t, result.ShouldRespond)
}

func TestProximityWinnerSingleResponder(t *testing.T) {
	repo := &fakeRepo{devices: map[string]models.Device{
		"device-a": {DeviceID: "device-a", Location: "kitchen", DeviceType: models.DeviceTypeSpeaker},
		"device-b": {DeviceID: "device-b", Location: "office", DeviceType: models.DeviceTypeSpeaker},
	}}
	service := newTestService(newMemStore(), repo, "kitchen")

	var wg sync.WaitGroup
	results := make(map[string]models.ArbitrationResult)
	var mu sync.Mutex

	for _, deviceID := range []string{"device-a", "device-b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			result, err := service.RegisterWakeEvent(context.Background(), wakeEvent(id, 0.9, 2.0))
			require.NoError(t, err)
			mu.Lock()
			results[id] = result
			mu.Unlock()
		}(deviceID)
	}
	wg.Wait()

	require.Len(t, results, 2)
	require.Equal(t, models.ReasonProximity, results["device-a"].Reason)

	// Both participants observe the same winner, and exactly one responds
	require.Equal(t, results["device-a"].WinnerDeviceID, results["device-b"].WinnerDeviceID)
	require.Equal(t, "device-a", results["device-a"].WinnerDeviceID)
	require.True(t, results["device-a"].ShouldRespond)
	require.False(t, results["device-b"].ShouldRespond)
}

func TestExactTieBreaksToSmallestDeviceID(t *testing.T) {
	repo := &fakeRepo{devices: map[string]models.Device{}}
	service := newTestService(newMemStore(), repo, "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := make(map[string]string)

	for _, deviceID := range []string{"charlie", "alpha", "bravo"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			result, err := service.RegisterWakeEvent(context.Background(), wakeEvent(id, 0.5, 1.0))
			require.NoError(t, err)
			mu.Lock()
			winners[id] = result.WinnerDeviceID
			mu.Unlock()
		}(deviceID)
	}
	wg.Wait()

	for _, winner := range winners {
		require.Equal(t, "alpha", winner)
	}
}

func TestInvalidEventRejected(t *testing.T) {
	service := newTestService(newMemStore(), &fakeRepo{devices: map[string]models.Device{}}, "")

	_, err := service.RegisterWakeEvent(context.Background(), wakeEvent("bad", 1.5, 1.0))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = service.RegisterWakeEvent(context.Background(), models.WakeEvent{EventID: "wake-1", Timestamp: 1, WakeConfidence: 0.5})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestStoreUnavailableFailsFast(t *testing.T) {
	store := newMemStore()
	store.fail = true
	service := newTestService(store, &fakeRepo{devices: map[string]models.Device{}}, "")

	started := time.Now()
	_, err := service.RegisterWakeEvent(context.Background(), wakeEvent("a", 0.8, 1.0))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	// No silent hang: the caller gets to fall back within its own budget
	require.Less(t, time.Since(started), testConfig().CollectionWindow)
}

func TestFinalizedResultServedIdempotently(t *testing.T) {
	store := newMemStore()
	service := newTestService(store, &fakeRepo{devices: map[string]models.Device{}}, "")

	first, err := service.RegisterWakeEvent(context.Background(), wakeEvent("solo", 0.8, 1.0))
	require.NoError(t, err)

	// A late re-registration returns immediately with the stored verdict
	started := time.Now()
	again, err := service.RegisterWakeEvent(context.Background(), wakeEvent("solo", 0.8, 1.0))
	require.NoError(t, err)
	require.Less(t, time.Since(started), testConfig().CollectionWindow)
	require.Equal(t, first.WinnerDeviceID, again.WinnerDeviceID)

	// A different late device learns it must stay silent
	late, err := service.QueryResult(context.Background(), "wake-100", "latecomer")
	require.NoError(t, err)
	require.False(t, late.ShouldRespond)

	_, err = service.QueryResult(context.Background(), "wake-999", "latecomer")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
