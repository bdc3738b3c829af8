package arbitration

import (
	"context"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/cache"
	"example.com/hearth/services/arbiter/internal/metrics"
	"example.com/hearth/services/arbiter/internal/models"
	"example.com/hearth/services/arbiter/internal/repository"
)

var (
	// ErrInvalidEvent marks a malformed report. Only the offending device is
	// excluded; other participants in the cluster proceed normally.
	ErrInvalidEvent = errors.New("invalid wake event")

	// ErrStoreUnavailable is returned immediately when the coordination store
	// cannot be reached, so callers can fall back locally within their own
	// timeout budget instead of hanging here.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
)

// LocationResolver resolves an entity to its current room, "" when unknown
type LocationResolver interface {
	Resolve(ctx context.Context, entityID string) string
}

// AuditIndexer records finalized results for observability
type AuditIndexer interface {
	IndexResult(ctx context.Context, result models.ArbitrationResult, participants int) error
}

// Service is the central wake-word arbitrator. It is stateless per request:
// all cluster state lives in the coordination store, so concurrent clusters
// never share mutable state and instances scale horizontally.
type Service struct {
	store         cache.ClusterStore
	repo          repository.DeviceRepository
	scorer        *Scorer
	resolver      LocationResolver
	indexer       AuditIndexer
	metrics       *metrics.Metrics
	validate      *validator.Validate
	speakerEntity string
	cfg           config.ArbitrationConfig
}

// NewService creates an arbitration service. The indexer may be nil, audit
// indexing is best effort.
func NewService(
	store cache.ClusterStore,
	repo repository.DeviceRepository,
	scorer *Scorer,
	resolver LocationResolver,
	indexer AuditIndexer,
	metricsCollector *metrics.Metrics,
	speakerEntity string,
	cfg config.ArbitrationConfig,
) *Service {
	return &Service{
		store:         store,
		repo:          repo,
		scorer:        scorer,
		resolver:      resolver,
		indexer:       indexer,
		metrics:       metricsCollector,
		validate:      validator.New(),
		speakerEntity: speakerEntity,
		cfg:           cfg,
	}
}

// RegisterWakeEvent records a device's wake report, waits out the cluster's
// collection window, and returns the terminal verdict with ShouldRespond set
// for the reporting device. The call blocks for at most the collection
// window; if the cluster already has a finalized result it returns
// immediately.
func (s *Service) RegisterWakeEvent(ctx context.Context, event models.WakeEvent) (models.ArbitrationResult, error) {
	started := time.Now()
	s.metrics.IncrementCounter("arbitration.requests")

	if err := s.validate.Struct(event); err != nil {
		s.metrics.IncrementCounter("arbitration.invalid_events")
		return models.ArbitrationResult{}, errors.Wrap(ErrInvalidEvent, err.Error())
	}

	clusterID := event.EventID
	if clusterID == "" {
		clusterID = event.ClusterID(s.cfg.BucketGranularity)
		event.EventID = clusterID
	}

	// A late re-query for an already finalized cluster is answered
	// idempotently from the store
	if result, err := s.store.Result(ctx, clusterID); err == nil {
		return personalize(result, event.DeviceID), nil
	} else if !cache.IsNotFound(err) {
		return models.ArbitrationResult{}, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	windowStart, err := s.store.AddEvent(ctx, clusterID, event)
	if err != nil {
		s.metrics.IncrementCounter("arbitration.store_errors")
		return models.ArbitrationResult{}, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	// Fan-in barrier: every participant waits until the window measured from
	// the first server receipt elapses, then all observe the same result
	if err := s.waitWindow(ctx, windowStart); err != nil {
		return models.ArbitrationResult{}, err
	}

	result, err := s.finalize(ctx, clusterID)
	if err != nil {
		return models.ArbitrationResult{}, err
	}

	s.metrics.RecordTimer("arbitration.register_ms", time.Since(started).Milliseconds())
	return personalize(result, event.DeviceID), nil
}

// QueryResult serves the terminal result for a cluster without registering a
// new report, for participants re-querying within the TTL
func (s *Service) QueryResult(ctx context.Context, clusterID, deviceID string) (models.ArbitrationResult, error) {
	result, err := s.store.Result(ctx, clusterID)
	if err != nil {
		if cache.IsNotFound(err) {
			return models.ArbitrationResult{}, repository.ErrNotFound
		}
		return models.ArbitrationResult{}, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return personalize(result, deviceID), nil
}

func (s *Service) waitWindow(ctx context.Context, windowStart time.Time) error {
	remaining := time.Until(windowStart.Add(s.cfg.CollectionWindow))
	if remaining <= 0 {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finalize scores every report collected for the cluster and writes the
// terminal result. Every participant computes the same winner, and SETNX in
// the store keeps the first write authoritative regardless.
func (s *Service) finalize(ctx context.Context, clusterID string) (models.ArbitrationResult, error) {
	// Another participant may have finalized while we waited
	if result, err := s.store.Result(ctx, clusterID); err == nil {
		return result, nil
	} else if !cache.IsNotFound(err) {
		return models.ArbitrationResult{}, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	events, err := s.store.Events(ctx, clusterID)
	if err != nil {
		return models.ArbitrationResult{}, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	if len(events) == 0 {
		// The cluster expired under us; treat like an unreachable store so
		// the device can still respond via fallback
		return models.ArbitrationResult{}, errors.Wrap(ErrStoreUnavailable, "cluster expired before finalization")
	}

	winner, reason := s.selectWinner(ctx, events)

	result := models.ArbitrationResult{
		EventID:        clusterID,
		WinnerDeviceID: winner,
		Reason:         reason,
		DecidedAt:      time.Now().UTC(),
	}

	stored, err := s.store.PutResult(ctx, clusterID, result)
	if err != nil {
		return models.ArbitrationResult{}, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	s.metrics.IncrementCounter("arbitration.clusters_finalized")
	s.metrics.SetGauge("arbitration.last_cluster_size", int64(len(events)))

	if s.indexer != nil {
		if err := s.indexer.IndexResult(ctx, stored, len(events)); err != nil {
			log.Warn().Err(err).Str("cluster", clusterID).Msg("Failed to index arbitration result")
		}
	}

	log.Info().
		Str("cluster", clusterID).
		Str("winner", stored.WinnerDeviceID).
		Str("reason", string(stored.Reason)).
		Int("participants", len(events)).
		Msg("Cluster finalized")

	return stored, nil
}

// selectWinner picks the highest-scoring device. Exact ties break to the
// lexicographically smallest device id so outcomes stay reproducible.
func (s *Service) selectWinner(ctx context.Context, events []models.WakeEvent) (string, models.ArbitrationReason) {
	// Reports that fail validation are excluded from scoring without
	// aborting arbitration for the rest of the cluster
	valid := make([]models.WakeEvent, 0, len(events))
	for _, event := range events {
		if err := s.validate.Struct(event); err != nil {
			log.Warn().Str("device", event.DeviceID).Err(err).Msg("Excluding invalid report from scoring")
			s.metrics.IncrementCounter("arbitration.invalid_events")
			continue
		}
		valid = append(valid, event)
	}
	if len(valid) == 0 {
		valid = events
	}

	if len(valid) == 1 {
		return valid[0].DeviceID, models.ReasonOnlyDevice
	}

	speakerLocation := s.resolver.Resolve(ctx, s.speakerEntity)

	// Deterministic iteration order makes the tie-break independent of map
	// ordering in the store
	sort.Slice(valid, func(i, j int) bool {
		return valid[i].DeviceID < valid[j].DeviceID
	})

	bestID := ""
	bestScore := 0.0
	for _, event := range valid {
		info := s.deviceInfo(ctx, event.DeviceID)
		score := s.scorer.Score(info, speakerLocation, event)

		log.Debug().
			Str("device", event.DeviceID).
			Float64("score", score).
			Msg("Scored wake report")

		if bestID == "" || score > bestScore {
			bestID = event.DeviceID
			bestScore = score
		}
	}

	return bestID, models.ReasonProximity
}

// deviceInfo loads registry metadata for a device, preferring the
// heartbeat-refreshed cache over the database. An unregistered device still
// participates, it just scores without metadata bonuses.
func (s *Service) deviceInfo(ctx context.Context, deviceID string) models.DeviceInfo {
	if info, err := s.store.GetDevice(ctx, deviceID); err == nil {
		return *info
	}

	device, err := s.repo.FindByDeviceID(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Warn().Err(err).Str("device", deviceID).Msg("Registry lookup failed")
		}
		return models.DeviceInfo{DeviceID: deviceID}
	}

	info := device.Info()
	if err := s.store.SetDevice(ctx, info); err != nil {
		log.Debug().Err(err).Str("device", deviceID).Msg("Failed to cache device info")
	}
	return info
}

func personalize(result models.ArbitrationResult, deviceID string) models.ArbitrationResult {
	result.ShouldRespond = result.WinnerDeviceID == deviceID
	return result
}
