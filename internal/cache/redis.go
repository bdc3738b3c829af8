package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/models"
)

// ErrDisabled is returned when the store is configured off
var ErrDisabled = errors.New("coordination store is disabled")

// ClusterStore is the low-latency coordination store backing arbitration.
// Entries are write-once per (cluster, device) and self-clean via TTL.
type ClusterStore interface {
	// AddEvent records a device's report into a cluster. The returned time is
	// the authoritative receipt time of the cluster's first event.
	AddEvent(ctx context.Context, clusterID string, event models.WakeEvent) (time.Time, error)

	// Events returns every report collected for a cluster so far
	Events(ctx context.Context, clusterID string) ([]models.WakeEvent, error)

	// PutResult writes the terminal result for a cluster. The first write
	// wins; later writers receive the already-stored result.
	PutResult(ctx context.Context, clusterID string, result models.ArbitrationResult) (models.ArbitrationResult, error)

	// Result returns the terminal result for a cluster, or redis.Nil if the
	// cluster has not been finalized
	Result(ctx context.Context, clusterID string) (models.ArbitrationResult, error)

	// Device caching for registry lookups on the scoring path
	GetDevice(ctx context.Context, deviceID string) (*models.DeviceInfo, error)
	SetDevice(ctx context.Context, info models.DeviceInfo) error
}

// RedisStore implements ClusterStore using Redis
type RedisStore struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// NewRedisStore creates a new Redis-backed coordination store
func NewRedisStore(cfg config.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	if !cfg.Enabled {
		return &RedisStore{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisStore{
		client:  client,
		enabled: true,
		ttl:     ttl,
	}, nil
}

// Prefix keys to avoid collisions
func eventsKey(clusterID string) string {
	return fmt.Sprintf("cluster:events:%s", clusterID)
}

func startKey(clusterID string) string {
	return fmt.Sprintf("cluster:start:%s", clusterID)
}

func resultKey(clusterID string) string {
	return fmt.Sprintf("cluster:result:%s", clusterID)
}

func deviceKey(deviceID string) string {
	return fmt.Sprintf("device:%s", deviceID)
}

// AddEvent records a device's report into a cluster
func (s *RedisStore) AddEvent(ctx context.Context, clusterID string, event models.WakeEvent) (time.Time, error) {
	if !s.enabled {
		return time.Time{}, ErrDisabled
	}

	data, err := json.Marshal(event)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to marshal wake event")
	}

	// Server receipt time is authoritative for window decisions; a skewed
	// device clock only affects which bucket the event landed in.
	now := time.Now().UTC()

	// First writer stamps the cluster's window start
	set, err := s.client.SetNX(ctx, startKey(clusterID), now.UnixMilli(), s.ttl).Result()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to stamp cluster start")
	}

	start := now
	if !set {
		ms, err := s.client.Get(ctx, startKey(clusterID)).Int64()
		if err != nil {
			return time.Time{}, errors.Wrap(err, "failed to read cluster start")
		}
		start = time.UnixMilli(ms).UTC()
	}

	// Write-once per (cluster, device): a device never overwrites its own or
	// another device's report
	if err := s.client.HSetNX(ctx, eventsKey(clusterID), event.DeviceID, data).Err(); err != nil {
		return time.Time{}, errors.Wrap(err, "failed to record wake event")
	}
	if err := s.client.Expire(ctx, eventsKey(clusterID), s.ttl).Err(); err != nil {
		return time.Time{}, errors.Wrap(err, "failed to set cluster TTL")
	}

	return start, nil
}

// Events returns every report collected for a cluster so far
func (s *RedisStore) Events(ctx context.Context, clusterID string) ([]models.WakeEvent, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}

	raw, err := s.client.HGetAll(ctx, eventsKey(clusterID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cluster events")
	}

	events := make([]models.WakeEvent, 0, len(raw))
	for _, data := range raw {
		var event models.WakeEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal wake event")
		}
		events = append(events, event)
	}

	return events, nil
}

// PutResult writes the terminal result for a cluster, first write wins
func (s *RedisStore) PutResult(ctx context.Context, clusterID string, result models.ArbitrationResult) (models.ArbitrationResult, error) {
	if !s.enabled {
		return models.ArbitrationResult{}, ErrDisabled
	}

	data, err := json.Marshal(result)
	if err != nil {
		return models.ArbitrationResult{}, errors.Wrap(err, "failed to marshal arbitration result")
	}

	set, err := s.client.SetNX(ctx, resultKey(clusterID), data, s.ttl).Result()
	if err != nil {
		return models.ArbitrationResult{}, errors.Wrap(err, "failed to store arbitration result")
	}
	if set {
		return result, nil
	}

	// Another participant finalized first; serve their result
	return s.Result(ctx, clusterID)
}

// Result returns the terminal result for a cluster
func (s *RedisStore) Result(ctx context.Context, clusterID string) (models.ArbitrationResult, error) {
	if !s.enabled {
		return models.ArbitrationResult{}, ErrDisabled
	}

	data, err := s.client.Get(ctx, resultKey(clusterID)).Bytes()
	if err != nil {
		return models.ArbitrationResult{}, err
	}

	var result models.ArbitrationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return models.ArbitrationResult{}, errors.Wrap(err, "failed to unmarshal arbitration result")
	}

	return result, nil
}

// GetDevice retrieves cached device info
func (s *RedisStore) GetDevice(ctx context.Context, deviceID string) (*models.DeviceInfo, error) {
	if !s.enabled {
		return nil, redis.Nil
	}

	data, err := s.client.Get(ctx, deviceKey(deviceID)).Bytes()
	if err != nil {
		return nil, err
	}

	var info models.DeviceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// SetDevice caches device info, refreshed on every heartbeat
func (s *RedisStore) SetDevice(ctx context.Context, info models.DeviceInfo) error {
	if !s.enabled {
		return nil
	}

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, deviceKey(info.DeviceID), data, time.Hour).Err()
}

// IsNotFound reports whether an error is a cache miss
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if !s.enabled || s.client == nil {
		return nil
	}

	return s.client.Close()
}
