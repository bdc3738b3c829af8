package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeviceType classifies the hardware a wake event came from
type DeviceType string

const (
	DeviceTypeTablet       DeviceType = "tablet"
	DeviceTypeSmartDisplay DeviceType = "smart_display"
	DeviceTypePhone        DeviceType = "phone"
	DeviceTypeDesktop      DeviceType = "desktop"
	DeviceTypeSpeaker      DeviceType = "speaker"
)

// WakeEvent is one device's detection of the wake phrase. Devices that heard
// the same utterance derive the same EventID by quantizing their capture
// timestamp into a fixed bucket, so independent reports collide into one
// cluster without prior coordination.
type WakeEvent struct {
	EventID          string    `json:"event_id"`
	DeviceID         string    `json:"device_id" validate:"required"`
	Timestamp        int64     `json:"timestamp" validate:"required"`
	WakeConfidence   float64   `json:"wake_confidence" validate:"gte=0,lte=1"`
	AudioEnergy      float64   `json:"audio_energy" validate:"gte=0"`
	Location         string    `json:"location,omitempty"`
	SpeakerEmbedding []float64 `json:"speaker_embedding,omitempty"`
}

// ClusterID returns the time-bucketed cluster key for the event. The bucket
// uses the device-reported capture time; skewed clocks only degrade bucketing,
// window and TTL decisions use server receipt time.
func (e WakeEvent) ClusterID(granularity time.Duration) string {
	bucket := e.Timestamp / granularity.Milliseconds()
	return fmt.Sprintf("wake-%d", bucket)
}

// DeviceInfo is the registry's view of a device, read-only to arbitration
type DeviceInfo struct {
	DeviceID          string     `json:"device_id"`
	Location          string     `json:"location,omitempty"`
	DeviceType        DeviceType `json:"device_type"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
}

// ArbitrationReason explains how a winner was chosen
type ArbitrationReason string

const (
	ReasonOnlyDevice    ArbitrationReason = "only_device"
	ReasonProximity     ArbitrationReason = "proximity"
	ReasonFallbackLocal ArbitrationReason = "fallback_local"
)

// ArbitrationResult is the terminal verdict for a cluster. It is produced
// once, never mutated, and idempotently served to late queries within the
// cluster TTL. ShouldRespond is filled in per requesting device.
type ArbitrationResult struct {
	EventID        string            `json:"event_id"`
	WinnerDeviceID string            `json:"winner_device_id"`
	Reason         ArbitrationReason `json:"reason"`
	ShouldRespond  bool              `json:"should_respond"`
	DecidedAt      time.Time         `json:"decided_at"`
}

// ServiceStatus is one probe cycle's view of a monitored backend service.
// The health monitor is its sole writer; readers only ever see snapshots.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// DegradationLevel is the discrete capability classification derived from
// the current set of service statuses
type DegradationLevel string

const (
	LevelFull     DegradationLevel = "full"
	LevelDegraded DegradationLevel = "degraded"
	LevelMinimal  DegradationLevel = "minimal"
	LevelOffline  DegradationLevel = "offline"
)

// PeerClaim is a device's wake claim broadcast to LAN peers during local
// fallback arbitration. Only confidence travels here: location data is part
// of the degraded-capability surface when the coordinator is unreachable.
type PeerClaim struct {
	ClusterID  string  `json:"cluster_id"`
	DeviceID   string  `json:"device_id"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

// HealthSnapshot is the immutable health broadcast payload
type HealthSnapshot struct {
	Level     DegradationLevel `json:"level"`
	Services  map[string]bool  `json:"services"`
	Timestamp time.Time        `json:"timestamp"`
}

// Device is the persisted registry row backing DeviceInfo
type Device struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
	DeviceID          string         `gorm:"column:device_id;not null;uniqueIndex" json:"device_id"`
	Location          string         `gorm:"column:location" json:"location"`
	DeviceType        DeviceType     `gorm:"column:device_type" json:"device_type"`
	LastInteractionAt *time.Time     `gorm:"column:last_interaction_at" json:"last_interaction_at"`
	LastSeenAt        time.Time      `gorm:"column:last_seen_at" json:"last_seen_at"`
}

// Info converts a registry row to the arbitration-facing view
func (d *Device) Info() DeviceInfo {
	return DeviceInfo{
		DeviceID:          d.DeviceID,
		Location:          d.Location,
		DeviceType:        d.DeviceType,
		LastInteractionAt: d.LastInteractionAt,
	}
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Device{},
	)
}
