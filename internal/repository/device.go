package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/hearth/services/arbiter/internal/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// DeviceRepository defines the interface for the device registry
type DeviceRepository interface {
	FindByDeviceID(ctx context.Context, deviceID string) (*models.Device, error)
	Upsert(ctx context.Context, info models.DeviceInfo) (*models.Device, error)
	TouchInteraction(ctx context.Context, deviceID string, at time.Time) error
	ListActive(ctx context.Context, seenSince time.Time) ([]models.Device, error)
}

// deviceRepository implements DeviceRepository
type deviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

// FindByDeviceID finds a device by its stable device id
func (r *deviceRepository) FindByDeviceID(ctx context.Context, deviceID string) (*models.Device, error) {
	var device models.Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &device, nil
}

// Upsert creates or refreshes a registry row from a heartbeat
func (r *deviceRepository) Upsert(ctx context.Context, info models.DeviceInfo) (*models.Device, error) {
	device, err := r.FindByDeviceID(ctx, info.DeviceID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		device = &models.Device{
			ID:       uuid.New(),
			DeviceID: info.DeviceID,
		}
	}

	device.Location = info.Location
	device.DeviceType = info.DeviceType
	if info.LastInteractionAt != nil {
		device.LastInteractionAt = info.LastInteractionAt
	}
	device.LastSeenAt = time.Now().UTC()

	if err := r.db.WithContext(ctx).Save(device).Error; err != nil {
		return nil, err
	}
	return device, nil
}

// TouchInteraction records that a device just completed an interaction
func (r *deviceRepository) TouchInteraction(ctx context.Context, deviceID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Update("last_interaction_at", at).Error
}

// ListActive returns devices seen since the given time
func (r *deviceRepository) ListActive(ctx context.Context, seenSince time.Time) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithContext(ctx).
		Where("last_seen_at >= ?", seenSince).
		Order("device_id").
		Find(&devices).Error
	return devices, err
}
