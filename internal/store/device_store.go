package store

import (
	"context"

	"novakeys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

// Create inserts the device and fills its generated created_at in place.
func (d *DeviceStore) Create(ctx context.Context, device *domain.Device) error {
	return d.db.WithContext(ctx).Create(device).Error
}

func (d *DeviceStore) Get(ctx context.Context, userID, deviceID uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	err := d.db.WithContext(ctx).
		First(&device, "user_id = ? AND device_id = ?", userID, deviceID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &device, nil
}

// ListByUsers returns all devices of the given users grouped by user id.
// Users with no registered devices simply have no entry.
func (d *DeviceStore) ListByUsers(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID][]domain.Device, error) {
	var devices []domain.Device
	if len(userIDs) == 0 {
		return map[uuid.UUID][]domain.Device{}, nil
	}
	err := d.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Order("user_id, created_at ASC").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]domain.Device, len(userIDs))
	for _, dev := range devices {
		out[dev.UserID] = append(out[dev.UserID], dev)
	}
	return out, nil
}
