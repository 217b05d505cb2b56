package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"novakeys/internal/domain"
	"novakeys/internal/observability/metrics"
	"novakeys/internal/store"

	"github.com/google/uuid"
)

type RegisterDeviceInput struct {
	UserID      uuid.UUID
	DeviceID    uuid.UUID
	IdentityKey string
	SigningKey  string
}

type DeviceSummary struct {
	DeviceID    uuid.UUID `json:"deviceId"`
	IdentityKey string    `json:"identityKey"`
	SigningKey  string    `json:"signingKey,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RegisterDevice records a device's long-term public identity key and
// provisions its server-side account pickle. Re-registration with the same
// identity key is idempotent; a different key fails with DuplicateDevice.
func (s *Service) RegisterDevice(ctx context.Context, in RegisterDeviceInput) (*domain.Device, error) {
	if in.UserID == uuid.Nil || in.DeviceID == uuid.Nil || in.IdentityKey == "" {
		return nil, fmt.Errorf("%w: missing device identity", domain.ErrInvalidRequest)
	}

	var device *domain.Device
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		existing, err := tx.Devices().Get(ctx, in.UserID, in.DeviceID)
		if err == nil {
			if existing.IdentityKey != in.IdentityKey {
				return domain.ErrDuplicateDevice
			}
			device = existing
			return nil
		}
		if !errors.Is(err, store.ErrRecordNotFound) {
			return err
		}

		created := domain.Device{
			UserID:      in.UserID,
			DeviceID:    in.DeviceID,
			IdentityKey: in.IdentityKey,
			SigningKey:  in.SigningKey,
		}
		if err := tx.Devices().Create(ctx, &created); err != nil {
			return err
		}
		account, err := s.sealEmptyAccount(in.UserID, in.DeviceID)
		if err != nil {
			return err
		}
		if err := tx.Accounts().Ensure(ctx, account); err != nil {
			return err
		}
		device = &created
		return nil
	})
	if err != nil {
		metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.DeviceRegistrationsTotal.WithLabelValues("success").Inc()
	s.logger.Info("device registered", "user_id", in.UserID, "device_id", in.DeviceID)
	return device, nil
}

// QueryDevices answers bulk "who are this user's devices" lookups. Unknown
// users are omitted rather than erroring.
func (s *Service) QueryDevices(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID][]DeviceSummary, error) {
	byUser, err := s.store.Devices().ListByUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]DeviceSummary, len(byUser))
	for userID, devices := range byUser {
		summaries := make([]DeviceSummary, 0, len(devices))
		for _, d := range devices {
			summaries = append(summaries, DeviceSummary{
				DeviceID:    d.DeviceID,
				IdentityKey: d.IdentityKey,
				SigningKey:  d.SigningKey,
				CreatedAt:   d.CreatedAt,
			})
		}
		out[userID] = summaries
	}
	return out, nil
}
