package store

import (
	"context"
	"time"

	"novakeys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ToDeviceStore struct{ db *gorm.DB }

func (s *Store) ToDevice() *ToDeviceStore { return &ToDeviceStore{db: s.DB} }

func (t *ToDeviceStore) Append(ctx context.Context, msg *domain.ToDeviceMessage) error {
	return t.db.WithContext(ctx).Create(msg).Error
}

// FetchPending returns the recipient's mailbox in insertion order. Messages
// stay queued until acked, so redelivery is at-least-once.
func (t *ToDeviceStore) FetchPending(ctx context.Context, userID, deviceID uuid.UUID, limit int) ([]domain.ToDeviceMessage, error) {
	var msgs []domain.ToDeviceMessage
	tx := t.db.WithContext(ctx).
		Where("recipient_user_id = ? AND recipient_device_id = ?", userID, deviceID).
		Order("seq ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// AckDelete removes acknowledged messages. Ids that are already gone are
// ignored, which is what makes client-side ack retries safe.
func (t *ToDeviceStore) AckDelete(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := t.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&domain.ToDeviceMessage{})
	return res.RowsAffected, res.Error
}

func (t *ToDeviceStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := t.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.ToDeviceMessage{})
	return res.RowsAffected, res.Error
}
