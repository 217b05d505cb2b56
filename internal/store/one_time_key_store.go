package store

import (
	"context"
	"time"

	"novakeys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OneTimeKeyStore struct{ db *gorm.DB }

func (s *Store) OneTimeKeys() *OneTimeKeyStore { return &OneTimeKeyStore{db: s.DB} }

func (o *OneTimeKeyStore) AddBatch(ctx context.Context, keys []domain.OneTimeKey) error {
	if len(keys) == 0 {
		return nil
	}
	return o.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_id"}},
			DoNothing: true,
		}).
		Create(&keys).Error
}

// ClaimNext selects the oldest unclaimed key for the target device and marks
// it claimed, all inside the caller's transaction. SKIP LOCKED keeps
// concurrent claimants from blocking on each other: contenders for the same
// row never observe it, they move straight to the next candidate.
//
// Returns (nil, nil) when the pool is exhausted. A zero-row update after a
// successful select means another writer got there first on an engine
// without row locks; that surfaces as ErrClaimConflict.
func (o *OneTimeKeyStore) ClaimNext(ctx context.Context, targetUser, targetDevice, claimantUser, claimantDevice uuid.UUID) (*domain.OneTimeKey, error) {
	var key domain.OneTimeKey
	tx := o.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ? AND NOT claimed", targetUser, targetDevice).
		Order("created_at ASC, id ASC")
	if o.db.Dialector.Name() == "postgres" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	if err := tx.First(&key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	res := o.db.WithContext(ctx).
		Model(&domain.OneTimeKey{}).
		Where("id = ? AND NOT claimed", key.ID).
		Updates(map[string]any{
			"claimed":           true,
			"claimed_by_user":   claimantUser,
			"claimed_by_device": claimantDevice,
			"claimed_at":        now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrClaimConflict
	}
	key.Claimed = true
	key.ClaimedByUser = &claimantUser
	key.ClaimedByDevice = &claimantDevice
	key.ClaimedAt = &now
	return &key, nil
}

func (o *OneTimeKeyStore) AvailableCount(ctx context.Context, userID, deviceID uuid.UUID) (int64, error) {
	var count int64
	err := o.db.WithContext(ctx).
		Model(&domain.OneTimeKey{}).
		Where("user_id = ? AND device_id = ? AND NOT claimed", userID, deviceID).
		Count(&count).Error
	return count, err
}

// DeleteClaimedBefore removes claimed rows past the retention window.
// Unclaimed rows are never touched.
func (o *OneTimeKeyStore) DeleteClaimedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := o.db.WithContext(ctx).
		Where("claimed AND claimed_at < ?", cutoff).
		Delete(&domain.OneTimeKey{})
	return res.RowsAffected, res.Error
}
