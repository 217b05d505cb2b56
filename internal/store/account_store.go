package store

import (
	"context"

	"novakeys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountStore struct{ db *gorm.DB }

func (s *Store) Accounts() *AccountStore { return &AccountStore{db: s.DB} }

func (a *AccountStore) Ensure(ctx context.Context, account domain.OlmAccount) error {
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
}

func (a *AccountStore) Get(ctx context.Context, userID, deviceID uuid.UUID) (*domain.OlmAccount, error) {
	var account domain.OlmAccount
	err := a.db.WithContext(ctx).
		First(&account, "user_id = ? AND device_id = ?", userID, deviceID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &account, nil
}

// UpdateVersioned writes a new pickle only if nobody else has written since
// the load. Zero rows affected means a concurrent mutator won.
func (a *AccountStore) UpdateVersioned(ctx context.Context, userID, deviceID uuid.UUID, version int64, pickle, nonce []byte) error {
	res := a.db.WithContext(ctx).
		Model(&domain.OlmAccount{}).
		Where("user_id = ? AND device_id = ? AND version = ?", userID, deviceID, version).
		Updates(map[string]any{
			"pickle":  pickle,
			"nonce":   nonce,
			"version": version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrSessionConflict
	}
	return nil
}
