package store

import (
	"context"
	"time"

	"novakeys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OlmSessionStore struct{ db *gorm.DB }

func (s *Store) OlmSessions() *OlmSessionStore { return &OlmSessionStore{db: s.DB} }

// Create inserts a session keyed by (local device, handshake). Re-inserting
// the same handshake for the same device is a no-op so replayed handshake
// messages never overwrite an established ratchet, while the peer device
// stores its own row under the same handshake key.
func (o *OlmSessionStore) Create(ctx context.Context, session domain.OlmSession) error {
	return o.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "local_user_id"},
				{Name: "local_device_id"},
				{Name: "handshake_key"},
			},
			DoNothing: true,
		}).
		Create(&session).Error
}

func (o *OlmSessionStore) Get(ctx context.Context, sessionID uuid.UUID) (*domain.OlmSession, error) {
	var session domain.OlmSession
	err := o.db.WithContext(ctx).First(&session, "session_id = ?", sessionID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &session, nil
}

// GetOwned resolves a session only for the device holding it. Ratchet state
// is per device, so another device presenting a leaked session id must see
// not-found rather than drive a ratchet it does not own.
func (o *OlmSessionStore) GetOwned(ctx context.Context, sessionID, localUser, localDevice uuid.UUID) (*domain.OlmSession, error) {
	var session domain.OlmSession
	err := o.db.WithContext(ctx).
		First(&session, "session_id = ? AND local_user_id = ? AND local_device_id = ?",
			sessionID, localUser, localDevice).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (o *OlmSessionStore) FindByHandshakeKey(ctx context.Context, localUser, localDevice uuid.UUID, handshakeKey string) (*domain.OlmSession, error) {
	var session domain.OlmSession
	err := o.db.WithContext(ctx).
		First(&session, "local_user_id = ? AND local_device_id = ? AND handshake_key = ?",
			localUser, localDevice, handshakeKey).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &session, nil
}

// UpdateVersioned is the load-check-write half of the optimistic concurrency
// scheme: a lost race must fail instead of silently overwriting, because a
// lost ratchet update desynchronizes the session irrecoverably.
func (o *OlmSessionStore) UpdateVersioned(ctx context.Context, sessionID uuid.UUID, version int64, pickle, nonce []byte, usedAt time.Time) error {
	res := o.db.WithContext(ctx).
		Model(&domain.OlmSession{}).
		Where("session_id = ? AND version = ?", sessionID, version).
		Updates(map[string]any{
			"pickle":       pickle,
			"nonce":        nonce,
			"version":      version + 1,
			"last_used_at": usedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrSessionConflict
	}
	return nil
}
