package store

import (
	"context"
	"time"

	"novakeys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MegolmStore struct{ db *gorm.DB }

func (s *Store) Megolm() *MegolmStore { return &MegolmStore{db: s.DB} }

func (m *MegolmStore) CurrentOutbound(ctx context.Context, roomID, creatorDevice uuid.UUID) (*domain.MegolmOutboundSession, error) {
	var session domain.MegolmOutboundSession
	err := m.db.WithContext(ctx).
		First(&session, "room_id = ? AND creator_device_id = ? AND current", roomID, creatorDevice).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (m *MegolmStore) GetOutbound(ctx context.Context, sessionID uuid.UUID) (*domain.MegolmOutboundSession, error) {
	var session domain.MegolmOutboundSession
	err := m.db.WithContext(ctx).First(&session, "session_id = ?", sessionID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (m *MegolmStore) InsertOutbound(ctx context.Context, session domain.MegolmOutboundSession) error {
	return m.db.WithContext(ctx).Create(&session).Error
}

// SupersedeOutbound retires the current session for (room, device). The row
// stays stored read-only so already-sent messages remain decryptable.
func (m *MegolmStore) SupersedeOutbound(ctx context.Context, roomID, creatorDevice uuid.UUID) error {
	return m.db.WithContext(ctx).
		Model(&domain.MegolmOutboundSession{}).
		Where("room_id = ? AND creator_device_id = ? AND current", roomID, creatorDevice).
		Update("current", false).Error
}

func (m *MegolmStore) UpdateOutboundVersioned(ctx context.Context, sessionID uuid.UUID, version int64, pickle, nonce []byte, messageIndex int64) error {
	res := m.db.WithContext(ctx).
		Model(&domain.MegolmOutboundSession{}).
		Where("session_id = ? AND version = ?", sessionID, version).
		Updates(map[string]any{
			"pickle":        pickle,
			"nonce":         nonce,
			"version":       version + 1,
			"message_index": messageIndex,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrSessionConflict
	}
	return nil
}

// ListCurrentByRoom returns every sender's current outbound session in the
// room; used when onboarding a new member.
func (m *MegolmStore) ListCurrentByRoom(ctx context.Context, roomID uuid.UUID) ([]domain.MegolmOutboundSession, error) {
	var sessions []domain.MegolmOutboundSession
	err := m.db.WithContext(ctx).
		Where("room_id = ? AND current", roomID).
		Find(&sessions).Error
	return sessions, err
}

// MarkRotationPending flags every current outbound session in the room after
// a membership removal; the next encrypt (or the rotation sweep) rotates.
func (m *MegolmStore) MarkRotationPending(ctx context.Context, roomID uuid.UUID) error {
	return m.db.WithContext(ctx).
		Model(&domain.MegolmOutboundSession{}).
		Where("room_id = ? AND current", roomID).
		Update("rotation_pending", true).Error
}

// ListRotatable returns current sessions due for rotation by age or pending
// membership flag. Used by the background sweep.
func (m *MegolmStore) ListRotatable(ctx context.Context, ageCutoff time.Time) ([]domain.MegolmOutboundSession, error) {
	var sessions []domain.MegolmOutboundSession
	err := m.db.WithContext(ctx).
		Where("current AND (rotation_pending OR created_at < ?)", ageCutoff).
		Find(&sessions).Error
	return sessions, err
}

// UpsertInbound stores a received key share. Replays are no-ops; an explicit
// historical share with a lower first_known_index widens the window.
func (m *MegolmStore) UpsertInbound(ctx context.Context, session domain.MegolmInboundSession) error {
	err := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "session_id"}},
			DoNothing: true,
		}).
		Create(&session).Error
	if err != nil {
		return err
	}
	return m.db.WithContext(ctx).
		Model(&domain.MegolmInboundSession{}).
		Where("device_id = ? AND session_id = ? AND first_known_index > ?",
			session.DeviceID, session.SessionID, session.FirstKnownIndex).
		Updates(map[string]any{
			"pickle":            session.Pickle,
			"nonce":             session.Nonce,
			"first_known_index": session.FirstKnownIndex,
		}).Error
}

func (m *MegolmStore) GetInbound(ctx context.Context, deviceID, sessionID uuid.UUID) (*domain.MegolmInboundSession, error) {
	var session domain.MegolmInboundSession
	err := m.db.WithContext(ctx).
		First(&session, "device_id = ? AND session_id = ?", deviceID, sessionID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &session, nil
}
