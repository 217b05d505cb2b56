package store

import (
	"context"

	"novakeys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RoomStore struct{ db *gorm.DB }

func (s *Store) Rooms() *RoomStore { return &RoomStore{db: s.DB} }

func (r *RoomStore) AddMember(ctx context.Context, member domain.RoomMember) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&member).Error
}

// RemoveMember reports whether a row was actually deleted so callers can
// skip rotation when the removal was a replay.
func (r *RoomStore) RemoveMember(ctx context.Context, roomID, userID, deviceID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND device_id = ?", roomID, userID, deviceID).
		Delete(&domain.RoomMember{})
	return res.RowsAffected > 0, res.Error
}

func (r *RoomStore) ListMembers(ctx context.Context, roomID uuid.UUID) ([]domain.RoomMember, error) {
	var members []domain.RoomMember
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Find(&members).Error
	return members, err
}
