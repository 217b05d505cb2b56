package service

import (
	"context"
	"errors"
	"fmt"

	"novakeys/internal/cryptocore"
	"novakeys/internal/domain"
	"novakeys/internal/observability/metrics"
	"novakeys/internal/store"

	"github.com/google/uuid"
)

// MessageTypeRoomKey is the to-device type carrying a group key share.
const MessageTypeRoomKey = "nova.room_key"

// RoomKeyPayload is the to-device content distributing a group session to a
// room member.
type RoomKeyPayload struct {
	RoomID uuid.UUID                     `json:"roomId"`
	Share  cryptocore.GroupKeyShareState `json:"share"`
}

// GroupEnvelope is the wire form of a group-encrypted room message.
type GroupEnvelope struct {
	RoomID       uuid.UUID `json:"roomId"`
	SessionID    uuid.UUID `json:"sessionId"`
	MessageIndex uint32    `json:"messageIndex"`
	Ciphertext   []byte    `json:"ciphertext"`
}

// EncryptGroup seals a room message under the sender's current group session.
// If the session is due for rotation, by message count, age or a pending
// membership change, it is rotated first and the fresh key is shared with the
// current members before any ciphertext is produced under it.
func (s *Service) EncryptGroup(ctx context.Context, roomID, senderUser, senderDevice uuid.UUID, plaintext []byte) (*GroupEnvelope, error) {
	var envelope *GroupEnvelope
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		session, rec, err := s.currentOutbound(ctx, tx, roomID, senderUser, senderDevice)
		if err != nil {
			return err
		}
		ciphertext, index, err := session.Encrypt(plaintext)
		if err != nil {
			return err
		}
		if err := s.persistOutbound(ctx, tx, rec, session); err != nil {
			return err
		}
		envelope = &GroupEnvelope{
			RoomID:       roomID,
			SessionID:    session.ID(),
			MessageIndex: index,
			Ciphertext:   ciphertext,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// currentOutbound returns the sender's usable outbound session for the room,
// creating or rotating as the policy requires.
func (s *Service) currentOutbound(ctx context.Context, tx *store.Store, roomID, senderUser, senderDevice uuid.UUID) (*cryptocore.GroupSession, *domain.MegolmOutboundSession, error) {
	rec, err := tx.Megolm().CurrentOutbound(ctx, roomID, senderDevice)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return s.freshOutbound(ctx, tx, roomID, senderUser, senderDevice, "initial")
		}
		return nil, nil, err
	}

	if reason, due := s.rotationDue(rec); due {
		if err := tx.Megolm().SupersedeOutbound(ctx, roomID, senderDevice); err != nil {
			return nil, nil, err
		}
		return s.freshOutbound(ctx, tx, roomID, senderUser, senderDevice, reason)
	}

	session, err := s.openOutbound(rec)
	if err != nil {
		return nil, nil, err
	}
	return session, rec, nil
}

func (s *Service) rotationDue(rec *domain.MegolmOutboundSession) (string, bool) {
	switch {
	case rec.RotationPending:
		return "membership", true
	case rec.MessageIndex >= s.cfg.RotationThreshold:
		return "message_count", true
	case s.now().Sub(rec.CreatedAt) >= s.cfg.MaxSessionAge:
		return "age", true
	}
	return "", false
}

// freshOutbound creates a new current session for (room, sender device) and
// shares its index-0 key with every current member except the sender device.
func (s *Service) freshOutbound(ctx context.Context, tx *store.Store, roomID, senderUser, senderDevice uuid.UUID, reason string) (*cryptocore.GroupSession, *domain.MegolmOutboundSession, error) {
	session, err := cryptocore.NewGroupSession()
	if err != nil {
		return nil, nil, err
	}
	snap, err := session.Export()
	if err != nil {
		return nil, nil, err
	}
	blob, nonce, err := s.codec.Seal(snap)
	if err != nil {
		return nil, nil, err
	}
	rec := domain.MegolmOutboundSession{
		SessionID:       session.ID(),
		RoomID:          roomID,
		CreatorUserID:   senderUser,
		CreatorDeviceID: senderDevice,
		Pickle:          blob,
		Nonce:           nonce,
		MessageIndex:    0,
		Current:         true,
		Version:         1,
		CreatedAt:       s.now().UTC(),
	}
	if err := tx.Megolm().InsertOutbound(ctx, rec); err != nil {
		return nil, nil, err
	}

	share, err := session.ExportAt(0)
	if err != nil {
		return nil, nil, err
	}
	members, err := tx.Rooms().ListMembers(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range members {
		if m.UserID == senderUser && m.DeviceID == senderDevice {
			continue
		}
		if err := s.shareKey(ctx, tx, roomID, senderUser, senderDevice, m.UserID, m.DeviceID, share); err != nil {
			return nil, nil, err
		}
	}

	metrics.GroupSessionRotationsTotal.WithLabelValues(reason).Inc()
	s.logger.Info("group session rotated",
		"room_id", roomID, "session_id", session.ID(),
		"sender_user", senderUser, "sender_device", senderDevice,
		"reason", reason)
	return session, &rec, nil
}

// ShareHistoricalKey exports the sender's current session at the given index
// and queues it to one member. Indices beyond the session's progress are
// refused.
func (s *Service) ShareHistoricalKey(ctx context.Context, sessionID uuid.UUID, index uint32, recipientUser, recipientDevice uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		rec, err := tx.Megolm().GetOutbound(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return domain.ErrSessionNotFound
			}
			return err
		}
		session, err := s.openOutbound(rec)
		if err != nil {
			return err
		}
		share, err := session.ExportAt(index)
		if err != nil {
			if errors.Is(err, cryptocore.ErrIndexNotReached) {
				return fmt.Errorf("%w: index %d not reached", domain.ErrInvalidRequest, index)
			}
			return err
		}
		return s.shareKey(ctx, tx, rec.RoomID, rec.CreatorUserID, rec.CreatorDeviceID, recipientUser, recipientDevice, share)
	})
}

// AddRoomMember records the membership and onboards the new device with every
// sender's current session key, exported at the current index so the joiner
// cannot read history from before the join.
func (s *Service) AddRoomMember(ctx context.Context, roomID, userID, deviceID uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Devices().Get(ctx, userID, deviceID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return domain.ErrDeviceNotFound
			}
			return err
		}
		if err := tx.Rooms().AddMember(ctx, domain.RoomMember{
			RoomID:   roomID,
			UserID:   userID,
			DeviceID: deviceID,
			JoinedAt: s.now().UTC(),
		}); err != nil {
			return err
		}
		sessions, err := tx.Megolm().ListCurrentByRoom(ctx, roomID)
		if err != nil {
			return err
		}
		for i := range sessions {
			rec := &sessions[i]
			if rec.CreatorUserID == userID && rec.CreatorDeviceID == deviceID {
				continue
			}
			session, err := s.openOutbound(rec)
			if err != nil {
				return err
			}
			share, err := session.ExportAt(uint32(rec.MessageIndex))
			if err != nil {
				return err
			}
			if err := s.shareKey(ctx, tx, roomID, rec.CreatorUserID, rec.CreatorDeviceID, userID, deviceID, share); err != nil {
				return err
			}
		}
		s.logger.Info("room member added", "room_id", roomID, "user_id", userID, "device_id", deviceID)
		return nil
	})
}

// RemoveRoomMember drops the membership and flags every current session in
// the room for rotation, so the departed device never receives a key that
// decrypts anything sent after the removal.
func (s *Service) RemoveRoomMember(ctx context.Context, roomID, userID, deviceID uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		removed, err := tx.Rooms().RemoveMember(ctx, roomID, userID, deviceID)
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
		if err := tx.Megolm().MarkRotationPending(ctx, roomID); err != nil {
			return err
		}
		s.logger.Info("room member removed", "room_id", roomID, "user_id", userID, "device_id", deviceID)
		return nil
	})
}

// ImportRoomKey stores a received key share as an inbound session for the
// recipient device. Replays are no-ops; a share with a lower first-known
// index widens the decryptable window.
func (s *Service) ImportRoomKey(ctx context.Context, recipientUser, recipientDevice, senderUser, senderDevice uuid.UUID, payload RoomKeyPayload) error {
	share, err := cryptocore.ImportKeyShareState(&payload.Share)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	inbound, err := cryptocore.ImportKeyShare(share)
	if err != nil {
		return err
	}
	snap, err := inbound.Export()
	if err != nil {
		return err
	}
	blob, nonce, err := s.codec.Seal(snap)
	if err != nil {
		return err
	}
	return s.store.Megolm().UpsertInbound(ctx, domain.MegolmInboundSession{
		UserID:          recipientUser,
		DeviceID:        recipientDevice,
		SessionID:       inbound.ID(),
		RoomID:          payload.RoomID,
		SenderUserID:    senderUser,
		SenderDeviceID:  senderDevice,
		Pickle:          blob,
		Nonce:           nonce,
		FirstKnownIndex: int64(inbound.FirstKnownIndex()),
		CreatedAt:       s.now().UTC(),
	})
}

// DecryptGroup opens a group envelope for the device. Inbound sessions are
// immutable import points, so no state is written back.
func (s *Service) DecryptGroup(ctx context.Context, deviceID uuid.UUID, env *GroupEnvelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: missing envelope", domain.ErrInvalidRequest)
	}
	rec, err := s.store.Megolm().GetInbound(ctx, deviceID, env.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	var snap cryptocore.InboundGroupSnapshot
	if err := s.codec.Open(rec.Pickle, rec.Nonce, &snap); err != nil {
		return nil, fmt.Errorf("%w: inbound pickle unreadable", domain.ErrSessionDesynced)
	}
	inbound, err := cryptocore.ImportInboundGroupSession(&snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionDesynced, err)
	}
	plaintext, err := inbound.Decrypt(env.Ciphertext, env.MessageIndex)
	if err != nil {
		switch {
		case errors.Is(err, cryptocore.ErrHistoricalKeyRequired):
			return nil, domain.ErrHistoricalKeyRequired
		case errors.Is(err, cryptocore.ErrDecryptionFailed):
			return nil, domain.ErrDecryptionFailed
		}
		return nil, err
	}
	return plaintext, nil
}

func (s *Service) openOutbound(rec *domain.MegolmOutboundSession) (*cryptocore.GroupSession, error) {
	var snap cryptocore.GroupSessionSnapshot
	if err := s.codec.Open(rec.Pickle, rec.Nonce, &snap); err != nil {
		return nil, fmt.Errorf("%w: outbound pickle unreadable", domain.ErrSessionDesynced)
	}
	session, err := cryptocore.ImportGroupSession(&snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionDesynced, err)
	}
	return session, nil
}

func (s *Service) persistOutbound(ctx context.Context, tx *store.Store, rec *domain.MegolmOutboundSession, session *cryptocore.GroupSession) error {
	snap, err := session.Export()
	if err != nil {
		return err
	}
	blob, nonce, err := s.codec.Seal(snap)
	if err != nil {
		return err
	}
	return tx.Megolm().UpdateOutboundVersioned(ctx, rec.SessionID, rec.Version, blob, nonce, int64(session.MessageIndex()))
}

func (s *Service) shareKey(ctx context.Context, tx *store.Store, roomID, senderUser, senderDevice, recipientUser, recipientDevice uuid.UUID, share *cryptocore.GroupKeyShare) error {
	payload := RoomKeyPayload{RoomID: roomID, Share: *share.ExportState()}
	return s.enqueue(ctx, tx, senderUser, senderDevice, recipientUser, recipientDevice, MessageTypeRoomKey, payload)
}
