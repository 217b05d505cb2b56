package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"novakeys/internal/cryptocore"
	"novakeys/internal/domain"
	"novakeys/internal/store"

	"github.com/google/uuid"
)

// MessageTypeOlmHandshake is the to-device type carrying a prekey handshake.
const MessageTypeOlmHandshake = "nova.olm.handshake"

// Handshake is the wire form of a prekey message delivered over the
// to-device channel.
type Handshake struct {
	IdentityKey  string    `json:"identityKey"`
	EphemeralKey string    `json:"ephemeralKey"`
	OneTimeKeyID uuid.UUID `json:"oneTimeKeyId"`
}

// Envelope is the wire form of a ratcheted pairwise message.
type Envelope struct {
	SessionID  uuid.UUID `json:"sessionId"`
	DHPublic   string    `json:"dhPublic"`
	PN         uint32    `json:"pn"`
	N          uint32    `json:"n"`
	Ciphertext []byte    `json:"ciphertext"`
}

type EstablishInput struct {
	LocalUserID    uuid.UUID
	LocalDeviceID  uuid.UUID
	LocalIdentity  cryptocore.KeyPair
	RemoteUserID   uuid.UUID
	RemoteDeviceID uuid.UUID
}

type EstablishResult struct {
	SessionID uuid.UUID
	Handshake Handshake
}

type AcceptInput struct {
	LocalUserID    uuid.UUID
	LocalDeviceID  uuid.UUID
	LocalIdentity  cryptocore.KeyPair
	SenderUserID   uuid.UUID
	SenderDeviceID uuid.UUID
	Handshake      Handshake
}

// EstablishOutbound claims a one-time key of the remote device, runs the
// prekey agreement as initiator and persists the resulting session. The
// handshake message is queued to the remote device inside the same
// transaction, so a stored session always has its handshake in flight.
func (s *Service) EstablishOutbound(ctx context.Context, in EstablishInput) (*EstablishResult, error) {
	var result *EstablishResult
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		remote, err := tx.Devices().Get(ctx, in.RemoteUserID, in.RemoteDeviceID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return domain.ErrDeviceNotFound
			}
			return err
		}
		remoteIdentity, err := decodeKey(remote.IdentityKey)
		if err != nil {
			return err
		}

		row, err := tx.OneTimeKeys().ClaimNext(ctx, in.RemoteUserID, in.RemoteDeviceID, in.LocalUserID, in.LocalDeviceID)
		if err != nil {
			return err
		}
		if row == nil {
			return domain.ErrKeyExhausted
		}
		otkPublic, err := decodeKey(row.PublicKey)
		if err != nil {
			return err
		}

		sess, msg, err := cryptocore.InitSession(in.LocalIdentity, remoteIdentity, cryptocore.OneTimeKey{
			ID:     row.KeyID,
			Public: otkPublic,
		})
		if err != nil {
			return err
		}

		sessionID := uuid.New()
		if err := s.sealSession(ctx, tx, sess, domain.OlmSession{
			SessionID:      sessionID,
			LocalUserID:    in.LocalUserID,
			LocalDeviceID:  in.LocalDeviceID,
			RemoteUserID:   in.RemoteUserID,
			RemoteDeviceID: in.RemoteDeviceID,
			HandshakeKey:   encodeKey(msg.EphemeralKey),
		}); err != nil {
			return err
		}

		handshake := Handshake{
			IdentityKey:  encodeKey(msg.IdentityKey),
			EphemeralKey: encodeKey(msg.EphemeralKey),
			OneTimeKeyID: msg.OneTimeKeyID,
		}
		if err := s.enqueue(ctx, tx, in.LocalUserID, in.LocalDeviceID,
			in.RemoteUserID, in.RemoteDeviceID, MessageTypeOlmHandshake, handshake); err != nil {
			return err
		}

		result = &EstablishResult{SessionID: sessionID, Handshake: handshake}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("outbound session established",
		"session_id", result.SessionID,
		"local_user", in.LocalUserID, "local_device", in.LocalDeviceID,
		"remote_user", in.RemoteUserID, "remote_device", in.RemoteDeviceID)
	return result, nil
}

// AcceptInbound consumes the one-time private half named by the handshake
// and derives the responder session. Replayed handshakes return the already
// established session id without touching any ratchet state.
func (s *Service) AcceptInbound(ctx context.Context, in AcceptInput) (uuid.UUID, error) {
	existing, err := s.store.OlmSessions().FindByHandshakeKey(ctx, in.LocalUserID, in.LocalDeviceID, in.Handshake.EphemeralKey)
	if err == nil {
		return existing.SessionID, nil
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return uuid.Nil, err
	}

	msg, err := decodeHandshake(in.Handshake)
	if err != nil {
		return uuid.Nil, err
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		account, rec, err := s.loadAccount(ctx, tx, in.LocalUserID, in.LocalDeviceID)
		if err != nil {
			return err
		}
		oneTime, err := account.TakeOneTimeKey(msg.OneTimeKeyID)
		if err != nil {
			return fmt.Errorf("%w: one-time key %s not held", domain.ErrInvalidRequest, msg.OneTimeKeyID)
		}
		sess, err := cryptocore.AcceptSession(in.LocalIdentity, oneTime, msg)
		if err != nil {
			return err
		}
		if err := s.sealSession(ctx, tx, sess, domain.OlmSession{
			SessionID:      uuid.New(),
			LocalUserID:    in.LocalUserID,
			LocalDeviceID:  in.LocalDeviceID,
			RemoteUserID:   in.SenderUserID,
			RemoteDeviceID: in.SenderDeviceID,
			HandshakeKey:   in.Handshake.EphemeralKey,
		}); err != nil {
			return err
		}
		return s.saveAccount(ctx, tx, rec, account)
	})
	if err != nil {
		return uuid.Nil, err
	}

	// The insert is conflict-tolerant, so read back the row that actually won.
	created, err := s.store.OlmSessions().FindByHandshakeKey(ctx, in.LocalUserID, in.LocalDeviceID, in.Handshake.EphemeralKey)
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("inbound session accepted",
		"session_id", created.SessionID,
		"local_user", in.LocalUserID, "local_device", in.LocalDeviceID,
		"remote_user", in.SenderUserID, "remote_device", in.SenderDeviceID)
	return created.SessionID, nil
}

// EncryptMessage advances the sending ratchet by one step and persists the
// mutated session under its version guard before returning the envelope.
// The session must belong to the calling device.
func (s *Service) EncryptMessage(ctx context.Context, localUser, localDevice, sessionID uuid.UUID, plaintext []byte) (*Envelope, error) {
	var envelope *Envelope
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		sess, rec, err := s.loadSession(ctx, tx, localUser, localDevice, sessionID)
		if err != nil {
			return err
		}
		ciphertext, header, err := cryptocore.Encrypt(sess, plaintext)
		if err != nil {
			return err
		}
		if err := s.persistSession(ctx, tx, rec, sess); err != nil {
			return err
		}
		envelope = &Envelope{
			SessionID:  sessionID,
			DHPublic:   encodeKey(header.DHPublic),
			PN:         header.PN,
			N:          header.N,
			Ciphertext: ciphertext,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// DecryptMessage opens the envelope against the caller's stored session,
// named explicitly because each side of a pairwise session holds its own
// row. The session must belong to the calling device. On any decryption
// failure the transaction rolls back, so the persisted ratchet is exactly
// what it was before the attempt.
func (s *Service) DecryptMessage(ctx context.Context, localUser, localDevice, sessionID uuid.UUID, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: missing envelope", domain.ErrInvalidRequest)
	}
	dhPublic, err := decodeKey(env.DHPublic)
	if err != nil {
		return nil, err
	}
	header := &cryptocore.MessageHeader{DHPublic: dhPublic, PN: env.PN, N: env.N}

	var plaintext []byte
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		sess, rec, err := s.loadSession(ctx, tx, localUser, localDevice, sessionID)
		if err != nil {
			return err
		}
		plaintext, err = cryptocore.Decrypt(sess, env.Ciphertext, header)
		if err != nil {
			if errors.Is(err, cryptocore.ErrDecryptionFailed) || errors.Is(err, cryptocore.ErrDuplicateMessage) {
				return domain.ErrDecryptionFailed
			}
			return err
		}
		return s.persistSession(ctx, tx, rec, sess)
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *Service) loadSession(ctx context.Context, tx *store.Store, localUser, localDevice, sessionID uuid.UUID) (*cryptocore.SessionState, *domain.OlmSession, error) {
	rec, err := tx.OlmSessions().GetOwned(ctx, sessionID, localUser, localDevice)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil, domain.ErrSessionNotFound
		}
		return nil, nil, err
	}
	var snap cryptocore.SessionSnapshot
	if err := s.codec.Open(rec.Pickle, rec.Nonce, &snap); err != nil {
		return nil, nil, fmt.Errorf("%w: session pickle unreadable", domain.ErrSessionDesynced)
	}
	sess, err := cryptocore.ImportSession(&snap)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrSessionDesynced, err)
	}
	return sess, rec, nil
}

func (s *Service) sealSession(ctx context.Context, tx *store.Store, sess *cryptocore.SessionState, row domain.OlmSession) error {
	snap, err := cryptocore.ExportSession(sess)
	if err != nil {
		return err
	}
	blob, nonce, err := s.codec.Seal(snap)
	if err != nil {
		return err
	}
	row.Pickle = blob
	row.Nonce = nonce
	row.Version = 1
	row.LastUsedAt = s.now().UTC()
	return tx.OlmSessions().Create(ctx, row)
}

func (s *Service) persistSession(ctx context.Context, tx *store.Store, rec *domain.OlmSession, sess *cryptocore.SessionState) error {
	snap, err := cryptocore.ExportSession(sess)
	if err != nil {
		return err
	}
	blob, nonce, err := s.codec.Seal(snap)
	if err != nil {
		return err
	}
	return tx.OlmSessions().UpdateVersioned(ctx, rec.SessionID, rec.Version, blob, nonce, s.now().UTC())
}

func (s *Service) enqueue(ctx context.Context, tx *store.Store, senderUser, senderDevice, recipientUser, recipientDevice uuid.UUID, msgType string, payload any) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tx.ToDevice().Append(ctx, &domain.ToDeviceMessage{
		ID:                uuid.New(),
		SenderUserID:      senderUser,
		SenderDeviceID:    senderDevice,
		RecipientUserID:   recipientUser,
		RecipientDeviceID: recipientDevice,
		MessageType:       msgType,
		Content:           content,
		CreatedAt:         s.now().UTC(),
	})
}

func decodeHandshake(h Handshake) (*cryptocore.HandshakeMessage, error) {
	identity, err := decodeKey(h.IdentityKey)
	if err != nil {
		return nil, err
	}
	ephemeral, err := decodeKey(h.EphemeralKey)
	if err != nil {
		return nil, err
	}
	if h.OneTimeKeyID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing one-time key id", domain.ErrInvalidRequest)
	}
	return &cryptocore.HandshakeMessage{
		IdentityKey:  identity,
		EphemeralKey: ephemeral,
		OneTimeKeyID: h.OneTimeKeyID,
	}, nil
}
