package domain

import (
	"time"

	"github.com/google/uuid"
)

type Device struct {
	UserID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	IdentityKey string    `gorm:"type:text;not null"`
	SigningKey  string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`
}

// OlmAccount holds the encrypted pickle of a device's unpublished one-time
// private halves. Version guards concurrent mutation the same way sessions do.
type OlmAccount struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Pickle    []byte    `gorm:"type:bytea;not null"`
	Nonce     []byte    `gorm:"type:bytea;not null"`
	Version   int64     `gorm:"not null;default:1"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// OneTimeKey rows become immutable once claimed; cleanup deletes claimed
// rows past the retention window, unclaimed rows are never auto-deleted.
type OneTimeKey struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID          uuid.UUID  `gorm:"type:uuid;not null;index:idx_otk_owner"`
	DeviceID        uuid.UUID  `gorm:"type:uuid;not null;index:idx_otk_owner"`
	KeyID           uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex"`
	PublicKey       string     `gorm:"type:text;not null"`
	Claimed         bool       `gorm:"not null;default:false;index:idx_otk_owner"`
	ClaimedByUser   *uuid.UUID `gorm:"type:uuid"`
	ClaimedByDevice *uuid.UUID `gorm:"type:uuid"`
	ClaimedAt       *time.Time `gorm:"type:timestamptz"`
	CreatedAt       time.Time  `gorm:"not null;autoCreateTime"`
}

type OlmSession struct {
	SessionID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	LocalUserID    uuid.UUID `gorm:"type:uuid;not null;index:idx_olm_local;uniqueIndex:idx_olm_handshake"`
	LocalDeviceID  uuid.UUID `gorm:"type:uuid;not null;index:idx_olm_local;uniqueIndex:idx_olm_handshake"`
	RemoteUserID   uuid.UUID `gorm:"type:uuid;not null"`
	RemoteDeviceID uuid.UUID `gorm:"type:uuid;not null"`
	// HandshakeKey is the initiator's ephemeral key. Uniqueness is scoped to
	// the local device: both sides of a session store the same handshake key
	// in their own rows, but accepting a replayed handshake on the same
	// device never mutates an established ratchet.
	HandshakeKey string    `gorm:"type:text;not null;uniqueIndex:idx_olm_handshake"`
	Pickle       []byte    `gorm:"type:bytea;not null"`
	Nonce        []byte    `gorm:"type:bytea;not null"`
	Version      int64     `gorm:"not null;default:1"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
	LastUsedAt   time.Time `gorm:"not null"`
}

type MegolmOutboundSession struct {
	SessionID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID          uuid.UUID `gorm:"type:uuid;not null;index:idx_megolm_out_room"`
	CreatorUserID   uuid.UUID `gorm:"type:uuid;not null"`
	CreatorDeviceID uuid.UUID `gorm:"type:uuid;not null;index:idx_megolm_out_room"`
	Pickle          []byte    `gorm:"type:bytea;not null"`
	Nonce           []byte    `gorm:"type:bytea;not null"`
	MessageIndex    int64     `gorm:"not null;default:0"`
	Current         bool      `gorm:"not null;default:true;index:idx_megolm_out_room"`
	RotationPending bool      `gorm:"not null;default:false"`
	Version         int64     `gorm:"not null;default:1"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime"`
}

type MegolmInboundSession struct {
	UserID          uuid.UUID `gorm:"type:uuid;not null"`
	DeviceID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID          uuid.UUID `gorm:"type:uuid;not null;index"`
	SenderUserID    uuid.UUID `gorm:"type:uuid;not null"`
	SenderDeviceID  uuid.UUID `gorm:"type:uuid;not null"`
	Pickle          []byte    `gorm:"type:bytea;not null"`
	Nonce           []byte    `gorm:"type:bytea;not null"`
	FirstKnownIndex int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime"`
}

type RoomMember struct {
	RoomID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID uuid.UUID `gorm:"type:uuid;primaryKey"`
	JoinedAt time.Time `gorm:"not null;autoCreateTime"`
}

// ToDeviceMessage rows carry a database-assigned sequence so mailbox order
// is insertion order even when timestamps collide.
type ToDeviceMessage struct {
	Seq               int64     `gorm:"primaryKey;autoIncrement"`
	ID                uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	SenderUserID      uuid.UUID `gorm:"type:uuid;not null"`
	SenderDeviceID    uuid.UUID `gorm:"type:uuid;not null"`
	RecipientUserID   uuid.UUID `gorm:"type:uuid;not null;index:idx_todevice_recipient,priority:1"`
	RecipientDeviceID uuid.UUID `gorm:"type:uuid;not null;index:idx_todevice_recipient,priority:2"`
	MessageType       string    `gorm:"type:text;not null"`
	Content           []byte    `gorm:"type:bytea;not null"`
	CreatedAt         time.Time `gorm:"not null;index:idx_todevice_recipient,priority:3"`
}
