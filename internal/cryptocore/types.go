package cryptocore

import (
	"crypto/ed25519"

	"github.com/google/uuid"
)

// SessionKind tags the capability contract a stored session implements.
type SessionKind string

const (
	SessionKindOlm    SessionKind = "olm"
	SessionKindMegolm SessionKind = "megolm"
)

type SessionRole int

const (
	RoleInitiator SessionRole = iota
	RoleResponder
)

// Account holds the key material a device keeps between handshakes: the
// one-time prekeys generated on its behalf, keyed by their public key id.
// The identity private key is device-held and never enters an Account.
type Account struct {
	oneTime map[uuid.UUID]KeyPair
}

type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

type IdentityKeyPair struct {
	DH             KeyPair
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey
}

type OneTimeKey struct {
	ID     uuid.UUID
	Public [32]byte
}

// HandshakeMessage carries everything the responder needs to derive the
// same shared secret offline: the initiator's identity key, the fresh
// ephemeral key and the id of the claimed one-time prekey.
type HandshakeMessage struct {
	IdentityKey  [32]byte
	EphemeralKey [32]byte
	OneTimeKeyID uuid.UUID
}

type chainState struct {
	Key   [32]byte
	Index uint32
}

type SessionState struct {
	RootKey        [32]byte
	SendChain      chainState
	RecvChain      chainState
	RatchetPrivate [32]byte
	RatchetPublic  [32]byte
	RemoteRatchet  [32]byte
	RemoteIdentity [32]byte
	PN             uint32
	Role           SessionRole
	skipped        map[string][32]byte
}

type MessageHeader struct {
	DHPublic [32]byte
	PN       uint32
	N        uint32
}
