package cryptocore

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoX3DH = "Nova-X3DH"

// InitSession performs the prekey agreement as the initiator and prepares the
// initial Double Ratchet state. The three DH legs bind the local identity key,
// a fresh ephemeral key and the claimed one-time prekey of the peer, so the
// responder can derive the identical secret later without a round-trip.
func InitSession(localIdentity KeyPair, remoteIdentity [32]byte, otk OneTimeKey) (*SessionState, *HandshakeMessage, error) {
	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}

	secret, err := deriveSharedSecretInitiator(localIdentity, remoteIdentity, ephemeral, otk)
	if err != nil {
		return nil, nil, err
	}
	root, chain := deriveInitialKeys(secret)

	sess := &SessionState{
		RootKey:        root,
		SendChain:      chainState{Key: chain},
		RecvChain:      chainState{},
		RatchetPrivate: ephemeral.Private,
		RatchetPublic:  ephemeral.Public,
		RemoteRatchet:  otk.Public,
		RemoteIdentity: remoteIdentity,
		Role:           RoleInitiator,
		skipped:        make(map[string][32]byte),
	}

	msg := &HandshakeMessage{
		IdentityKey:  localIdentity.Public,
		EphemeralKey: ephemeral.Public,
		OneTimeKeyID: otk.ID,
	}
	return sess, msg, nil
}

// AcceptSession finalizes the prekey agreement on the responder side. The
// one-time private half must be the counterpart of the key id named in the
// handshake; the caller recovers it from the device account. The resulting
// ratchet initialization is byte-identical to the initiator's.
func AcceptSession(localIdentity KeyPair, oneTime KeyPair, msg *HandshakeMessage) (*SessionState, error) {
	if msg == nil {
		return nil, errors.New("cryptocore: nil handshake message")
	}
	secret, err := deriveSharedSecretResponder(localIdentity, oneTime, msg)
	if err != nil {
		return nil, err
	}
	root, chain := deriveInitialKeys(secret)

	sess := &SessionState{
		RootKey:        root,
		SendChain:      chainState{},
		RecvChain:      chainState{Key: chain},
		RatchetPrivate: oneTime.Private,
		RatchetPublic:  oneTime.Public,
		RemoteRatchet:  msg.EphemeralKey,
		RemoteIdentity: msg.IdentityKey,
		Role:           RoleResponder,
		skipped:        make(map[string][32]byte),
	}
	return sess, nil
}

func deriveSharedSecretInitiator(identity KeyPair, remoteIdentity [32]byte, eph KeyPair, otk OneTimeKey) ([]byte, error) {
	dh1, err := curve25519.X25519(identity.Private[:], otk.Public[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(eph.Private[:], remoteIdentity[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(eph.Private[:], otk.Public[:])
	if err != nil {
		return nil, err
	}
	return append(append(append([]byte{}, dh1...), dh2...), dh3...), nil
}

func deriveSharedSecretResponder(identity KeyPair, oneTime KeyPair, msg *HandshakeMessage) ([]byte, error) {
	dh1, err := curve25519.X25519(oneTime.Private[:], msg.IdentityKey[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(identity.Private[:], msg.EphemeralKey[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(oneTime.Private[:], msg.EphemeralKey[:])
	if err != nil {
		return nil, err
	}
	return append(append(append([]byte{}, dh1...), dh2...), dh3...), nil
}

func deriveInitialKeys(secret []byte) ([32]byte, [32]byte) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoX3DH))
	var root, chain [32]byte
	if _, err := io.ReadFull(kdf, root[:]); err != nil {
		return [32]byte{}, [32]byte{}
	}
	if _, err := io.ReadFull(kdf, chain[:]); err != nil {
		return [32]byte{}, [32]byte{}
	}
	return root, chain
}
