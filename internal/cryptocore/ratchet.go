package cryptocore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoRatchet       = "Nova-DR"
	hkdfInfoAEAD          = "Nova-AEAD"
	maxSkippedMessageKeys = 64
)

// Encrypt derives the next sending message key, returns the ciphertext and the
// message header that must accompany the ciphertext.
func Encrypt(session *SessionState, plaintext []byte) ([]byte, *MessageHeader, error) {
	if session == nil {
		return nil, nil, errors.New("cryptocore: nil session")
	}
	if isZeroKey(session.SendChain.Key) {
		if err := rotateRatchetOnSend(session); err != nil {
			return nil, nil, err
		}
	}
	newCK, mk := kdfChain(session.SendChain.Key)
	n := session.SendChain.Index
	session.SendChain.Key = newCK
	session.SendChain.Index++

	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}
	header := &MessageHeader{DHPublic: session.RatchetPublic, PN: session.PN, N: n}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, header.associatedData())
	return ciphertext, header, nil
}

// Decrypt attempts to open the ciphertext using the provided header, handling
// skipped message keys as necessary. Authentication failures leave the ratchet
// untouched only in the sense that the caller must discard the mutated state;
// persistence layers must not write the session back when an error is returned.
func Decrypt(session *SessionState, ciphertext []byte, header *MessageHeader) ([]byte, error) {
	if session == nil {
		return nil, errors.New("cryptocore: nil session")
	}
	if header == nil {
		return nil, errors.New("cryptocore: nil header")
	}
	if mk, ok := session.consumeSkipped(header); ok {
		return openWithMessageKey(mk, ciphertext, header)
	}
	if err := rotateRatchetOnRecv(session, header); err != nil {
		return nil, err
	}
	if header.N < session.RecvChain.Index {
		return nil, ErrDuplicateMessage
	}
	if header.N-session.RecvChain.Index > maxSkippedMessageKeys {
		return nil, ErrDecryptionFailed
	}
	for session.RecvChain.Index < header.N {
		newCK, mk := kdfChain(session.RecvChain.Key)
		session.storeSkippedKey(session.RemoteRatchet, session.RecvChain.Index, mk)
		session.RecvChain.Key = newCK
		session.RecvChain.Index++
	}
	newCK, mk := kdfChain(session.RecvChain.Key)
	session.RecvChain.Key = newCK
	session.RecvChain.Index++
	return openWithMessageKey(mk, ciphertext, header)
}

func openWithMessageKey(mk [32]byte, ciphertext []byte, header *MessageHeader) ([]byte, error) {
	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, header.associatedData())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// rotateRatchetOnSend advances the local sending ratchet with a fresh DH key
// pair against the last seen remote ratchet key.
func rotateRatchetOnSend(session *SessionState) error {
	if isZeroKey(session.RemoteRatchet) {
		return ErrInvalidRemoteKey
	}
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	dh, err := curve25519.X25519(kp.Private[:], session.RemoteRatchet[:])
	if err != nil {
		return err
	}
	root, send, err := kdfRoot(session.RootKey[:], dh)
	if err != nil {
		return err
	}
	session.RootKey = root
	session.PN = session.SendChain.Index
	session.SendChain = chainState{Key: send, Index: 0}
	session.RatchetPrivate = kp.Private
	session.RatchetPublic = kp.Public
	return nil
}

// rotateRatchetOnRecv updates the receiving chain when the remote side
// presents a new ratchet key; the old sending chain is retired so the next
// send performs its own DH step. Message keys the old receiving chain never
// reached are cached up to the header's PN so delayed messages from the
// previous chain still decrypt.
func rotateRatchetOnRecv(session *SessionState, header *MessageHeader) error {
	if header.DHPublic == session.RemoteRatchet {
		return nil
	}
	if !isZeroKey(session.RecvChain.Key) && header.PN > session.RecvChain.Index {
		if header.PN-session.RecvChain.Index > maxSkippedMessageKeys {
			return ErrDecryptionFailed
		}
		for session.RecvChain.Index < header.PN {
			newCK, mk := kdfChain(session.RecvChain.Key)
			session.storeSkippedKey(session.RemoteRatchet, session.RecvChain.Index, mk)
			session.RecvChain.Key = newCK
			session.RecvChain.Index++
		}
	}
	dh, err := curve25519.X25519(session.RatchetPrivate[:], header.DHPublic[:])
	if err != nil {
		return err
	}
	root, recv, err := kdfRoot(session.RootKey[:], dh)
	if err != nil {
		return err
	}
	session.RootKey = root
	session.RemoteRatchet = header.DHPublic
	session.RecvChain = chainState{Key: recv, Index: 0}
	session.SendChain.Key = [32]byte{}
	session.SendChain.Index = 0
	session.PN = header.PN
	return nil
}

func kdfRoot(root, dh []byte) ([32]byte, [32]byte, error) {
	hk := hkdf.New(sha256.New, dh, root, []byte(hkdfInfoRatchet))
	var newRoot, chain [32]byte
	if _, err := io.ReadFull(hk, newRoot[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	if _, err := io.ReadFull(hk, chain[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return newRoot, chain, nil
}

func kdfChain(chain [32]byte) ([32]byte, [32]byte) {
	next := hmacSHA256(chain[:], []byte{0x02})
	mk := hmacSHA256(chain[:], []byte{0x01})
	var nextKey, msgKey [32]byte
	copy(nextKey[:], next)
	copy(msgKey[:], mk)
	return nextKey, msgKey
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func deriveCipherParams(mk [32]byte) ([32]byte, [12]byte, error) {
	hk := hkdf.New(sha256.New, mk[:], nil, []byte(hkdfInfoAEAD))
	var key [32]byte
	var nonce [12]byte
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	if _, err := io.ReadFull(hk, nonce[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	return key, nonce, nil
}

func (h *MessageHeader) associatedData() []byte {
	buf := make([]byte, 32+4+4)
	copy(buf, h.DHPublic[:])
	binary.BigEndian.PutUint32(buf[32:], h.PN)
	binary.BigEndian.PutUint32(buf[36:], h.N)
	return buf
}

func isZeroKey(k [32]byte) bool {
	var zero [32]byte
	return k == zero
}

func (s *SessionState) storeSkippedKey(pub [32]byte, index uint32, key [32]byte) {
	if s.skipped == nil {
		s.skipped = make(map[string][32]byte)
	}
	if len(s.skipped) >= maxSkippedMessageKeys {
		for k := range s.skipped {
			delete(s.skipped, k)
			break
		}
	}
	s.skipped[skippedKey(pub, index)] = key
}

func (s *SessionState) consumeSkipped(header *MessageHeader) ([32]byte, bool) {
	if s.skipped == nil {
		return [32]byte{}, false
	}
	name := skippedKey(header.DHPublic, header.N)
	if val, ok := s.skipped[name]; ok {
		delete(s.skipped, name)
		return val, true
	}
	return [32]byte{}, false
}

func skippedKey(pub [32]byte, index uint32) string {
	buf := make([]byte, 32+4)
	copy(buf, pub[:])
	binary.BigEndian.PutUint32(buf[32:], index)
	return string(buf)
}
