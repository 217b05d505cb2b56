package cryptocore

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoMegolm = "Nova-Megolm"

// GroupSession is the sender-side one-way ratchet for a room. Each Encrypt
// advances the chain exactly once; the chain never moves backwards, so a
// holder of a later ratchet value cannot derive earlier message keys.
//
// The index-0 chain key is retained so that members can be onboarded at any
// index up to the current one; only the exported value ever leaves this
// structure.
type GroupSession struct {
	id           uuid.UUID
	initialChain [32]byte
	chain        chainState
}

// GroupKeyShare is the inbound-importable state of a group session as of
// FirstKnownIndex. It is the payload distributed to room members over the
// to-device channel, pairwise-encrypted by the caller.
type GroupKeyShare struct {
	SessionID       uuid.UUID `json:"sessionId"`
	FirstKnownIndex uint32    `json:"firstKnownIndex"`
	ChainKey        [32]byte  `json:"-"`
}

// InboundGroupSession is a receiver-side import of a group session. It is an
// immutable import point: Decrypt ratchets a copy forward, never the stored
// state, so any index at or above FirstKnownIndex stays decryptable.
type InboundGroupSession struct {
	id         uuid.UUID
	firstKnown chainState
}

func NewGroupSession() (*GroupSession, error) {
	var chain [32]byte
	if err := readRandom(chain[:]); err != nil {
		return nil, err
	}
	return &GroupSession{
		id:           uuid.New(),
		initialChain: chain,
		chain:        chainState{Key: chain, Index: 0},
	}, nil
}

func (g *GroupSession) ID() uuid.UUID { return g.id }

// MessageIndex is the index the next Encrypt call will use.
func (g *GroupSession) MessageIndex() uint32 { return g.chain.Index }

// Encrypt seals plaintext under the current chain position and advances the
// ratchet by one step. The returned index orders and validates the message
// for recipients.
func (g *GroupSession) Encrypt(plaintext []byte) ([]byte, uint32, error) {
	if g == nil {
		return nil, 0, errors.New("cryptocore: nil group session")
	}
	index := g.chain.Index
	ciphertext, err := sealGroupMessage(g.id, g.chain.Key, index, plaintext)
	if err != nil {
		return nil, 0, err
	}
	g.chain.Key = advanceGroupChain(g.chain.Key, index)
	g.chain.Index++
	return ciphertext, index, nil
}

// ExportAt produces the key share a member needs to decrypt from index
// onward. Exporting beyond the current index is refused: that ratchet value
// does not exist yet.
func (g *GroupSession) ExportAt(index uint32) (*GroupKeyShare, error) {
	if g == nil {
		return nil, errors.New("cryptocore: nil group session")
	}
	if index > g.chain.Index {
		return nil, ErrIndexNotReached
	}
	key := g.initialChain
	for i := uint32(0); i < index; i++ {
		key = advanceGroupChain(key, i)
	}
	return &GroupKeyShare{SessionID: g.id, FirstKnownIndex: index, ChainKey: key}, nil
}

func ImportKeyShare(share *GroupKeyShare) (*InboundGroupSession, error) {
	if share == nil {
		return nil, errors.New("cryptocore: nil key share")
	}
	return &InboundGroupSession{
		id:         share.SessionID,
		firstKnown: chainState{Key: share.ChainKey, Index: share.FirstKnownIndex},
	}, nil
}

func (s *InboundGroupSession) ID() uuid.UUID { return s.id }

func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.firstKnown.Index }

// Decrypt opens the ciphertext claimed to sit at index. Indices below the
// import point fail with ErrHistoricalKeyRequired before any key derivation
// is attempted.
func (s *InboundGroupSession) Decrypt(ciphertext []byte, index uint32) ([]byte, error) {
	if s == nil {
		return nil, errors.New("cryptocore: nil inbound group session")
	}
	if index < s.firstKnown.Index {
		return nil, ErrHistoricalKeyRequired
	}
	key := s.firstKnown.Key
	for i := s.firstKnown.Index; i < index; i++ {
		key = advanceGroupChain(key, i)
	}
	return openGroupMessage(s.id, key, index, ciphertext)
}

func advanceGroupChain(key [32]byte, index uint32) [32]byte {
	var label [5]byte
	label[0] = 0x02
	binary.BigEndian.PutUint32(label[1:], index)
	out := hmacSHA256(key[:], label[:])
	var next [32]byte
	copy(next[:], out)
	return next
}

func groupMessageKey(key [32]byte) [32]byte {
	out := hmacSHA256(key[:], []byte{0x01})
	var mk [32]byte
	copy(mk[:], out)
	return mk
}

func sealGroupMessage(sessionID uuid.UUID, chainKey [32]byte, index uint32, plaintext []byte) ([]byte, error) {
	key, nonce, err := deriveGroupCipherParams(groupMessageKey(chainKey))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, groupAssociatedData(sessionID, index)), nil
}

func openGroupMessage(sessionID uuid.UUID, chainKey [32]byte, index uint32, ciphertext []byte) ([]byte, error) {
	key, nonce, err := deriveGroupCipherParams(groupMessageKey(chainKey))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, groupAssociatedData(sessionID, index))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func deriveGroupCipherParams(mk [32]byte) ([32]byte, [12]byte, error) {
	hk := hkdf.New(sha256.New, mk[:], nil, []byte(hkdfInfoMegolm))
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

func groupAssociatedData(sessionID uuid.UUID, index uint32) []byte {
	buf := make([]byte, 16+4)
	copy(buf, sessionID[:])
	binary.BigEndian.PutUint32(buf[16:], index)
	return buf
}
