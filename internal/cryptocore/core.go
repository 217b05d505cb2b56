package cryptocore

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests can
// substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// GenerateIdentityKeyPair creates the long-term X25519 identity keypair for a
// device plus the Ed25519 signing keypair reserved for cross-device signing.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	dh, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &IdentityKeyPair{
		DH:             dh,
		SigningPublic:  priv.Public().(ed25519.PublicKey),
		SigningPrivate: priv,
	}, nil
}

// NewAccount returns an empty account with no one-time prekeys.
func NewAccount() *Account {
	return &Account{oneTime: make(map[uuid.UUID]KeyPair)}
}

// GenerateOneTimeKeys mints count fresh one-time prekey pairs, retains the
// private halves in the account and returns the public halves for upload.
func (a *Account) GenerateOneTimeKeys(count int) ([]OneTimeKey, error) {
	if a == nil {
		return nil, errors.New("cryptocore: nil account")
	}
	if a.oneTime == nil {
		a.oneTime = make(map[uuid.UUID]KeyPair)
	}
	if count < 0 {
		count = 0
	}
	keys := make([]OneTimeKey, 0, count)
	for i := 0; i < count; i++ {
		kp, err := GenerateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		id := uuid.New()
		a.oneTime[id] = kp
		keys = append(keys, OneTimeKey{ID: id, Public: kp.Public})
	}
	return keys, nil
}

// TakeOneTimeKey removes and returns the private keypair for the given
// one-time prekey id. Returns ErrMissingOneTimeKey if it was never generated
// here or has already been consumed.
func (a *Account) TakeOneTimeKey(id uuid.UUID) (KeyPair, error) {
	if a == nil || a.oneTime == nil {
		return KeyPair{}, ErrMissingOneTimeKey
	}
	kp, ok := a.oneTime[id]
	if !ok {
		return KeyPair{}, ErrMissingOneTimeKey
	}
	delete(a.oneTime, id)
	return kp, nil
}

// OneTimeKeyCount reports how many unconsumed private halves the account holds.
func (a *Account) OneTimeKeyCount() int {
	if a == nil {
		return 0
	}
	return len(a.oneTime)
}

func GenerateX25519KeyPair() (KeyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return KeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

var _ io.Reader = randReader{}
