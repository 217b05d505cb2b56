package cryptocore

import (
	"bytes"
	"errors"
	"testing"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return bytes.NewReader(buf)
}

func establishPair(t *testing.T) (*SessionState, *SessionState) {
	t.Helper()

	alice, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	bob, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	bobAccount := NewAccount()
	published, err := bobAccount.GenerateOneTimeKeys(1)
	if err != nil {
		t.Fatalf("generate one-time keys: %v", err)
	}

	aliceSess, handshake, err := InitSession(alice, bob.Public, published[0])
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	if handshake.IdentityKey != alice.Public {
		t.Fatalf("handshake carries wrong identity key")
	}
	if handshake.OneTimeKeyID != published[0].ID {
		t.Fatalf("handshake names wrong one-time key id")
	}

	oneTime, err := bobAccount.TakeOneTimeKey(handshake.OneTimeKeyID)
	if err != nil {
		t.Fatalf("take one-time key: %v", err)
	}
	bobSess, err := AcceptSession(bob, oneTime, handshake)
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	if aliceSess.RootKey != bobSess.RootKey {
		t.Fatalf("initiator and responder derived different root keys")
	}
	return aliceSess, bobSess
}

func TestPrekeyAgreementRoundTrip(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	aliceSess, bobSess := establishPair(t)

	msg := []byte("hello bob")
	ct, header, err := Encrypt(aliceSess, msg)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := Decrypt(bobSess, ct, header)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, msg) {
		t.Fatalf("decrypt mismatch: got %q want %q", plaintext, msg)
	}

	// Reply forces a DH ratchet step on both sides.
	reply := []byte("hi alice")
	ct2, header2, err := Encrypt(bobSess, reply)
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	plaintext2, err := Decrypt(aliceSess, ct2, header2)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if !bytes.Equal(plaintext2, reply) {
		t.Fatalf("reply mismatch: got %q want %q", plaintext2, reply)
	}

	// Several ping-pong rounds to exercise repeated ratchet rotation.
	for i := 0; i < 5; i++ {
		m := []byte{byte(i)}
		ct, h, err := Encrypt(aliceSess, m)
		if err != nil {
			t.Fatalf("round %d encrypt: %v", i, err)
		}
		got, err := Decrypt(bobSess, ct, h)
		if err != nil {
			t.Fatalf("round %d decrypt: %v", i, err)
		}
		if !bytes.Equal(got, m) {
			t.Fatalf("round %d mismatch", i)
		}
		ct, h, err = Encrypt(bobSess, m)
		if err != nil {
			t.Fatalf("round %d reply encrypt: %v", i, err)
		}
		got, err = Decrypt(aliceSess, ct, h)
		if err != nil {
			t.Fatalf("round %d reply decrypt: %v", i, err)
		}
		if !bytes.Equal(got, m) {
			t.Fatalf("round %d reply mismatch", i)
		}
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	aliceSess, bobSess := establishPair(t)

	type sealed struct {
		ct     []byte
		header *MessageHeader
	}
	var msgs []sealed
	for i := 0; i < 3; i++ {
		ct, header, err := Encrypt(aliceSess, []byte{byte(i)})
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		msgs = append(msgs, sealed{ct, header})
	}

	for _, i := range []int{2, 0, 1} {
		got, err := Decrypt(bobSess, msgs[i].ct, msgs[i].header)
		if err != nil {
			t.Fatalf("decrypt %d out of order: %v", i, err)
		}
		if !bytes.Equal(got, []byte{byte(i)}) {
			t.Fatalf("message %d mismatch", i)
		}
	}
}

func TestDelayedMessageAcrossRatchetStep(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	aliceSess, bobSess := establishPair(t)

	// Two messages on alice's first chain, both delayed in transit.
	ct0, h0, err := Encrypt(aliceSess, []byte("zero"))
	if err != nil {
		t.Fatalf("encrypt zero: %v", err)
	}
	ct1, h1, err := Encrypt(aliceSess, []byte("one"))
	if err != nil {
		t.Fatalf("encrypt one: %v", err)
	}

	// Bob replies without having received them, alice answers on a fresh
	// chain, and bob processes the new chain first.
	ctReply, hReply, err := Encrypt(bobSess, []byte("reply"))
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	if _, err := Decrypt(aliceSess, ctReply, hReply); err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	ct2, h2, err := Encrypt(aliceSess, []byte("two"))
	if err != nil {
		t.Fatalf("encrypt two: %v", err)
	}
	got, err := Decrypt(bobSess, ct2, h2)
	if err != nil {
		t.Fatalf("decrypt two: %v", err)
	}
	if !bytes.Equal(got, []byte("two")) {
		t.Fatalf("message two mismatch")
	}

	// The delayed messages from the retired chain still decrypt.
	got, err = Decrypt(bobSess, ct0, h0)
	if err != nil {
		t.Fatalf("decrypt delayed zero: %v", err)
	}
	if !bytes.Equal(got, []byte("zero")) {
		t.Fatalf("message zero mismatch")
	}
	got, err = Decrypt(bobSess, ct1, h1)
	if err != nil {
		t.Fatalf("decrypt delayed one: %v", err)
	}
	if !bytes.Equal(got, []byte("one")) {
		t.Fatalf("message one mismatch")
	}
}

func TestReplayRejected(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	aliceSess, bobSess := establishPair(t)

	ct, header, err := Encrypt(aliceSess, []byte("once"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(bobSess, ct, header); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	if _, err := Decrypt(bobSess, ct, header); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage on replay, got %v", err)
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	aliceSess, bobSess := establishPair(t)

	ct, header, err := Encrypt(aliceSess, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xff
	if _, err := Decrypt(bobSess, tampered, header); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestOneTimeKeyConsumption(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	account := NewAccount()
	keys, err := account.GenerateOneTimeKeys(3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if account.OneTimeKeyCount() != 3 {
		t.Fatalf("expected 3 retained keys, got %d", account.OneTimeKeyCount())
	}
	pair, err := account.TakeOneTimeKey(keys[0].ID)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if pair.Public != keys[0].Public {
		t.Fatalf("returned pair does not match published public half")
	}
	if _, err := account.TakeOneTimeKey(keys[0].ID); !errors.Is(err, ErrMissingOneTimeKey) {
		t.Fatalf("expected ErrMissingOneTimeKey on second take, got %v", err)
	}
	if account.OneTimeKeyCount() != 2 {
		t.Fatalf("expected 2 remaining keys, got %d", account.OneTimeKeyCount())
	}
}
