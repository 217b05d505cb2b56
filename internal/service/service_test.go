package service_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"novakeys/internal/cryptocore"
	"novakeys/internal/domain"
	"novakeys/internal/pickle"
	"novakeys/internal/service"
	"novakeys/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*service.Service, *store.Store) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	codec, err := pickle.NewCodec(key)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	svc := service.New(st, codec, service.Config{
		RotationThreshold:   3,
		MaxSessionAge:       time.Hour,
		ClaimedKeyRetention: time.Hour,
		ToDeviceRetention:   time.Hour,
		LowStockThreshold:   1,
	}, logger)
	return svc, st
}

func b64(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func registerDevice(t *testing.T, svc *service.Service) (uuid.UUID, uuid.UUID, cryptocore.KeyPair) {
	t.Helper()

	identity, err := cryptocore.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	userID, deviceID := uuid.New(), uuid.New()
	_, err = svc.RegisterDevice(context.Background(), service.RegisterDeviceInput{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: b64(identity.Public),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return userID, deviceID, identity
}

func TestRegisterDeviceIdempotency(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	userID, deviceID, identity := registerDevice(t, svc)

	// Same identity key: idempotent re-registration.
	_, err := svc.RegisterDevice(ctx, service.RegisterDeviceInput{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: b64(identity.Public),
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	// Different identity key for the same (user, device): rejected.
	other, err := cryptocore.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("other identity: %v", err)
	}
	_, err = svc.RegisterDevice(ctx, service.RegisterDeviceInput{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: b64(other.Public),
	})
	if !errors.Is(err, domain.ErrDuplicateDevice) {
		t.Fatalf("expected ErrDuplicateDevice, got %v", err)
	}

	devices, err := svc.QueryDevices(ctx, []uuid.UUID{userID, uuid.New()})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(devices) != 1 || len(devices[userID]) != 1 {
		t.Fatalf("expected one entry for the known user, got %+v", devices)
	}
	if devices[userID][0].IdentityKey != b64(identity.Public) {
		t.Fatalf("identity key mismatch in query result")
	}
}

func TestRegisterDeviceSetsCreatedAt(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	identity, err := cryptocore.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	device, err := svc.RegisterDevice(ctx, service.RegisterDeviceInput{
		UserID:      uuid.New(),
		DeviceID:    uuid.New(),
		IdentityKey: b64(identity.Public),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if device.CreatedAt.IsZero() {
		t.Fatalf("registration returned a zero created_at")
	}
}

func TestClaimUniquenessAndExhaustion(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	aliceUser, aliceDev, _ := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)

	uploaded, err := svc.GenerateOneTimeKeys(ctx, bobUser, bobDev, 2)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uploaded != 2 {
		t.Fatalf("expected 2 uploaded, got %d", uploaded)
	}

	targets := map[uuid.UUID][]uuid.UUID{bobUser: {bobDev}}
	seen := map[uuid.UUID]bool{}
	for i := 0; i < 2; i++ {
		result, err := svc.ClaimOneTimeKeys(ctx, aliceUser, aliceDev, targets)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		key, ok := result.Claimed[bobUser][bobDev]
		if !ok {
			t.Fatalf("claim %d returned no key: %+v", i, result)
		}
		if seen[key.KeyID] {
			t.Fatalf("key %s claimed twice", key.KeyID)
		}
		seen[key.KeyID] = true
	}

	// Pool exhausted: a further claim is a partitioned failure, not an error.
	result, err := svc.ClaimOneTimeKeys(ctx, aliceUser, aliceDev, targets)
	if err != nil {
		t.Fatalf("claim after exhaustion: %v", err)
	}
	if len(result.Claimed) != 0 {
		t.Fatalf("expected no claims, got %+v", result.Claimed)
	}
	if len(result.Failed) != 1 || result.Failed[0].Reason != "exhausted" {
		t.Fatalf("expected one exhausted failure, got %+v", result.Failed)
	}

	available, err := svc.AvailableCount(ctx, bobUser, bobDev)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if available != 0 {
		t.Fatalf("expected empty pool, got %d", available)
	}
}

func TestConcurrentClaimsAccountExactly(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()

	aliceUser, aliceDev, _ := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)
	if _, err := svc.GenerateOneTimeKeys(ctx, bobUser, bobDev, 3); err != nil {
		t.Fatalf("upload: %v", err)
	}

	// A single pooled connection keeps sqlite from returning busy errors;
	// the claim accounting itself must stay exact under parallel callers.
	sqlDB, err := st.DB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	const claimers = 8
	targets := map[uuid.UUID][]uuid.UUID{bobUser: {bobDev}}
	results := make(chan *service.ClaimResult, claimers)
	errs := make(chan error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.ClaimOneTimeKeys(ctx, aliceUser, aliceDev, targets)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("claim: %v", err)
	}

	claimed := map[uuid.UUID]bool{}
	exhausted := 0
	for res := range results {
		if key, ok := res.Claimed[bobUser][bobDev]; ok {
			if claimed[key.KeyID] {
				t.Fatalf("key %s handed out twice", key.KeyID)
			}
			claimed[key.KeyID] = true
			continue
		}
		if len(res.Failed) != 1 || res.Failed[0].Reason != "exhausted" {
			t.Fatalf("unexpected failure shape: %+v", res.Failed)
		}
		exhausted++
	}
	if len(claimed) != 3 {
		t.Fatalf("expected exactly 3 successful claims, got %d", len(claimed))
	}
	if exhausted != claimers-3 {
		t.Fatalf("expected %d exhausted claims, got %d", claimers-3, exhausted)
	}

	available, err := svc.AvailableCount(ctx, bobUser, bobDev)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if available != 0 {
		t.Fatalf("expected empty pool after concurrent claims, got %d", available)
	}
}

func TestClaimIsPartitionedAcrossDevices(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	aliceUser, aliceDev, _ := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)
	carolUser, carolDev, _ := registerDevice(t, svc)

	if _, err := svc.GenerateOneTimeKeys(ctx, bobUser, bobDev, 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	// Carol uploads nothing.

	result, err := svc.ClaimOneTimeKeys(ctx, aliceUser, aliceDev, map[uuid.UUID][]uuid.UUID{
		bobUser:   {bobDev},
		carolUser: {carolDev},
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, ok := result.Claimed[bobUser][bobDev]; !ok {
		t.Fatalf("expected a claim for bob, got %+v", result)
	}
	if len(result.Failed) != 1 || result.Failed[0].DeviceID != carolDev {
		t.Fatalf("expected carol in failed list, got %+v", result.Failed)
	}
}

func fetchHandshake(t *testing.T, svc *service.Service, userID, deviceID uuid.UUID) service.Handshake {
	t.Helper()

	msgs, err := svc.FetchToDevice(context.Background(), userID, deviceID, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for _, m := range msgs {
		if m.MessageType != service.MessageTypeOlmHandshake {
			continue
		}
		var hs service.Handshake
		if err := json.Unmarshal(m.Content, &hs); err != nil {
			t.Fatalf("unmarshal handshake: %v", err)
		}
		return hs
	}
	t.Fatalf("no handshake message queued")
	return service.Handshake{}
}

func TestOlmSessionRoundTrip(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	aliceUser, aliceDev, aliceIdentity := registerDevice(t, svc)
	bobUser, bobDev, bobIdentity := registerDevice(t, svc)

	if _, err := svc.GenerateOneTimeKeys(ctx, bobUser, bobDev, 1); err != nil {
		t.Fatalf("upload: %v", err)
	}

	result, err := svc.EstablishOutbound(ctx, service.EstablishInput{
		LocalUserID:    aliceUser,
		LocalDeviceID:  aliceDev,
		LocalIdentity:  aliceIdentity,
		RemoteUserID:   bobUser,
		RemoteDeviceID: bobDev,
	})
	if err != nil {
		t.Fatalf("establish: %v", err)
	}

	hs := fetchHandshake(t, svc, bobUser, bobDev)
	accept := service.AcceptInput{
		LocalUserID:    bobUser,
		LocalDeviceID:  bobDev,
		LocalIdentity:  bobIdentity,
		SenderUserID:   aliceUser,
		SenderDeviceID: aliceDev,
		Handshake:      hs,
	}
	bobSession, err := svc.AcceptInbound(ctx, accept)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	// Each side keeps its own ratchet row; the responder must never be
	// handed the initiator's.
	if bobSession == result.SessionID {
		t.Fatalf("responder was given the initiator's session row")
	}

	env, err := svc.EncryptMessage(ctx, aliceUser, aliceDev, result.SessionID, []byte("hello bob"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := svc.DecryptMessage(ctx, bobUser, bobDev, bobSession, env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("decrypt mismatch: %q", plaintext)
	}

	// Reply direction.
	env2, err := svc.EncryptMessage(ctx, bobUser, bobDev, bobSession, []byte("hi alice"))
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	plaintext2, err := svc.DecryptMessage(ctx, aliceUser, aliceDev, result.SessionID, env2)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if string(plaintext2) != "hi alice" {
		t.Fatalf("reply mismatch: %q", plaintext2)
	}

	// Replayed ciphertext must fail and leave the session usable.
	if _, err := svc.DecryptMessage(ctx, bobUser, bobDev, bobSession, env); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed on replay, got %v", err)
	}
	env3, err := svc.EncryptMessage(ctx, aliceUser, aliceDev, result.SessionID, []byte("still here"))
	if err != nil {
		t.Fatalf("encrypt after replay: %v", err)
	}
	plaintext3, err := svc.DecryptMessage(ctx, bobUser, bobDev, bobSession, env3)
	if err != nil {
		t.Fatalf("decrypt after replay: %v", err)
	}
	if string(plaintext3) != "still here" {
		t.Fatalf("post-replay mismatch: %q", plaintext3)
	}

	// Replayed handshake returns the existing session.
	again, err := svc.AcceptInbound(ctx, accept)
	if err != nil {
		t.Fatalf("accept replay: %v", err)
	}
	if again != bobSession {
		t.Fatalf("handshake replay created a new session: %s vs %s", again, bobSession)
	}

	// Bob's pool is spent; a second establishment has nothing to claim.
	_, err = svc.EstablishOutbound(ctx, service.EstablishInput{
		LocalUserID:    aliceUser,
		LocalDeviceID:  aliceDev,
		LocalIdentity:  aliceIdentity,
		RemoteUserID:   bobUser,
		RemoteDeviceID: bobDev,
	})
	if !errors.Is(err, domain.ErrKeyExhausted) {
		t.Fatalf("expected ErrKeyExhausted, got %v", err)
	}
}

func TestTamperedEnvelopeLeavesStateIntact(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	aliceUser, aliceDev, aliceIdentity := registerDevice(t, svc)
	bobUser, bobDev, bobIdentity := registerDevice(t, svc)
	if _, err := svc.GenerateOneTimeKeys(ctx, bobUser, bobDev, 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	result, err := svc.EstablishOutbound(ctx, service.EstablishInput{
		LocalUserID: aliceUser, LocalDeviceID: aliceDev, LocalIdentity: aliceIdentity,
		RemoteUserID: bobUser, RemoteDeviceID: bobDev,
	})
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	bobSession, err := svc.AcceptInbound(ctx, service.AcceptInput{
		LocalUserID: bobUser, LocalDeviceID: bobDev, LocalIdentity: bobIdentity,
		SenderUserID: aliceUser, SenderDeviceID: aliceDev,
		Handshake: fetchHandshake(t, svc, bobUser, bobDev),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	env, err := svc.EncryptMessage(ctx, aliceUser, aliceDev, result.SessionID, []byte("original"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := *env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xff
	if _, err := svc.DecryptMessage(ctx, bobUser, bobDev, bobSession, &tampered); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}

	// The failed attempt rolled back, so the original still decrypts.
	plaintext, err := svc.DecryptMessage(ctx, bobUser, bobDev, bobSession, env)
	if err != nil {
		t.Fatalf("decrypt original: %v", err)
	}
	if string(plaintext) != "original" {
		t.Fatalf("mismatch after rollback: %q", plaintext)
	}
}

func TestSessionAccessScopedToOwner(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	aliceUser, aliceDev, aliceIdentity := registerDevice(t, svc)
	bobUser, bobDev, bobIdentity := registerDevice(t, svc)
	malloryUser, malloryDev, _ := registerDevice(t, svc)
	if _, err := svc.GenerateOneTimeKeys(ctx, bobUser, bobDev, 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	result, err := svc.EstablishOutbound(ctx, service.EstablishInput{
		LocalUserID: aliceUser, LocalDeviceID: aliceDev, LocalIdentity: aliceIdentity,
		RemoteUserID: bobUser, RemoteDeviceID: bobDev,
	})
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	bobSession, err := svc.AcceptInbound(ctx, service.AcceptInput{
		LocalUserID: bobUser, LocalDeviceID: bobDev, LocalIdentity: bobIdentity,
		SenderUserID: aliceUser, SenderDeviceID: aliceDev,
		Handshake: fetchHandshake(t, svc, bobUser, bobDev),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// A third device that learns the session ids cannot drive either ratchet.
	if _, err := svc.EncryptMessage(ctx, malloryUser, malloryDev, result.SessionID, []byte("x")); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign encrypt, got %v", err)
	}
	env, err := svc.EncryptMessage(ctx, aliceUser, aliceDev, result.SessionID, []byte("scoped"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := svc.DecryptMessage(ctx, malloryUser, malloryDev, bobSession, env); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign decrypt, got %v", err)
	}

	// The owner still reads it afterwards.
	plaintext, err := svc.DecryptMessage(ctx, bobUser, bobDev, bobSession, env)
	if err != nil {
		t.Fatalf("owner decrypt: %v", err)
	}
	if string(plaintext) != "scoped" {
		t.Fatalf("owner decrypt mismatch: %q", plaintext)
	}
}

func TestSessionVersionConflict(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()

	aliceUser, aliceDev, aliceIdentity := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)
	if _, err := svc.GenerateOneTimeKeys(ctx, bobUser, bobDev, 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	result, err := svc.EstablishOutbound(ctx, service.EstablishInput{
		LocalUserID: aliceUser, LocalDeviceID: aliceDev, LocalIdentity: aliceIdentity,
		RemoteUserID: bobUser, RemoteDeviceID: bobDev,
	})
	if err != nil {
		t.Fatalf("establish: %v", err)
	}

	rec, err := st.OlmSessions().Get(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	now := time.Now().UTC()
	if err := st.OlmSessions().UpdateVersioned(ctx, rec.SessionID, rec.Version, rec.Pickle, rec.Nonce, now); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err = st.OlmSessions().UpdateVersioned(ctx, rec.SessionID, rec.Version, rec.Pickle, rec.Nonce, now)
	if !errors.Is(err, domain.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict on stale version, got %v", err)
	}
}

func importRoomKeys(t *testing.T, svc *service.Service, userID, deviceID uuid.UUID) []uuid.UUID {
	t.Helper()
	ctx := context.Background()

	msgs, err := svc.FetchToDevice(ctx, userID, deviceID, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var imported []uuid.UUID
	var acked []uuid.UUID
	for _, m := range msgs {
		if m.MessageType != service.MessageTypeRoomKey {
			continue
		}
		var payload service.RoomKeyPayload
		if err := json.Unmarshal(m.Content, &payload); err != nil {
			t.Fatalf("unmarshal room key: %v", err)
		}
		if err := svc.ImportRoomKey(ctx, userID, deviceID, m.SenderUserID, m.SenderDeviceID, payload); err != nil {
			t.Fatalf("import room key: %v", err)
		}
		sessionID, err := uuid.Parse(payload.Share.SessionID)
		if err != nil {
			t.Fatalf("parse session id: %v", err)
		}
		imported = append(imported, sessionID)
		acked = append(acked, m.ID)
	}
	if _, err := svc.AckToDevice(ctx, acked); err != nil {
		t.Fatalf("ack: %v", err)
	}
	return imported
}

func TestGroupMessagingWithLateJoiner(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	roomID := uuid.New()
	aliceUser, aliceDev, _ := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)
	carolUser, carolDev, _ := registerDevice(t, svc)

	if err := svc.AddRoomMember(ctx, roomID, aliceUser, aliceDev); err != nil {
		t.Fatalf("add alice: %v", err)
	}
	if err := svc.AddRoomMember(ctx, roomID, bobUser, bobDev); err != nil {
		t.Fatalf("add bob: %v", err)
	}

	env0, err := svc.EncryptGroup(ctx, roomID, aliceUser, aliceDev, []byte("m0"))
	if err != nil {
		t.Fatalf("encrypt m0: %v", err)
	}
	if env0.MessageIndex != 0 {
		t.Fatalf("expected index 0, got %d", env0.MessageIndex)
	}
	env1, err := svc.EncryptGroup(ctx, roomID, aliceUser, aliceDev, []byte("m1"))
	if err != nil {
		t.Fatalf("encrypt m1: %v", err)
	}
	if env1.SessionID != env0.SessionID || env1.MessageIndex != 1 {
		t.Fatalf("expected same session index 1, got %s/%d", env1.SessionID, env1.MessageIndex)
	}

	importRoomKeys(t, svc, bobUser, bobDev)
	plaintext, err := svc.DecryptGroup(ctx, bobDev, env0)
	if err != nil {
		t.Fatalf("bob decrypt m0: %v", err)
	}
	if string(plaintext) != "m0" {
		t.Fatalf("bob m0 mismatch: %q", plaintext)
	}

	// Carol joins at index 2: she receives the key exported at the current
	// position and must not read earlier messages.
	if err := svc.AddRoomMember(ctx, roomID, carolUser, carolDev); err != nil {
		t.Fatalf("add carol: %v", err)
	}
	importRoomKeys(t, svc, carolUser, carolDev)

	if _, err := svc.DecryptGroup(ctx, carolDev, env0); !errors.Is(err, domain.ErrHistoricalKeyRequired) {
		t.Fatalf("expected ErrHistoricalKeyRequired for carol on m0, got %v", err)
	}

	env2, err := svc.EncryptGroup(ctx, roomID, aliceUser, aliceDev, []byte("m2"))
	if err != nil {
		t.Fatalf("encrypt m2: %v", err)
	}
	plaintext, err = svc.DecryptGroup(ctx, carolDev, env2)
	if err != nil {
		t.Fatalf("carol decrypt m2: %v", err)
	}
	if string(plaintext) != "m2" {
		t.Fatalf("carol m2 mismatch: %q", plaintext)
	}

	// Unknown session for a device that never imported it.
	stranger := uuid.New()
	if _, err := svc.DecryptGroup(ctx, stranger, env2); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRotationByMessageCount(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	roomID := uuid.New()
	aliceUser, aliceDev, _ := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)
	if err := svc.AddRoomMember(ctx, roomID, aliceUser, aliceDev); err != nil {
		t.Fatalf("add alice: %v", err)
	}
	if err := svc.AddRoomMember(ctx, roomID, bobUser, bobDev); err != nil {
		t.Fatalf("add bob: %v", err)
	}

	// Threshold is 3 in the test config.
	var first uuid.UUID
	for i := 0; i < 3; i++ {
		env, err := svc.EncryptGroup(ctx, roomID, aliceUser, aliceDev, []byte("msg"))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if i == 0 {
			first = env.SessionID
		}
		if env.SessionID != first || env.MessageIndex != uint32(i) {
			t.Fatalf("unexpected envelope %d: %s/%d", i, env.SessionID, env.MessageIndex)
		}
	}

	env, err := svc.EncryptGroup(ctx, roomID, aliceUser, aliceDev, []byte("rotated"))
	if err != nil {
		t.Fatalf("encrypt after threshold: %v", err)
	}
	if env.SessionID == first {
		t.Fatalf("expected a fresh session after threshold")
	}
	if env.MessageIndex != 0 {
		t.Fatalf("expected index reset to 0, got %d", env.MessageIndex)
	}

	// Bob received both sessions and can still read everything.
	imported := importRoomKeys(t, svc, bobUser, bobDev)
	if len(imported) != 2 {
		t.Fatalf("expected 2 key shares for bob, got %d", len(imported))
	}
	plaintext, err := svc.DecryptGroup(ctx, bobDev, env)
	if err != nil {
		t.Fatalf("bob decrypt rotated: %v", err)
	}
	if string(plaintext) != "rotated" {
		t.Fatalf("rotated mismatch: %q", plaintext)
	}
}

func TestRotationOnMembershipRemoval(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	roomID := uuid.New()
	aliceUser, aliceDev, _ := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)
	eveUser, eveDev, _ := registerDevice(t, svc)
	for _, m := range []struct{ u, d uuid.UUID }{{aliceUser, aliceDev}, {bobUser, bobDev}, {eveUser, eveDev}} {
		if err := svc.AddRoomMember(ctx, roomID, m.u, m.d); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}

	env0, err := svc.EncryptGroup(ctx, roomID, aliceUser, aliceDev, []byte("before"))
	if err != nil {
		t.Fatalf("encrypt before: %v", err)
	}

	if err := svc.RemoveRoomMember(ctx, roomID, eveUser, eveDev); err != nil {
		t.Fatalf("remove eve: %v", err)
	}

	env1, err := svc.EncryptGroup(ctx, roomID, aliceUser, aliceDev, []byte("after"))
	if err != nil {
		t.Fatalf("encrypt after: %v", err)
	}
	if env1.SessionID == env0.SessionID {
		t.Fatalf("expected rotation after membership removal")
	}
	if env1.MessageIndex != 0 {
		t.Fatalf("expected fresh session at index 0, got %d", env1.MessageIndex)
	}

	// Eve holds the old session only; the new key was never queued to her.
	eveSessions := importRoomKeys(t, svc, eveUser, eveDev)
	for _, id := range eveSessions {
		if id == env1.SessionID {
			t.Fatalf("departed member received the rotated session key")
		}
	}
	if _, err := svc.DecryptGroup(ctx, eveDev, env1); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for eve on rotated session, got %v", err)
	}

	// Bob received both and reads both.
	importRoomKeys(t, svc, bobUser, bobDev)
	if _, err := svc.DecryptGroup(ctx, bobDev, env0); err != nil {
		t.Fatalf("bob decrypt before: %v", err)
	}
	if _, err := svc.DecryptGroup(ctx, bobDev, env1); err != nil {
		t.Fatalf("bob decrypt after: %v", err)
	}

	// Removing her again is a replay: no further rotation.
	if err := svc.RemoveRoomMember(ctx, roomID, eveUser, eveDev); err != nil {
		t.Fatalf("remove replay: %v", err)
	}
	env2, err := svc.EncryptGroup(ctx, roomID, aliceUser, aliceDev, []byte("steady"))
	if err != nil {
		t.Fatalf("encrypt steady: %v", err)
	}
	if env2.SessionID != env1.SessionID {
		t.Fatalf("replayed removal rotated the session again")
	}
}

func TestToDeviceFIFOAndAck(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	aliceUser, aliceDev, _ := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)

	// Back-to-back sends share timestamp granularity; ordering must come
	// from the assigned sequence, not the clock.
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := svc.SendToDevice(ctx, aliceUser, aliceDev, bobUser, bobDev, "test.payload", []byte{byte(i)})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	msgs, err := svc.FetchToDevice(ctx, bobUser, bobDev, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != ids[i] {
			t.Fatalf("message %d out of order", i)
		}
	}

	// Fetch does not consume.
	again, err := svc.FetchToDevice(ctx, bobUser, bobDev, 0)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(again) != 3 {
		t.Fatalf("fetch consumed messages: %d left", len(again))
	}

	deleted, err := svc.AckToDevice(ctx, ids[:2])
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	remaining, err := svc.FetchToDevice(ctx, bobUser, bobDev, 0)
	if err != nil {
		t.Fatalf("fetch remaining: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != ids[2] {
		t.Fatalf("unexpected remaining mailbox: %+v", remaining)
	}

	// Re-acking is a no-op.
	deleted, err = svc.AckToDevice(ctx, ids[:2])
	if err != nil {
		t.Fatalf("re-ack: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected idempotent ack, deleted %d", deleted)
	}

	// Sends to unregistered devices are refused.
	if _, err := svc.SendToDevice(ctx, aliceUser, aliceDev, uuid.New(), uuid.New(), "test.payload", nil); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestCleanupSweeps(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()

	aliceUser, aliceDev, _ := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)

	// Claimed key past retention.
	if _, err := svc.GenerateOneTimeKeys(ctx, bobUser, bobDev, 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := svc.ClaimOneTimeKeys(ctx, aliceUser, aliceDev, map[uuid.UUID][]uuid.UUID{bobUser: {bobDev}}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := st.DB.Model(&domain.OneTimeKey{}).Where("claimed").Update("claimed_at", old).Error; err != nil {
		t.Fatalf("backdate claim: %v", err)
	}
	deleted, err := svc.CleanupClaimedKeys(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 claimed key deleted, got %d", deleted)
	}

	// Stale to-device message.
	if _, err := svc.SendToDevice(ctx, aliceUser, aliceDev, bobUser, bobDev, "test.payload", []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := st.DB.Model(&domain.ToDeviceMessage{}).Where("1 = 1").Update("created_at", old).Error; err != nil {
		t.Fatalf("backdate message: %v", err)
	}
	purged, err := svc.PurgeToDevice(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
}

func TestAgeRotationSweep(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()

	roomID := uuid.New()
	aliceUser, aliceDev, _ := registerDevice(t, svc)
	bobUser, bobDev, _ := registerDevice(t, svc)
	if err := svc.AddRoomMember(ctx, roomID, aliceUser, aliceDev); err != nil {
		t.Fatalf("add alice: %v", err)
	}
	if err := svc.AddRoomMember(ctx, roomID, bobUser, bobDev); err != nil {
		t.Fatalf("add bob: %v", err)
	}

	env, err := svc.EncryptGroup(ctx, roomID, aliceUser, aliceDev, []byte("aging"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// MaxSessionAge is one hour in the test config.
	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := st.DB.Model(&domain.MegolmOutboundSession{}).
		Where("session_id = ?", env.SessionID).
		Update("created_at", old).Error; err != nil {
		t.Fatalf("backdate session: %v", err)
	}

	rotated, err := svc.RotateAgedSessions(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rotated != 1 {
		t.Fatalf("expected 1 rotation, got %d", rotated)
	}

	current, err := st.Megolm().CurrentOutbound(ctx, roomID, aliceDev)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.SessionID == env.SessionID {
		t.Fatalf("sweep did not install a fresh session")
	}
	if current.MessageIndex != 0 {
		t.Fatalf("fresh session should start at index 0, got %d", current.MessageIndex)
	}
}
