package domain

import "errors"

var (
	// ErrKeyExhausted: no unclaimed one-time key exists for the target
	// device. The device should replenish its pool.
	ErrKeyExhausted = errors.New("one-time key pool exhausted")
	// ErrClaimConflict: lost a race for a specific key row. Benign; the
	// caller retries against the next candidate.
	ErrClaimConflict = errors.New("one-time key claim conflict")
	// ErrDecryptionFailed: ciphertext failed authentication. Ratchet state
	// is not advanced.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrSessionConflict: lost an optimistic-concurrency race on ratchet
	// state. The operation must be retried from a fresh load.
	ErrSessionConflict = errors.New("session version conflict")
	// ErrSessionDesynced: stored ratchet state is unreadable or corrupted.
	// Requires full re-establishment, not retry.
	ErrSessionDesynced = errors.New("session desynchronized")
	// ErrHistoricalKeyRequired: inbound decrypt below first_known_index.
	// Triggers a room-key re-request, not a user-visible error.
	ErrHistoricalKeyRequired = errors.New("historical room key required")
	ErrDuplicateDevice       = errors.New("device already registered with a different identity key")
	ErrRateLimited           = errors.New("rate limited")

	ErrDeviceNotFound  = errors.New("device not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRequest  = errors.New("invalid request")
)
