// Package service implements the key-management and session-establishment
// core: device registry, one-time key claims, pairwise and group ratchet
// session management, and the to-device signaling mailbox.
//
// Every cross-request invariant is enforced through database transactions,
// never in-process locks: claims use lock-and-skip-locked selection, ratchet
// mutations use load-check-write with an explicit version counter. There is
// no in-memory session cache; every operation reloads the authoritative
// persisted state.
package service

import (
	"log/slog"
	"time"

	"novakeys/internal/pickle"
	"novakeys/internal/store"
)

type Config struct {
	RotationThreshold   int64
	MaxSessionAge       time.Duration
	ClaimedKeyRetention time.Duration
	ToDeviceRetention   time.Duration
	LowStockThreshold   int64
}

func DefaultConfig() Config {
	return Config{
		RotationThreshold:   1000,
		MaxSessionAge:       7 * 24 * time.Hour,
		ClaimedKeyRetention: 30 * 24 * time.Hour,
		ToDeviceRetention:   7 * 24 * time.Hour,
		LowStockThreshold:   10,
	}
}

type Service struct {
	store  *store.Store
	codec  *pickle.Codec
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func New(st *store.Store, codec *pickle.Codec, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RotationThreshold <= 0 {
		cfg.RotationThreshold = DefaultConfig().RotationThreshold
	}
	if cfg.MaxSessionAge <= 0 {
		cfg.MaxSessionAge = DefaultConfig().MaxSessionAge
	}
	return &Service{
		store:  st,
		codec:  codec,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}
