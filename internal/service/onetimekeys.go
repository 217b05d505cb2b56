package service

import (
	"context"
	"errors"
	"fmt"

	"novakeys/internal/domain"
	"novakeys/internal/observability/metrics"
	"novakeys/internal/store"

	"github.com/google/uuid"
)

type ClaimedKey struct {
	KeyID     uuid.UUID `json:"keyId"`
	PublicKey string    `json:"publicKey"`
}

// ClaimResult partitions a multi-device claim: partial availability across
// devices is the expected common case, never all-or-nothing.
type ClaimResult struct {
	Claimed map[uuid.UUID]map[uuid.UUID]ClaimedKey
	Failed  []ClaimFailure
}

type ClaimFailure struct {
	UserID   uuid.UUID `json:"userId"`
	DeviceID uuid.UUID `json:"deviceId"`
	Reason   string    `json:"reason"`
}

// GenerateOneTimeKeys mints count fresh prekey pairs for the device. Private
// halves stay inside the account pickle; only public halves are persisted as
// claimable rows. Duplicate key ids are dropped by ON CONFLICT, so retries
// after a partial failure are safe.
func (s *Service) GenerateOneTimeKeys(ctx context.Context, userID, deviceID uuid.UUID, count int) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("%w: count must be positive", domain.ErrInvalidRequest)
	}

	var stored int
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		account, rec, err := s.loadAccount(ctx, tx, userID, deviceID)
		if err != nil {
			return err
		}
		keys, err := account.GenerateOneTimeKeys(count)
		if err != nil {
			return err
		}
		rows := make([]domain.OneTimeKey, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, domain.OneTimeKey{
				ID:        uuid.New(),
				UserID:    userID,
				DeviceID:  deviceID,
				KeyID:     k.ID,
				PublicKey: encodeKey(k.Public),
				CreatedAt: s.now().UTC(),
			})
		}
		if err := tx.OneTimeKeys().AddBatch(ctx, rows); err != nil {
			return err
		}
		if err := s.saveAccount(ctx, tx, rec, account); err != nil {
			return err
		}
		stored = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("one-time keys uploaded", "user_id", userID, "device_id", deviceID, "count", stored)
	return stored, nil
}

// AvailableCount reports the unclaimed pool size, used to detect low stock.
func (s *Service) AvailableCount(ctx context.Context, userID, deviceID uuid.UUID) (int64, error) {
	count, err := s.store.OneTimeKeys().AvailableCount(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	if count < s.cfg.LowStockThreshold {
		s.logger.Warn("one-time key stock low", "user_id", userID, "device_id", deviceID, "available", count)
	}
	return count, nil
}

// ClaimOneTimeKeys claims one key per requested target device on behalf of
// the claimant. Each device claim is its own transaction: exhaustion or a
// lost race on one target never rolls back keys already claimed for others.
func (s *Service) ClaimOneTimeKeys(ctx context.Context, claimantUser, claimantDevice uuid.UUID, targets map[uuid.UUID][]uuid.UUID) (*ClaimResult, error) {
	result := &ClaimResult{Claimed: make(map[uuid.UUID]map[uuid.UUID]ClaimedKey)}
	for targetUser, deviceIDs := range targets {
		for _, targetDevice := range deviceIDs {
			key, err := s.claimOne(ctx, targetUser, targetDevice, claimantUser, claimantDevice)
			if err != nil {
				reason := "error"
				switch {
				case errors.Is(err, domain.ErrKeyExhausted):
					reason = "exhausted"
					metrics.OneTimeKeyClaimsTotal.WithLabelValues("exhausted").Inc()
				case errors.Is(err, domain.ErrClaimConflict):
					reason = "conflict"
					metrics.OneTimeKeyClaimsTotal.WithLabelValues("conflict").Inc()
				default:
					return nil, err
				}
				result.Failed = append(result.Failed, ClaimFailure{UserID: targetUser, DeviceID: targetDevice, Reason: reason})
				continue
			}
			metrics.OneTimeKeyClaimsTotal.WithLabelValues("claimed").Inc()
			if result.Claimed[targetUser] == nil {
				result.Claimed[targetUser] = make(map[uuid.UUID]ClaimedKey)
			}
			result.Claimed[targetUser][targetDevice] = *key
		}
	}
	return result, nil
}

func (s *Service) claimOne(ctx context.Context, targetUser, targetDevice, claimantUser, claimantDevice uuid.UUID) (*ClaimedKey, error) {
	var claimed *ClaimedKey
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.OneTimeKeys().ClaimNext(ctx, targetUser, targetDevice, claimantUser, claimantDevice)
		if err != nil {
			return err
		}
		if row == nil {
			return domain.ErrKeyExhausted
		}
		claimed = &ClaimedKey{KeyID: row.KeyID, PublicKey: row.PublicKey}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("one-time key claimed",
		"target_user", targetUser, "target_device", targetDevice,
		"claimant_user", claimantUser, "claimant_device", claimantDevice,
		"key_id", claimed.KeyID)
	return claimed, nil
}
