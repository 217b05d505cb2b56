package service

import (
	"context"

	"novakeys/internal/store"
)

// CleanupClaimedKeys deletes claimed one-time key rows past the retention
// window. Unclaimed keys are never expired.
func (s *Service) CleanupClaimedKeys(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.ClaimedKeyRetention)
	deleted, err := s.store.OneTimeKeys().DeleteClaimedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("claimed one-time keys purged", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// PurgeToDevice drops unacked to-device messages older than the retention
// window. Recipients that stay offline longer than that lose the payloads.
func (s *Service) PurgeToDevice(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.ToDeviceRetention)
	purged, err := s.store.ToDevice().PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("stale to-device messages purged", "purged", purged, "cutoff", cutoff)
	}
	return purged, nil
}

// RotateAgedSessions rotates every current group session that is past its
// maximum age or carries a pending membership flag, without waiting for the
// sender's next encrypt.
func (s *Service) RotateAgedSessions(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.MaxSessionAge)
	due, err := s.store.Megolm().ListRotatable(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	rotated := 0
	for i := range due {
		rec := &due[i]
		reason, ok := s.rotationDue(rec)
		if !ok {
			continue
		}
		err := s.store.WithTx(ctx, func(tx *store.Store) error {
			if err := tx.Megolm().SupersedeOutbound(ctx, rec.RoomID, rec.CreatorDeviceID); err != nil {
				return err
			}
			_, _, err := s.freshOutbound(ctx, tx, rec.RoomID, rec.CreatorUserID, rec.CreatorDeviceID, reason)
			return err
		})
		if err != nil {
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}
