package service

import (
	"context"
	"errors"
	"fmt"

	"novakeys/internal/cryptocore"
	"novakeys/internal/domain"
	"novakeys/internal/store"

	"github.com/google/uuid"
)

func (s *Service) sealEmptyAccount(userID, deviceID uuid.UUID) (domain.OlmAccount, error) {
	snap, err := cryptocore.NewAccount().Export()
	if err != nil {
		return domain.OlmAccount{}, err
	}
	blob, nonce, err := s.codec.Seal(snap)
	if err != nil {
		return domain.OlmAccount{}, err
	}
	return domain.OlmAccount{
		UserID:   userID,
		DeviceID: deviceID,
		Pickle:   blob,
		Nonce:    nonce,
		Version:  1,
	}, nil
}

// loadAccount opens the device's account pickle. An unreadable pickle means
// the stored key material is unusable with the current master key.
func (s *Service) loadAccount(ctx context.Context, tx *store.Store, userID, deviceID uuid.UUID) (*cryptocore.Account, *domain.OlmAccount, error) {
	rec, err := tx.Accounts().Get(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil, domain.ErrDeviceNotFound
		}
		return nil, nil, err
	}
	var snap cryptocore.AccountSnapshot
	if err := s.codec.Open(rec.Pickle, rec.Nonce, &snap); err != nil {
		return nil, nil, fmt.Errorf("%w: account pickle unreadable", domain.ErrSessionDesynced)
	}
	account, err := cryptocore.ImportAccount(&snap)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrSessionDesynced, err)
	}
	return account, rec, nil
}

func (s *Service) saveAccount(ctx context.Context, tx *store.Store, rec *domain.OlmAccount, account *cryptocore.Account) error {
	snap, err := account.Export()
	if err != nil {
		return err
	}
	blob, nonce, err := s.codec.Seal(snap)
	if err != nil {
		return err
	}
	return tx.Accounts().UpdateVersioned(ctx, rec.UserID, rec.DeviceID, rec.Version, blob, nonce)
}
