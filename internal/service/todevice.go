package service

import (
	"context"
	"fmt"
	"time"

	"novakeys/internal/domain"
	"novakeys/internal/observability/metrics"
	"novakeys/internal/store"

	"github.com/google/uuid"
)

// ToDeviceMessage is the delivery form handed to fetching clients.
type ToDeviceMessage struct {
	ID             uuid.UUID `json:"id"`
	SenderUserID   uuid.UUID `json:"senderUserId"`
	SenderDeviceID uuid.UUID `json:"senderDeviceId"`
	MessageType    string    `json:"messageType"`
	Content        []byte    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SendToDevice queues an opaque payload for a specific recipient device.
// Delivery is at-least-once: the message stays queued until acked.
func (s *Service) SendToDevice(ctx context.Context, senderUser, senderDevice, recipientUser, recipientDevice uuid.UUID, msgType string, content []byte) (uuid.UUID, error) {
	if msgType == "" {
		return uuid.Nil, fmt.Errorf("%w: missing message type", domain.ErrInvalidRequest)
	}
	msg := domain.ToDeviceMessage{
		ID:                uuid.New(),
		SenderUserID:      senderUser,
		SenderDeviceID:    senderDevice,
		RecipientUserID:   recipientUser,
		RecipientDeviceID: recipientDevice,
		MessageType:       msgType,
		Content:           content,
		CreatedAt:         s.now().UTC(),
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Devices().Get(ctx, recipientUser, recipientDevice); err != nil {
			if err == store.ErrRecordNotFound {
				return domain.ErrDeviceNotFound
			}
			return err
		}
		return tx.ToDevice().Append(ctx, &msg)
	})
	if err != nil {
		return uuid.Nil, err
	}
	metrics.ToDeviceMessagesTotal.WithLabelValues("sent").Inc()
	return msg.ID, nil
}

// FetchToDevice returns the device's pending mailbox oldest first. Fetching
// does not consume: the same messages reappear until acked.
func (s *Service) FetchToDevice(ctx context.Context, userID, deviceID uuid.UUID, limit int) ([]ToDeviceMessage, error) {
	rows, err := s.store.ToDevice().FetchPending(ctx, userID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ToDeviceMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToDeviceMessage{
			ID:             row.ID,
			SenderUserID:   row.SenderUserID,
			SenderDeviceID: row.SenderDeviceID,
			MessageType:    row.MessageType,
			Content:        row.Content,
			CreatedAt:      row.CreatedAt,
		})
	}
	metrics.ToDeviceMessagesTotal.WithLabelValues("fetched").Add(float64(len(out)))
	return out, nil
}

// AckToDevice deletes acknowledged messages and reports how many were
// actually removed. Re-acking is a harmless no-op.
func (s *Service) AckToDevice(ctx context.Context, ids []uuid.UUID) (int64, error) {
	deleted, err := s.store.ToDevice().AckDelete(ctx, ids)
	if err != nil {
		return 0, err
	}
	metrics.ToDeviceMessagesTotal.WithLabelValues("acked").Add(float64(deleted))
	return deleted, nil
}
