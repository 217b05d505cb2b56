package http

import (
	"log/slog"
	"net/http"
	"strconv"

	obsmw "novakeys/internal/observability/middleware"
	"novakeys/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type registerDeviceRequest struct {
	IdentityKey string `json:"identity_key"`
	SigningKey  string `json:"signing_key,omitempty"`
}

func (h *Handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req registerDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	device, err := h.svc.RegisterDevice(r.Context(), service.RegisterDeviceInput{
		UserID:      id.UserID,
		DeviceID:    id.DeviceID,
		IdentityKey: req.IdentityKey,
		SigningKey:  req.SigningKey,
	})
	if err != nil {
		reqID := obsmw.RequestIDFromContext(r.Context())
		slog.Warn("device registration failed", "error", err, "request_id", reqID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":      device.UserID,
		"device_id":    device.DeviceID,
		"identity_key": device.IdentityKey,
		"signing_key":  device.SigningKey,
		"created_at":   device.CreatedAt,
	})
}

type uploadKeysRequest struct {
	Count int `json:"count"`
}

func (h *Handler) uploadOneTimeKeys(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req uploadKeysRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	uploaded, err := h.svc.GenerateOneTimeKeys(r.Context(), id.UserID, id.DeviceID, req.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"uploaded_count": uploaded})
}

func (h *Handler) oneTimeKeyCount(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	count, err := h.svc.AvailableCount(r.Context(), id.UserID, id.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"available": count})
}

type claimRequest struct {
	OneTimeKeys map[uuid.UUID][]uuid.UUID `json:"one_time_keys"`
}

func (h *Handler) claimOneTimeKeys(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.svc.ClaimOneTimeKeys(r.Context(), id.UserID, id.DeviceID, req.OneTimeKeys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claimed": result.Claimed,
		"failed":  result.Failed,
	})
}

type queryDevicesRequest struct {
	UserIDs []uuid.UUID `json:"user_ids"`
}

func (h *Handler) queryDevices(w http.ResponseWriter, r *http.Request) {
	var req queryDevicesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	devices, err := h.svc.QueryDevices(r.Context(), req.UserIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type establishRequest struct {
	IdentityPrivate string    `json:"identity_private"`
	IdentityPublic  string    `json:"identity_public"`
	RemoteUserID    uuid.UUID `json:"remote_user_id"`
	RemoteDeviceID  uuid.UUID `json:"remote_device_id"`
}

func (h *Handler) establishSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req establishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	identity, err := parseKeyPair(req.IdentityPrivate, req.IdentityPublic)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.svc.EstablishOutbound(r.Context(), service.EstablishInput{
		LocalUserID:    id.UserID,
		LocalDeviceID:  id.DeviceID,
		LocalIdentity:  identity,
		RemoteUserID:   req.RemoteUserID,
		RemoteDeviceID: req.RemoteDeviceID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": result.SessionID,
		"handshake":  result.Handshake,
	})
}

type acceptRequest struct {
	IdentityPrivate string            `json:"identity_private"`
	IdentityPublic  string            `json:"identity_public"`
	SenderUserID    uuid.UUID         `json:"sender_user_id"`
	SenderDeviceID  uuid.UUID         `json:"sender_device_id"`
	Handshake       service.Handshake `json:"handshake"`
}

func (h *Handler) acceptSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req acceptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	identity, err := parseKeyPair(req.IdentityPrivate, req.IdentityPublic)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID, err := h.svc.AcceptInbound(r.Context(), service.AcceptInput{
		LocalUserID:    id.UserID,
		LocalDeviceID:  id.DeviceID,
		LocalIdentity:  identity,
		SenderUserID:   req.SenderUserID,
		SenderDeviceID: req.SenderDeviceID,
		Handshake:      req.Handshake,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uuid.UUID{"session_id": sessionID})
}

type plaintextRequest struct {
	Plaintext []byte `json:"plaintext"`
}

func (h *Handler) encryptMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	var req plaintextRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	envelope, err := h.svc.EncryptMessage(r.Context(), id.UserID, id.DeviceID, sessionID, req.Plaintext)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (h *Handler) decryptMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	var env service.Envelope
	if err := decodeBody(r, &env); err != nil {
		writeError(w, err)
		return
	}
	plaintext, err := h.svc.DecryptMessage(r.Context(), id.UserID, id.DeviceID, sessionID, &env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"plaintext": plaintext})
}

func (h *Handler) encryptGroup(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	roomID, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	var req plaintextRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	envelope, err := h.svc.EncryptGroup(r.Context(), roomID, id.UserID, id.DeviceID, req.Plaintext)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (h *Handler) decryptGroup(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var env service.GroupEnvelope
	if err := decodeBody(r, &env); err != nil {
		writeError(w, err)
		return
	}
	plaintext, err := h.svc.DecryptGroup(r.Context(), id.DeviceID, &env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"plaintext": plaintext})
}

type memberRequest struct {
	UserID   uuid.UUID `json:"user_id"`
	DeviceID uuid.UUID `json:"device_id"`
}

func (h *Handler) addRoomMember(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	var req memberRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.AddRoomMember(r.Context(), roomID, req.UserID, req.DeviceID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRoomMember(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	if err := h.svc.RemoveRoomMember(r.Context(), roomID, userID, deviceID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importRoomKeyRequest struct {
	SenderUserID   uuid.UUID              `json:"sender_user_id"`
	SenderDeviceID uuid.UUID              `json:"sender_device_id"`
	Payload        service.RoomKeyPayload `json:"payload"`
}

func (h *Handler) importRoomKey(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req importRoomKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := h.svc.ImportRoomKey(r.Context(), id.UserID, id.DeviceID, req.SenderUserID, req.SenderDeviceID, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type shareRoomKeyRequest struct {
	SessionID         uuid.UUID `json:"session_id"`
	Index             uint32    `json:"index"`
	RecipientUserID   uuid.UUID `json:"recipient_user_id"`
	RecipientDeviceID uuid.UUID `json:"recipient_device_id"`
}

func (h *Handler) shareRoomKey(w http.ResponseWriter, r *http.Request) {
	var req shareRoomKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := h.svc.ShareHistoricalKey(r.Context(), req.SessionID, req.Index, req.RecipientUserID, req.RecipientDeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fetchToDevice(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	msgs, err := h.svc.FetchToDevice(r.Context(), id.UserID, id.DeviceID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendToDeviceRequest struct {
	RecipientUserID   uuid.UUID `json:"recipient_user_id"`
	RecipientDeviceID uuid.UUID `json:"recipient_device_id"`
	MessageType       string    `json:"message_type"`
	Content           []byte    `json:"content"`
}

func (h *Handler) sendToDevice(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req sendToDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	msgID, err := h.svc.SendToDevice(r.Context(), id.UserID, id.DeviceID,
		req.RecipientUserID, req.RecipientDeviceID, req.MessageType, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"message_id": msgID})
}

type ackRequest struct {
	MessageIDs []uuid.UUID `json:"message_ids"`
}

func (h *Handler) ackToDevice(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	deleted, err := h.svc.AckToDevice(r.Context(), req.MessageIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
