package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"novakeys/internal/cryptocore"
	"novakeys/internal/domain"
	obsmw "novakeys/internal/observability/middleware"
	"novakeys/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	svc *service.Service
}

func NewRouter(svc *service.Service, auth *Authenticator) http.Handler {
	h := &Handler{svc: svc}

	r := chi.NewRouter()
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(obsmw.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(httprate.LimitByIP(300, time.Minute))

		r.Post("/keys/device/register", h.registerDevice)
		r.Post("/keys/one-time/upload", h.uploadOneTimeKeys)
		r.Get("/keys/one-time/count", h.oneTimeKeyCount)
		r.Post("/keys/claim", h.claimOneTimeKeys)
		r.Post("/keys/query", h.queryDevices)

		r.Post("/sessions/establish", h.establishSession)
		r.Post("/sessions/accept", h.acceptSession)
		r.Post("/sessions/{sessionID}/encrypt", h.encryptMessage)
		r.Post("/sessions/{sessionID}/decrypt", h.decryptMessage)

		r.Post("/rooms/{roomID}/messages", h.encryptGroup)
		r.Post("/rooms/messages/decrypt", h.decryptGroup)
		r.Post("/rooms/{roomID}/members", h.addRoomMember)
		r.Delete("/rooms/{roomID}/members/{userID}/{deviceID}", h.removeRoomMember)
		r.Post("/rooms/keys/import", h.importRoomKey)
		r.Post("/rooms/keys/share", h.shareRoomKey)

		r.Get("/todevice", h.fetchToDevice)
		r.Post("/todevice/send", h.sendToDevice)
		r.Post("/todevice/ack", h.ackToDevice)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrDecryptionFailed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDeviceNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateDevice),
		errors.Is(err, domain.ErrSessionConflict),
		errors.Is(err, domain.ErrClaimConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrKeyExhausted):
		return http.StatusGone
	case errors.Is(err, domain.ErrSessionDesynced), errors.Is(err, domain.ErrHistoricalKeyRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

// parseKeyPair rebuilds the device-held identity keypair supplied with
// session establishment calls. The private half is never persisted.
func parseKeyPair(privB64, pubB64 string) (cryptocore.KeyPair, error) {
	priv, err := parseKey(privB64)
	if err != nil {
		return cryptocore.KeyPair{}, err
	}
	pub, err := parseKey(pubB64)
	if err != nil {
		return cryptocore.KeyPair{}, err
	}
	return cryptocore.KeyPair{Private: priv, Public: pub}, nil
}

func parseKey(in string) ([32]byte, error) {
	data, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: malformed key: %v", domain.ErrInvalidRequest, err)
	}
	if len(data) != 32 {
		return [32]byte{}, fmt.Errorf("%w: key must be 32 bytes", domain.ErrInvalidRequest)
	}
	var out [32]byte
	copy(out[:], data)
	return out, nil
}
