package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"chat_relay/internal/service/migration"

	"github.com/gorilla/mux"
)

// CreateMigrationSession opens a session for the authenticated source
// device and returns the pairing code.
func (s *HttpServer) CreateMigrationSession() http.HandlerFunc {
	type response struct {
		SessionID string `json:"sessionId"`
		Code      string `json:"code"`
		ExpiresAt int64  `json:"expiresAt"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFrom(r.Context())

		sess, err := s.migrations.CreateSession(r.Context(), ident.UserID, ident.DeviceID, ident.PublicKey)
		if err != nil {
			migrationError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, &response{
			SessionID: sess.ID,
			Code:      sess.SessionCode,
			ExpiresAt: sess.ExpiresAt.Unix(),
		})
	}
}

// RegisterTargetDevice redeems a pairing code on the new device. The
// code is the credential here; the target has no registered key yet.
func (s *HttpServer) RegisterTargetDevice() http.HandlerFunc {
	type request struct {
		Code            string `json:"code"`
		TargetDeviceID  string `json:"targetDeviceId"`
		TargetPublicKey []byte `json:"targetPublicKey"`
	}
	type response struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" || req.TargetDeviceID == "" {
			http.Error(w, "code and targetDeviceId are required", http.StatusBadRequest)
			return
		}

		sess, err := s.migrations.RegisterTargetDevice(r.Context(), req.Code, req.TargetDeviceID, req.TargetPublicKey)
		if err != nil {
			migrationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, &response{SessionID: sess.ID, Status: sess.Status})
	}
}

func (s *HttpServer) StorePayload() http.HandlerFunc {
	type request struct {
		Payload []byte `json:"payload"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFrom(r.Context())
		sessionID := mux.Vars(r)["id"]

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Payload) == 0 {
			http.Error(w, "payload is required", http.StatusBadRequest)
			return
		}

		err := s.migrations.StorePayload(r.Context(), sessionID, ident.UserID, ident.DeviceID, ident.PublicKey, req.Payload)
		if err != nil {
			migrationError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) RetrievePayload() http.HandlerFunc {
	type response struct {
		Payload []byte `json:"payload"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["id"]

		payload, err := s.migrations.RetrievePayload(r.Context(), sessionID)
		if err != nil {
			migrationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, &response{Payload: payload})
	}
}

func (s *HttpServer) CompleteMigrationSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.migrations.CompleteSession(r.Context(), mux.Vars(r)["id"]); err != nil {
			migrationError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) CancelMigrationSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.migrations.CancelSession(r.Context(), mux.Vars(r)["id"]); err != nil {
			migrationError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func migrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, migration.ErrSessionNotFound), errors.Is(err, migration.ErrPayloadMissing):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, migration.ErrSessionExpired):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, migration.ErrInvalidState), errors.Is(err, migration.ErrTooManySessions):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "unexpected error", http.StatusInternalServerError)
	}
}
