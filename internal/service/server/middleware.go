package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"

	"chat_relay/internal/service/auth"
)

// Signed-request headers. The challenge is `timestamp.requestBody`.
const (
	HeaderUserID    = "X-User-Id"
	HeaderDeviceID  = "X-Device-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

type ctxKey int

const identityKey ctxKey = 0

// IdentityFrom returns the verified identity the middleware attached.
func IdentityFrom(ctx context.Context) *auth.Identity {
	ident, _ := ctx.Value(identityKey).(*auth.Identity)
	return ident
}

// SignedRequest authenticates header-signed requests and rejects with
// 400 (malformed), 401 (expired), 403 (invalid signature) or 500.
func (s *HttpServer) SignedRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		deviceID := r.Header.Get(HeaderDeviceID)

		timestamp, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		if err != nil {
			http.Error(w, "malformed timestamp header", http.StatusBadRequest)
			return
		}

		sig, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderSignature))
		if err != nil {
			http.Error(w, "malformed signature header", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ident, err := s.verifier.VerifyRequest(r.Context(), userID, deviceID, timestamp, sig, body)
		if err != nil {
			http.Error(w, err.Error(), authStatus(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, ident)))
	})
}

func authStatus(err error) int {
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) {
		return http.StatusInternalServerError
	}

	switch authErr.Code {
	case auth.CodeMissingFields:
		return http.StatusBadRequest
	case auth.CodeExpired:
		return http.StatusUnauthorized
	case auth.CodeInvalidSignature:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
