package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"chat_relay/internal/model"
	userRepo "chat_relay/internal/repository/user"
	"chat_relay/internal/service/auth"
	"chat_relay/internal/service/migration"
	"chat_relay/internal/service/registry"
	"chat_relay/internal/service/relay"
	"chat_relay/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// authReadTimeout bounds how long a fresh connection may sit silent
// before its auth frame; it mirrors the challenge replay window.
const authReadTimeout = 5 * time.Minute

type (
	HttpServer struct {
		addr       string
		verifier   *auth.Verifier
		registry   *registry.Registry
		relay      *relay.Relay
		users      *userRepo.UserRepo
		deviceKeys DeviceKeyLister
		migrations *migration.Coordinator
	}

	// DeviceKeyLister exposes the public half of a user's keys for the
	// lookup endpoint.
	DeviceKeyLister interface {
		ListActive(ctx context.Context, userID string) ([]*model.DeviceKey, error)
	}
)

func NewHttpServer(addr string, verifier *auth.Verifier, reg *registry.Registry, rel *relay.Relay, users *userRepo.UserRepo, deviceKeys DeviceKeyLister, migrations *migration.Coordinator) *HttpServer {
	return &HttpServer{
		addr:       addr,
		verifier:   verifier,
		registry:   reg,
		relay:      rel,
		users:      users,
		deviceKeys: deviceKeys,
		migrations: migrations,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/connect", s.HandleConnect()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{userId}", s.GetPublicKeys()).Methods(http.MethodGet)

	// the pairing code (and later the internal session id) is the
	// credential on the target side, which has no registered key yet
	r.HandleFunc("/migration/sessions/register", s.RegisterTargetDevice()).Methods(http.MethodPost)
	r.HandleFunc("/migration/sessions/{id}/payload", s.RetrievePayload()).Methods(http.MethodGet)

	signed := r.NewRoute().Subrouter()
	signed.Use(s.SignedRequest)
	signed.HandleFunc("/migration/sessions", s.CreateMigrationSession()).Methods(http.MethodPost)
	signed.HandleFunc("/migration/sessions/{id}/payload", s.StorePayload()).Methods(http.MethodPut)
	signed.HandleFunc("/migration/sessions/{id}/complete", s.CompleteMigrationSession()).Methods(http.MethodPost)
	signed.HandleFunc("/migration/sessions/{id}/cancel", s.CancelMigrationSession()).Methods(http.MethodPost)

	return r
}

func (s *HttpServer) Run() error {
	log.Info("listening", zap.String("addr", s.addr))
	return http.ListenAndServe(s.addr, s.Router())
}

func (s *HttpServer) HandleConnect() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "Failed to upgrade", http.StatusInternalServerError)
			return
		}

		sess, ok := s.authenticate(r.Context(), conn)
		if !ok {
			return
		}

		go s.processFrames(sess, conn)

		s.announcePresence(r.Context(), sess)
		if err := s.relay.FlushMailbox(context.Background(), sess.UserID); err != nil {
			log.Error("mailbox flush failed", zap.String("userID", sess.UserID), zap.Error(err))
		}
	}
}

// authenticate enforces the auth-challenge-first contract: the first
// frame resolves to an identity or the connection dies with a policy
// violation close.
func (s *HttpServer) authenticate(ctx context.Context, conn *websocket.Conn) (*registry.Session, bool) {
	conn.SetReadDeadline(time.Now().Add(authReadTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, false
	}
	conn.SetReadDeadline(time.Time{})

	var frame model.AuthFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.rejectConn(conn, "malformed auth frame")
		return nil, false
	}

	ident, err := s.verifier.VerifyConnection(ctx, &frame)
	if err != nil {
		s.rejectConn(conn, err.Error())
		return nil, false
	}

	sess := registry.NewSession(uuid.NewString(), ident.UserID, frame.PeerUserID, ident.PublicKey, conn)
	s.registry.Add(sess)

	sess.Send(&model.AuthResponse{Type: model.FrameAuthResponse, Success: true, Message: "authenticated"})
	return sess, true
}

func (s *HttpServer) rejectConn(conn *websocket.Conn, reason string) {
	conn.WriteJSON(&model.AuthResponse{Type: model.FrameAuthResponse, Success: false, Message: reason})
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	conn.Close()
}

// announcePresence pushes the peer's public key to the new session and
// tells a connected peer the user came online.
func (s *HttpServer) announcePresence(ctx context.Context, sess *registry.Session) {
	if sess.PeerID == "" {
		return
	}

	if peer, ok := s.registry.Get(sess.PeerID); ok {
		sess.Send(&model.PeerKeyFrame{Type: model.FramePeerKey, UserID: peer.UserID, PublicKey: peer.PublicKey})
		peer.Send(&model.StatusFrame{Type: model.FrameStatus, UserID: sess.UserID, Online: true})
		return
	}

	key, err := s.users.LegacyPublicKey(ctx, sess.PeerID)
	if err != nil || len(key) == 0 {
		return
	}
	sess.Send(&model.PeerKeyFrame{Type: model.FramePeerKey, UserID: sess.PeerID, PublicKey: key})
}

func (s *HttpServer) processFrames(sess *registry.Session, conn *websocket.Conn) {
	defer func() {
		s.registry.Remove(sess.UserID, sess.ID)
		conn.Close()
		s.notifyOffline(sess)
	}()

	senderName := s.lookupName(sess.UserID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("connection closed", zap.String("userID", sess.UserID), zap.Error(err))
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sess.Send(&model.ErrorFrame{Type: model.FrameError, Message: "malformed frame"})
			continue
		}

		switch env.Type {
		case model.FrameMessage:
			var msg model.MessageFrame
			if err := json.Unmarshal(data, &msg); err != nil || msg.RecipientID == "" {
				sess.Send(&model.ErrorFrame{Type: model.FrameError, Message: "malformed message frame"})
				continue
			}

			_, _, err := s.relay.Relay(context.Background(), sess.UserID, senderName, sess.PublicKey, msg.RecipientID, msg.EncryptedPayload)
			if err != nil {
				sess.Send(&model.ErrorFrame{Type: model.FrameError, Message: "message could not be relayed"})
			}

		case model.FrameFileNotice:
			var fn model.FileNoticeFrame
			if err := json.Unmarshal(data, &fn); err != nil || fn.RecipientID == "" {
				sess.Send(&model.ErrorFrame{Type: model.FrameError, Message: "malformed file notice"})
				continue
			}
			s.relay.ForwardFileNotice(sess.UserID, &fn)

		case model.FrameReadReceipt:
			var rr model.ReadReceiptFrame
			if err := json.Unmarshal(data, &rr); err != nil || rr.MessageID == "" {
				sess.Send(&model.ErrorFrame{Type: model.FrameError, Message: "malformed read receipt"})
				continue
			}
			s.relay.MarkRead(context.Background(), sess.UserID, &rr)

		default:
			sess.Send(&model.ErrorFrame{Type: model.FrameError, Message: "unknown frame type"})
		}
	}
}

func (s *HttpServer) notifyOffline(sess *registry.Session) {
	if sess.PeerID == "" {
		return
	}
	// an evicted session's read loop lands here while the replacement
	// session is live; the user is still online
	if s.registry.IsConnected(sess.UserID) {
		return
	}
	if peer, ok := s.registry.Get(sess.PeerID); ok {
		peer.Send(&model.StatusFrame{Type: model.FrameStatus, UserID: sess.UserID, Online: false})
	}
}

func (s *HttpServer) lookupName(userID string) string {
	user, err := s.users.GetByUserID(context.Background(), userID)
	if err != nil || user == nil {
		return ""
	}
	return user.Name
}

func (s *HttpServer) GetPublicKeys() http.HandlerFunc {
	type response struct {
		UserID     string             `json:"userId"`
		PublicKey  []byte             `json:"publicKey,omitempty"`
		DeviceKeys []*model.DeviceKey `json:"deviceKeys"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := mux.Vars(r)["userId"]

		user, err := s.users.GetByUserID(ctx, userID)
		if err != nil {
			http.Error(w, "key lookup failed", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "user does not exist", http.StatusNotFound)
			return
		}

		keys, err := s.deviceKeys.ListActive(ctx, userID)
		if err != nil {
			http.Error(w, "key lookup failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, &response{
			UserID:     userID,
			PublicKey:  user.PublicKey,
			DeviceKeys: keys,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
