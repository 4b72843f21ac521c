package registry

import (
	"sync"

	"chat_relay/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Registry maps user ids to live sessions. At most one session per
	// user; installing a new one evicts the previous holder.
	Registry struct {
		mu       sync.RWMutex
		sessions map[string]*Session
	}
)

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add installs the session for its user, last writer wins. A previous
// session for the same user is closed detached; a close failure is
// logged and never blocks the new connection.
func (r *Registry) Add(session *Session) {
	r.mu.Lock()
	old := r.sessions[session.UserID]
	r.sessions[session.UserID] = session
	r.mu.Unlock()

	if old != nil && old.ID != session.ID {
		go func() {
			if err := old.CloseWithCode(CloseSuperseded, "superseded by a newer connection"); err != nil {
				log.Error("close superseded session failed",
					zap.String("userID", old.UserID), zap.Error(err))
			}
		}()
	}
}

// Remove drops the user's session only if the stored session still has
// the given id. A disconnect handler racing a newer connection must not
// evict the replacement.
func (r *Registry) Remove(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[userID]; ok && current.ID == sessionID {
		delete(r.sessions, userID)
	}
}

func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[userID]
	return s, ok
}

func (r *Registry) IsConnected(userID string) bool {
	_, ok := r.Get(userID)
	return ok
}
