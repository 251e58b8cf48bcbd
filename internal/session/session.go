// Package session maps browser sessions to their history stores.
package session

import (
	"net/http"
	"sync"

	"github.com/google/uuid"

	"medlens/internal/history"
)

// CookieName carries the session id.
const CookieName = "medlens_session"

// Registry owns one history store per session id. Stores live for the
// whole process lifetime.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*history.Store
	secure   bool
}

// NewRegistry returns an empty registry. secure sets the Secure flag on
// issued cookies.
func NewRegistry(secure bool) *Registry {
	return &Registry{sessions: make(map[string]*history.Store), secure: secure}
}

// Get returns the store for id, creating it if needed.
func (r *Registry) Get(id string) *history.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = history.New()
		r.sessions[id] = s
	}
	return s
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// FromRequest resolves the session for req, issuing a new cookie on w when
// the request has none or carries a malformed id.
func (r *Registry) FromRequest(w http.ResponseWriter, req *http.Request) (string, *history.Store) {
	if c, err := req.Cookie(CookieName); err == nil {
		if _, perr := uuid.Parse(c.Value); perr == nil {
			return c.Value, r.Get(c.Value)
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id, r.Get(id)
}
