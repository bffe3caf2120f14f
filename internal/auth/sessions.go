package auth

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/phinix/internal/protocol/session"
)

var (
	ErrNotAuthenticated = errors.New("auth: not authenticated")
	ErrSessionExpired   = errors.New("auth: session expired")
)

type State int

const (
	StateIdle State = iota
	StateOffered
	StateAuthenticating
	StateAuthenticated
	StateRejected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "offered"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	default:
		return "idle"
	}
}

// Session is the server record for one connection.
type Session struct {
	ConnID string `json:"conn_id"`
	// HandshakeID is the id sent in the latest Hello. It is cleared once
	// the handshake succeeds.
	HandshakeID string `json:"-"`
	// ID is the long-lived id issued on success.
	ID              string                `json:"session_id,omitempty"`
	State           State                 `json:"-"`
	StateName       string                `json:"state"`
	Username        string                `json:"username,omitempty"`
	OfferedAt       time.Time             `json:"offered_at"`
	AuthenticatedAt time.Time             `json:"authenticated_at,omitempty"`
	ExpiresAt       time.Time             `json:"expires_at,omitempty"`
	Attempts        int                   `json:"attempts"`
	LastFailure     session.FailureReason `json:"-"`
}

// Table stores sessions by connection id. Every transition is one locked
// step so handlers on different connections and the sweeper never race.
type Table struct {
	mu    sync.RWMutex
	items map[string]Session
}

func NewTable() *Table {
	return &Table{items: make(map[string]Session)}
}

func (t *Table) store(s Session) {
	s.StateName = s.State.String()
	t.items[s.ConnID] = s
}

// Offer starts a fresh handshake for connID, replacing any earlier record.
func (t *Table) Offer(connID, handshakeID string, now time.Time) Session {
	s := Session{
		ConnID:      connID,
		HandshakeID: handshakeID,
		State:       StateOffered,
		OfferedAt:   now,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store(s)
	return t.items[connID]
}

// Begin moves a pending handshake to Authenticating when handshakeID is the
// one issued for connID.
func (t *Table) Begin(connID, handshakeID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[connID]
	if !ok || s.HandshakeID == "" || handshakeID == "" || s.HandshakeID != handshakeID {
		return Session{}, false
	}
	switch s.State {
	case StateOffered, StateRejected, StateExpired:
	default:
		return Session{}, false
	}
	s.State = StateAuthenticating
	s.Attempts++
	t.store(s)
	return t.items[connID], true
}

// Reject ends an Authenticating attempt. The handshake id stays valid so the
// client can retry.
func (t *Table) Reject(connID string, reason session.FailureReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[connID]
	if !ok || s.State != StateAuthenticating {
		return
	}
	s.State = StateRejected
	s.LastFailure = reason
	t.store(s)
}

// Authenticate completes an Authenticating attempt.
func (t *Table) Authenticate(connID, sessionID, username string, now, expiresAt time.Time) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[connID]
	if !ok || s.State != StateAuthenticating {
		return Session{}, false
	}
	s.State = StateAuthenticated
	s.HandshakeID = ""
	s.ID = sessionID
	s.Username = username
	s.AuthenticatedAt = now
	s.ExpiresAt = expiresAt
	s.LastFailure = session.FailureNone
	t.store(s)
	return t.items[connID], true
}

// Extend refreshes a live authenticated session and returns its new
// remaining lifetime.
func (t *Table) Extend(connID, sessionID string, lifetime time.Duration, now time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[connID]
	if !ok || s.State != StateAuthenticated || sessionID == "" || s.ID != sessionID {
		return 0, false
	}
	if !now.Before(s.ExpiresAt) {
		return 0, false
	}
	s.ExpiresAt = now.Add(lifetime)
	t.store(s)
	return lifetime, true
}

// Require returns the session for a protected request.
func (t *Table) Require(connID, sessionID string, now time.Time) (Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.items[connID]
	if !ok || sessionID == "" || s.ID != sessionID {
		return Session{}, ErrNotAuthenticated
	}
	switch s.State {
	case StateAuthenticated:
		if !now.Before(s.ExpiresAt) {
			return Session{}, ErrSessionExpired
		}
		return s, nil
	case StateExpired:
		return Session{}, ErrSessionExpired
	default:
		// A handshake repeating after expiry still refers to the old id.
		if s.ID != "" {
			return Session{}, ErrSessionExpired
		}
		return Session{}, ErrNotAuthenticated
	}
}

// ExpireDue moves every lapsed authenticated session to Expired, giving each
// a new handshake id from newID.
func (t *Table) ExpireDue(now time.Time, newID func() string) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Session
	for id, s := range t.items {
		if s.State != StateAuthenticated || now.Before(s.ExpiresAt) {
			continue
		}
		s.State = StateExpired
		s.HandshakeID = newID()
		s.OfferedAt = now
		t.store(s)
		out = append(out, t.items[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (t *Table) Remove(connID string) {
	key := strings.TrimSpace(connID)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
}

func (t *Table) Get(connID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.items[connID]
	return s, ok
}

// List returns every record ordered by connection id.
func (t *Table) List() []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.items))
	for _, s := range t.items {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (t *Table) CountAuthenticated() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.items {
		if s.State == StateAuthenticated {
			n++
		}
	}
	return n
}
