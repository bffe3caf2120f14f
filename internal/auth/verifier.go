package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/phinix/internal/protocol"
	"github.com/danmuck/phinix/internal/protocol/session"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/protobuf/types/known/anypb"
)

var (
	ErrUnauthorized           = errors.New("auth: unauthorized")
	ErrUnsupportedCredentials = errors.New("auth: unsupported credentials")
	ErrDuplicateVerifier      = errors.New("auth: verifier already registered")
)

// Identity is what a verifier knows about the authenticated peer.
type Identity struct {
	// Username is the name the server has on record, if any.
	Username string
}

// Verifier checks one credential kind.
type Verifier interface {
	Verify(creds *anypb.Any) (Identity, error)
}

// FuncVerifier adapts a function into a Verifier.
type FuncVerifier func(creds *anypb.Any) (Identity, error)

func (f FuncVerifier) Verify(creds *anypb.Any) (Identity, error) {
	return f(creds)
}

// KeyEntry binds a shared secret to the username recorded for it.
type KeyEntry struct {
	Key      string `toml:"key"`
	Username string `toml:"username"`
}

// KeyVerifier accepts session.KeyCredentials matching a configured key.
type KeyVerifier struct {
	entries []KeyEntry
}

func NewKeyVerifier(entries ...KeyEntry) *KeyVerifier {
	kept := make([]KeyEntry, 0, len(entries))
	for _, e := range entries {
		if e.Key != "" {
			kept = append(kept, e)
		}
	}
	return &KeyVerifier{entries: kept}
}

func (v *KeyVerifier) Verify(creds *anypb.Any) (Identity, error) {
	var key session.KeyCredentials
	if err := protocol.Unpack(creds, &key); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnsupportedCredentials, err)
	}
	if key.Key == "" {
		return Identity{}, ErrUnauthorized
	}
	match := -1
	for i, e := range v.entries {
		// Every entry is compared so the match position does not leak.
		if subtle.ConstantTimeCompare([]byte(e.Key), []byte(key.Key)) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Identity{}, ErrUnauthorized
	}
	return Identity{Username: v.entries[match].Username}, nil
}

// UserVerifier accepts session.UserCredentials against bcrypt hashes.
type UserVerifier struct {
	hashes map[string][]byte
}

// dummyHash is compared for unknown users so lookups cost the same.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("phinix-unknown-user"), bcrypt.MinCost)

// NewUserVerifier takes username -> bcrypt hash.
func NewUserVerifier(hashes map[string]string) *UserVerifier {
	v := &UserVerifier{hashes: make(map[string][]byte, len(hashes))}
	for user, hash := range hashes {
		user = strings.TrimSpace(user)
		if user == "" || hash == "" {
			continue
		}
		v.hashes[user] = []byte(hash)
	}
	return v
}

func (v *UserVerifier) Verify(creds *anypb.Any) (Identity, error) {
	var user session.UserCredentials
	if err := protocol.Unpack(creds, &user); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnsupportedCredentials, err)
	}
	name := strings.TrimSpace(user.Username)
	hash, ok := v.hashes[name]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(user.Password))
		return Identity{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(user.Password)); err != nil {
		return Identity{}, ErrUnauthorized
	}
	return Identity{Username: name}, nil
}

// HashPassword returns a bcrypt hash suitable for UserVerifier.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("auth: empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verifiers is the AuthType -> Verifier registry. New credential kinds are
// added here without touching the state machine.
type Verifiers struct {
	mu sync.RWMutex
	m  map[session.AuthType]Verifier
}

func NewVerifiers() *Verifiers {
	return &Verifiers{m: make(map[session.AuthType]Verifier)}
}

func (r *Verifiers) Register(t session.AuthType, v Verifier) error {
	if t == session.AuthTypeUnspecified || v == nil {
		return fmt.Errorf("auth: auth type and verifier are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateVerifier, t)
	}
	r.m[t] = v
	return nil
}

func (r *Verifiers) Unregister(t session.AuthType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, t)
}

func (r *Verifiers) Lookup(t session.AuthType) (Verifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[t]
	return v, ok
}
