package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/phinix/internal/protocol"
	"github.com/danmuck/phinix/internal/protocol/session"
	"github.com/danmuck/phinix/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoHandshake = errors.New("auth: no handshake offered")
	ErrNotRejected = errors.New("auth: last attempt was not rejected")
	ErrDetached    = errors.New("auth: client not attached")
)

// minExtendDelay bounds the refresh timer for very short lifetimes.
const minExtendDelay = 10 * time.Millisecond

// Login is what a client answers a Hello with.
type Login struct {
	Credentials       protocol.Message
	Username          string
	UseServerUsername bool
}

// CredentialProvider picks credentials for an offered handshake.
type CredentialProvider func(hello *session.HelloPacket) (Login, error)

// KeyLogin answers every Hello with a key. An empty username defers to the
// name the server has on record.
func KeyLogin(key, username string) CredentialProvider {
	return func(*session.HelloPacket) (Login, error) {
		return Login{
			Credentials:       &session.KeyCredentials{Key: key},
			Username:          username,
			UseServerUsername: username == "",
		}, nil
	}
}

func PasswordLogin(username, password string) CredentialProvider {
	return func(*session.HelloPacket) (Login, error) {
		return Login{
			Credentials: &session.UserCredentials{Username: username, Password: password},
			Username:    username,
		}, nil
	}
}

// RejectedError is returned by Await after the server refused a login.
type RejectedError struct {
	Reason  session.FailureReason
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth: rejected: %s", e.Reason)
	}
	return fmt.Sprintf("auth: rejected: %s: %s", e.Reason, e.Message)
}

// Client drives the Authentication module on a transport.Client: it answers
// Hello, records the issued session and keeps it extended.
type Client struct {
	credentials CredentialProvider
	now         func() time.Time

	mu        sync.Mutex
	transport *transport.Client
	detach    []func()
	state     State
	hello     *session.HelloPacket
	sessionID string
	username  string
	expiresAt time.Time
	rejected  *RejectedError
	timer     *time.Timer
	changed   chan struct{}
}

func NewClient(credentials CredentialProvider) *Client {
	return &Client{
		credentials: credentials,
		now:         time.Now,
		changed:     make(chan struct{}),
	}
}

// Attach registers the Authentication handler on t and follows its link
// lifecycle. A client attaches to one transport at a time.
func (c *Client) Attach(t *transport.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		return ErrAlreadyAttached
	}
	if err := t.RegisterPacketHandler(session.Module, c.handlePacket); err != nil {
		return err
	}
	c.transport = t
	c.detach = []func(){
		t.OnConnected(func(*transport.Conn) { c.reset() }),
		t.OnDisconnected(func(*transport.Conn) { c.reset() }),
		func() { t.UnregisterPacketHandler(session.Module) },
	}
	return nil
}

func (c *Client) Detach() {
	c.mu.Lock()
	detach := c.detach
	c.detach, c.transport = nil, nil
	c.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
	c.reset()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// SessionID returns the current session id, empty until authenticated.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// ExpiresAt is zero until the first ExtendSessionResponse arrives.
func (c *Client) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

// Await blocks until the client is authenticated, rejected or ctx ends.
func (c *Client) Await(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, rejected, changed := c.state, c.rejected, c.changed
		c.mu.Unlock()
		switch state {
		case StateAuthenticated:
			return nil
		case StateRejected:
			return rejected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Retry answers the last Hello again after a rejection; the server keeps the
// handshake id across failed attempts.
func (c *Client) Retry() error {
	c.mu.Lock()
	hello := c.hello
	state := c.state
	c.mu.Unlock()
	if hello == nil {
		return ErrNoHandshake
	}
	if state != StateRejected {
		return ErrNotRejected
	}
	return c.answer(hello)
}

// Extend asks the server to refresh the current session.
func (c *Client) Extend() error {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid == "" {
		return ErrNotAuthenticated
	}
	return c.send(&session.ExtendSessionPacket{SessionID: sid})
}

func (c *Client) send(m protocol.Message) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrDetached
	}
	raw, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return t.Send(session.Module, raw)
}

func (c *Client) handlePacket(_ *transport.Conn, module string, payload []byte) {
	a, reason := protocol.CheckPacket(session.Namespace, session.Module, module, payload)
	if reason != protocol.Accepted {
		return
	}
	switch {
	case protocol.Is(a, &session.HelloPacket{}):
		var pkt session.HelloPacket
		if err := protocol.Unpack(a, &pkt); err != nil || pkt.Validate() != nil {
			log.Debug().Msgf("auth.Client.handlePacket invalid hello")
			return
		}
		c.onHello(&pkt)
	case protocol.Is(a, &session.AuthResponsePacket{}):
		var pkt session.AuthResponsePacket
		if err := protocol.Unpack(a, &pkt); err != nil || pkt.Validate() != nil {
			log.Debug().Msgf("auth.Client.handlePacket invalid auth response")
			return
		}
		c.onAuthResponse(&pkt)
	case protocol.Is(a, &session.ExtendSessionResponsePacket{}):
		var pkt session.ExtendSessionResponsePacket
		if err := protocol.Unpack(a, &pkt); err != nil {
			return
		}
		c.onExtendResponse(&pkt)
	default:
		log.Debug().Msgf("auth.Client.handlePacket ignored type=%q", a.GetTypeUrl())
	}
}

// onHello starts a new handshake. A Hello while authenticated means the
// server expired or dropped the session.
func (c *Client) onHello(hello *session.HelloPacket) {
	c.mu.Lock()
	if c.state == StateAuthenticated {
		log.Info().Msgf("auth.Client.onHello session ended username=%q", c.username)
	}
	c.stopTimerLocked()
	c.hello = hello
	c.sessionID, c.username, c.expiresAt, c.rejected = "", "", time.Time{}, nil
	c.setStateLocked(StateOffered)
	c.mu.Unlock()

	log.Debug().Msgf("auth.Client.onHello server=%q auth_type=%s", hello.ServerName, hello.AuthType)
	if err := c.answer(hello); err != nil {
		log.Warn().Msgf("auth.Client.onHello answer err=%v", err)
	}
}

func (c *Client) answer(hello *session.HelloPacket) error {
	if c.credentials == nil {
		return fmt.Errorf("auth: no credential provider")
	}
	login, err := c.credentials(hello)
	if err != nil {
		return err
	}
	pkt, err := session.NewAuthenticate(hello, login.Credentials, login.Username, login.UseServerUsername)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rejected = nil
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()
	return c.send(pkt)
}

func (c *Client) onAuthResponse(resp *session.AuthResponsePacket) {
	c.mu.Lock()
	if !resp.Success && c.state == StateAuthenticated {
		c.mu.Unlock()
		log.Warn().Msgf("auth.Client.onAuthResponse ignored failure while authenticated reason=%s", resp.FailureReason)
		return
	}
	if !resp.Success {
		c.rejected = &RejectedError{Reason: resp.FailureReason, Message: resp.FailureMessage}
		c.setStateLocked(StateRejected)
		c.mu.Unlock()
		log.Info().Msgf("auth.Client.onAuthResponse rejected reason=%s msg=%q", resp.FailureReason, resp.FailureMessage)
		return
	}
	c.sessionID = resp.SessionID
	c.username = resp.Username
	c.setStateLocked(StateAuthenticated)
	c.mu.Unlock()

	log.Info().Msgf("auth.Client.onAuthResponse authenticated username=%q", resp.Username)
	// The response carries no lifetime; the first extend learns it.
	if err := c.Extend(); err != nil {
		log.Warn().Msgf("auth.Client.onAuthResponse extend err=%v", err)
	}
}

func (c *Client) onExtendResponse(resp *session.ExtendSessionResponsePacket) {
	if !resp.Success {
		log.Warn().Msgf("auth.Client.onExtendResponse refused")
		return
	}
	lifetime := resp.Lifetime()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return
	}
	c.expiresAt = c.now().Add(lifetime)
	c.stopTimerLocked()
	delay := lifetime / 2
	if delay < minExtendDelay {
		delay = minExtendDelay
	}
	c.timer = time.AfterFunc(delay, func() {
		if err := c.Extend(); err != nil {
			log.Debug().Msgf("auth.Client.extend timer err=%v", err)
		}
	})
	log.Debug().Msgf("auth.Client.onExtendResponse expires_in=%s", lifetime)
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.hello = nil
	c.sessionID, c.username, c.expiresAt, c.rejected = "", "", time.Time{}, nil
	c.setStateLocked(StateIdle)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}
