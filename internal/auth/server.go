package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/phinix/internal/observability"
	"github.com/danmuck/phinix/internal/protocol"
	"github.com/danmuck/phinix/internal/protocol/session"
	"github.com/danmuck/phinix/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyAttached = errors.New("auth: server already attached")

type ServerConfig struct {
	Name        string
	Description string
	AuthType    session.AuthType
	// SessionLifetime and SweepInterval are read from Session.
	Session session.Config
}

// Rejection describes one failed Authenticate for OnRejected subscribers.
type Rejection struct {
	ConnID  string
	Reason  session.FailureReason
	Message string
}

// Server answers the Authentication module on a transport.Server.
type Server struct {
	cfg       ServerConfig
	verifiers *Verifiers
	table     *Table
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	transport *transport.Server
	detach    []func()
	stop      context.CancelFunc
	sweepDone chan struct{}

	obsMu    sync.Mutex
	onAuth   []func(Session)
	onReject []func(Rejection)
}

func NewServer(cfg ServerConfig, verifiers *Verifiers) *Server {
	cfg.Session = cfg.Session.WithDefaults()
	if verifiers == nil {
		verifiers = NewVerifiers()
	}
	return &Server{
		cfg:       cfg,
		verifiers: verifiers,
		table:     NewTable(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (s *Server) Verifiers() *Verifiers { return s.verifiers }

// Attach registers the Authentication handler on t, subscribes to its
// connection events and starts the expiry sweeper. It stops when ctx ends or
// Detach is called.
func (s *Server) Attach(ctx context.Context, t *transport.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		return ErrAlreadyAttached
	}
	if err := t.RegisterPacketHandler(session.Module, s.handlePacket); err != nil {
		return err
	}
	s.transport = t
	s.detach = []func(){
		t.OnConnectionEstablished(s.offer),
		t.OnConnectionClosed(func(c *transport.Conn) {
			s.table.Remove(c.ID())
			observability.SetAuthenticatedSessions(s.table.CountAuthenticated())
		}),
		func() { t.UnregisterPacketHandler(session.Module) },
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.sweepDone = make(chan struct{})
	go s.sweepLoop(sweepCtx, s.sweepDone)
	log.Info().Msgf(
		"auth.Server.Attach auth_type=%s lifetime=%s sweep=%s",
		s.cfg.AuthType,
		s.cfg.Session.SessionLifetime,
		s.cfg.Session.SweepInterval,
	)
	return nil
}

// Detach undoes Attach and waits for the sweeper.
func (s *Server) Detach() {
	s.mu.Lock()
	detach, stop, done := s.detach, s.stop, s.sweepDone
	s.detach, s.stop, s.sweepDone, s.transport = nil, nil, nil, nil
	s.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
	if stop != nil {
		stop()
		<-done
	}
}

func (s *Server) OnAuthenticated(fn func(Session)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onAuth = append(s.onAuth, fn)
}

func (s *Server) OnRejected(fn func(Rejection)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onReject = append(s.onReject, fn)
}

// RequireSession reports the username bound to sessionID on connID, or
// ErrNotAuthenticated / ErrSessionExpired.
func (s *Server) RequireSession(connID, sessionID string) (string, error) {
	sess, err := s.table.Require(connID, sessionID, s.now())
	if err != nil {
		return "", err
	}
	return sess.Username, nil
}

// Sessions returns a snapshot of every session record.
func (s *Server) Sessions() []Session {
	return s.table.List()
}

func (s *Server) Session(connID string) (Session, bool) {
	return s.table.Get(connID)
}

// Logout drops the authenticated session on conn and offers a new handshake.
func (s *Server) Logout(conn *transport.Conn) error {
	if conn == nil {
		return fmt.Errorf("%w: nil connection", transport.ErrArgument)
	}
	sess, ok := s.table.Get(conn.ID())
	if !ok || sess.State != StateAuthenticated {
		return ErrNotAuthenticated
	}
	log.Info().Msgf("auth.Server.Logout conn=%s username=%q", conn.ID(), sess.Username)
	s.offer(conn)
	return nil
}

func (s *Server) offer(conn *transport.Conn) {
	sess := s.table.Offer(conn.ID(), s.newID(), s.now())
	observability.SetAuthenticatedSessions(s.table.CountAuthenticated())
	s.sendHello(conn, sess.HandshakeID)
}

func (s *Server) sendHello(conn *transport.Conn, handshakeID string) {
	hello := &session.HelloPacket{
		ServerName:        s.cfg.Name,
		ServerDescription: s.cfg.Description,
		AuthType:          s.cfg.AuthType,
		SessionID:         handshakeID,
	}
	if err := s.send(conn, hello); err != nil {
		log.Warn().Msgf("auth.Server.sendHello conn=%s err=%v", conn.ID(), err)
		return
	}
	log.Debug().Msgf("auth.Server.sendHello conn=%s", conn.ID())
}

func (s *Server) send(conn *transport.Conn, m protocol.Message) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return transport.ErrNotConnected
	}
	raw, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return t.Send(conn, session.Module, raw)
}

func (s *Server) handlePacket(conn *transport.Conn, module string, payload []byte) {
	a, reason := protocol.CheckPacket(session.Namespace, session.Module, module, payload)
	if reason != protocol.Accepted {
		observability.RecordEnvelopeRejected(module, string(reason))
		return
	}
	switch {
	case protocol.Is(a, &session.AuthenticatePacket{}):
		var pkt session.AuthenticatePacket
		if err := protocol.Unpack(a, &pkt); err != nil {
			log.Debug().Msgf("auth.Server.handlePacket conn=%s decode authenticate err=%v", conn.ID(), err)
			observability.RecordEnvelopeRejected(module, "decode")
			return
		}
		s.authenticate(conn, &pkt)
	case protocol.Is(a, &session.ExtendSessionPacket{}):
		var pkt session.ExtendSessionPacket
		if err := protocol.Unpack(a, &pkt); err != nil {
			observability.RecordEnvelopeRejected(module, "decode")
			return
		}
		s.extend(conn, &pkt)
	default:
		log.Debug().Msgf("auth.Server.handlePacket conn=%s ignored type=%q", conn.ID(), a.GetTypeUrl())
		observability.RecordEnvelopeRejected(module, "unhandled_type")
	}
}

// authenticate checks, in order, the handshake id, the auth type and the
// credentials.
func (s *Server) authenticate(conn *transport.Conn, pkt *session.AuthenticatePacket) {
	if _, ok := s.table.Begin(conn.ID(), pkt.SessionID); !ok {
		s.reject(conn, session.FailureSessionID, "session id does not match the issued handshake")
		return
	}
	if pkt.AuthType != s.cfg.AuthType {
		s.reject(conn, session.FailureAuthType, fmt.Sprintf("server accepts %s", s.cfg.AuthType))
		return
	}
	verifier, ok := s.verifiers.Lookup(pkt.AuthType)
	if !ok {
		s.reject(conn, session.FailureCredentials, "no verifier for auth type")
		return
	}
	identity, err := verifier.Verify(pkt.Credentials)
	if err != nil {
		log.Debug().Msgf("auth.Server.authenticate conn=%s verify err=%v", conn.ID(), err)
		s.reject(conn, session.FailureCredentials, "invalid credentials")
		return
	}
	username := resolveUsername(pkt, identity)
	if username == "" {
		s.reject(conn, session.FailureCredentials, "no username")
		return
	}

	now := s.now()
	sess, ok := s.table.Authenticate(conn.ID(), s.newID(), username, now, now.Add(s.cfg.Session.SessionLifetime))
	if !ok {
		// Connection closed while verifying.
		return
	}
	observability.RecordAuthResult(true, session.FailureNone.String())
	observability.SetAuthenticatedSessions(s.table.CountAuthenticated())
	log.Info().Msgf("auth.Server.authenticate ok conn=%s username=%q", conn.ID(), username)

	resp := &session.AuthResponsePacket{Success: true, SessionID: sess.ID, Username: sess.Username}
	if err := s.send(conn, resp); err != nil {
		log.Warn().Msgf("auth.Server.authenticate conn=%s send response err=%v", conn.ID(), err)
	}
	for _, fn := range s.authObservers() {
		fn(sess)
	}
}

// resolveUsername prefers the server's record when the client asks for it,
// then the requested name, then the server's record.
func resolveUsername(pkt *session.AuthenticatePacket, identity Identity) string {
	server := strings.TrimSpace(identity.Username)
	requested := strings.TrimSpace(pkt.Username)
	if pkt.UseServerUsername && server != "" {
		return server
	}
	if requested != "" {
		return requested
	}
	return server
}

func (s *Server) reject(conn *transport.Conn, reason session.FailureReason, msg string) {
	s.table.Reject(conn.ID(), reason)
	observability.RecordAuthResult(false, reason.String())
	log.Info().Msgf("auth.Server.reject conn=%s reason=%s msg=%q", conn.ID(), reason, msg)

	resp := &session.AuthResponsePacket{FailureReason: reason, FailureMessage: msg}
	if err := s.send(conn, resp); err != nil {
		log.Warn().Msgf("auth.Server.reject conn=%s send response err=%v", conn.ID(), err)
	}
	rej := Rejection{ConnID: conn.ID(), Reason: reason, Message: msg}
	for _, fn := range s.rejectObservers() {
		fn(rej)
	}
}

func (s *Server) extend(conn *transport.Conn, pkt *session.ExtendSessionPacket) {
	remaining, ok := s.table.Extend(conn.ID(), pkt.SessionID, s.cfg.Session.SessionLifetime, s.now())
	resp := &session.ExtendSessionResponsePacket{Success: ok, ExpiresIn: remaining.Milliseconds()}
	if err := s.send(conn, resp); err != nil {
		log.Warn().Msgf("auth.Server.extend conn=%s send response err=%v", conn.ID(), err)
		return
	}
	log.Debug().Msgf("auth.Server.extend conn=%s ok=%v expires_in=%s", conn.ID(), ok, remaining)
}

func (s *Server) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Session.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep expires lapsed sessions and re-offers a handshake on their
// connections.
func (s *Server) sweep() {
	expired := s.table.ExpireDue(s.now(), s.newID)
	if len(expired) == 0 {
		return
	}
	observability.SetAuthenticatedSessions(s.table.CountAuthenticated())
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	for _, sess := range expired {
		observability.RecordSessionExpired()
		log.Info().Msgf("auth.Server.sweep expired conn=%s username=%q", sess.ConnID, sess.Username)
		if t == nil {
			continue
		}
		if conn, ok := t.Connection(sess.ConnID); ok {
			s.sendHello(conn, sess.HandshakeID)
		}
	}
}

func (s *Server) authObservers() []func(Session) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return append([]func(Session){}, s.onAuth...)
}

func (s *Server) rejectObservers() []func(Rejection) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return append([]func(Rejection){}, s.onReject...)
}
