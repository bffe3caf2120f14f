package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/phinix/internal/observability"
	"github.com/danmuck/phinix/internal/protocol/frame"
	"github.com/danmuck/phinix/internal/protocol/schema"
	"github.com/danmuck/phinix/internal/protocol/session"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const sideServer = "server"

type ServerConfig struct {
	Session session.Config
	Limits  frame.Limits
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Session: session.DefaultConfig(),
		Limits:  frame.DefaultLimits(),
	}
}

// Server accepts QUIC links. Each connection has its own read loop, so
// handlers for different connections may run concurrently.
type Server struct {
	*Core
	cfg ServerConfig

	mu     sync.Mutex
	ln     *quic.Listener
	cancel context.CancelFunc
	conns  map[string]*Conn
	wg     sync.WaitGroup

	established observers[func(*Conn)]
	closed      observers[func(*Conn)]
}

func NewServer(cfg ServerConfig) *Server {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Server{
		Core:  newCore(sideServer),
		cfg:   cfg,
		conns: make(map[string]*Conn),
	}
}

// OnConnectionEstablished subscribes fn; it runs on the connection's read
// loop before its first packet is dispatched.
func (s *Server) OnConnectionEstablished(fn func(*Conn)) (remove func()) {
	return s.established.add(fn)
}

// OnConnectionClosed subscribes fn; it runs on the connection's read loop
// after its last packet was dispatched.
func (s *Server) OnConnectionClosed(fn func(*Conn)) (remove func()) {
	return s.closed.add(fn)
}

// Start binds endpoint (host:port, port 0 picks one) and begins accepting.
func (s *Server) Start(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyListening
	}
	tlsConf, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(endpoint, tlsConf, quicConfig(s.cfg.Session, 1))
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", endpoint, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ln = ln
	s.cancel = cancel
	s.wg.Add(1)
	go s.acceptLoop(runCtx, ln)
	s.logf(zerolog.InfoLevel, nil, "transport.Server.Start listening addr=%q", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes every connection and the listener, then waits for all read
// loops to finish. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln, cancel := s.ln, s.cancel
	s.ln, s.cancel = nil, nil
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	cancel()
	var err error
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}
	err = multierr.Append(err, ln.Close())
	s.wg.Wait()
	s.logf(zerolog.InfoLevel, nil, "transport.Server.Stop closed connections=%d", len(conns))
	return err
}

// Send writes one packet to conn.
func (s *Server) Send(conn *Conn, module string, payload []byte) error {
	if conn == nil {
		return fmt.Errorf("%w: nil connection", ErrArgument)
	}
	if module == "" || len(payload) == 0 {
		return fmt.Errorf("%w: module and payload are required", ErrArgument)
	}
	if !conn.Established() {
		return ErrNotConnected
	}
	return conn.send(module, payload)
}

// Connections returns established connections ordered by creation time.
func (s *Server) Connections() []*Conn {
	s.mu.Lock()
	out := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		out = append(out, conn)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

func (s *Server) Connection(id string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	return conn, ok
}

func (s *Server) acceptLoop(ctx context.Context, ln *quic.Listener) {
	defer s.wg.Done()
	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				s.logf(zerolog.ErrorLevel, nil, "transport.Server.accept err=%v", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, qc)
	}
}

func (s *Server) handleConn(ctx context.Context, qc *quic.Conn) {
	defer s.wg.Done()
	conn, err := s.openLink(ctx, qc)
	if err != nil {
		s.logf(zerolog.WarnLevel, nil, "transport.Server.handleConn remote=%q link open err=%v", qc.RemoteAddr().String(), err)
		return
	}

	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	active := len(s.Connections())
	observability.AddActiveConnections(sideServer, 1)
	s.logf(zerolog.InfoLevel, conn, "transport.Server connected remote=%q peer=%q active=%d", conn.RemoteAddr(), conn.PeerName(), active)
	for _, fn := range s.established.snapshot() {
		fn(conn)
	}

	for {
		fr, err := conn.readFrame()
		if err != nil {
			if ctx.Err() == nil && conn.Established() {
				s.logReadEnd(conn, err)
			}
			break
		}
		s.dispatch(fr.Header, conn, fr.Payload)
	}

	_ = conn.Close()
	s.untrack(conn)
	observability.AddActiveConnections(sideServer, -1)
	s.logf(zerolog.InfoLevel, conn, "transport.Server disconnected remote=%q", conn.RemoteAddr())
	for _, fn := range s.closed.snapshot() {
		fn(conn)
	}
}

// openLink accepts the client stream and reads its MsgLinkOpen frame within
// the handshake timeout.
func (s *Server) openLink(ctx context.Context, qc *quic.Conn) (*Conn, error) {
	timeout := s.cfg.Session.HandshakeTimeout
	acceptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stream, err := qc.AcceptStream(acceptCtx)
	if err != nil {
		_ = qc.CloseWithError(closeProtocol, "no stream")
		return nil, err
	}
	conn := newConn(qc, stream, s.cfg.Limits)

	_ = stream.SetReadDeadline(time.Now().Add(timeout))
	fr, err := conn.readFrame()
	if err != nil {
		_ = conn.closeWithError(closeProtocol, "link open")
		return nil, err
	}
	if fr.Header.MessageType != schema.MsgLinkOpen {
		_ = conn.closeWithError(closeProtocol, "link open")
		return nil, fmt.Errorf("%w: message_type=%d", ErrLinkProtocol, fr.Header.MessageType)
	}
	name, err := decodeLinkOpen(fr.Payload)
	if err != nil {
		_ = conn.closeWithError(closeProtocol, "link open")
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})
	conn.setPeerName(name)
	conn.markEstablished()
	return conn, nil
}

// track registers conn unless the server is stopping.
func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return false
	}
	s.conns[conn.ID()] = conn
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn.ID())
}
