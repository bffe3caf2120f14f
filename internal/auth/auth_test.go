package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/phinix/internal/protocol"
	"github.com/danmuck/phinix/internal/protocol/session"
	"github.com/danmuck/phinix/internal/testutil/testlog"
	"github.com/danmuck/phinix/internal/transport"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type harness struct {
	transport *transport.Server
	auth      *Server
	conns     chan *transport.Conn
}

func testSession(lifetime, sweep time.Duration) session.Config {
	cfg := session.DefaultConfig()
	cfg.PingInterval = 200 * time.Millisecond
	cfg.DisconnectTimeout = 2 * time.Second
	cfg.SessionLifetime = lifetime
	cfg.SweepInterval = sweep
	return cfg
}

func startAuthServer(t *testing.T, cfg session.Config) *harness {
	t.Helper()
	ts := transport.NewServer(transport.ServerConfig{Session: cfg})

	verifiers := NewVerifiers()
	require.NoError(t, verifiers.Register(session.AuthTypeKey, NewKeyVerifier(KeyEntry{Key: "secret", Username: "alice"})))
	as := NewServer(ServerConfig{
		Name:        "test-server",
		Description: "auth tests",
		AuthType:    session.AuthTypeKey,
		Session:     cfg,
	}, verifiers)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, as.Attach(ctx, ts))
	h := &harness{transport: ts, auth: as, conns: make(chan *transport.Conn, 4)}
	ts.OnConnectionEstablished(func(c *transport.Conn) { h.conns <- c })

	require.NoError(t, ts.Start(ctx, "127.0.0.1:0"))
	t.Cleanup(func() {
		as.Detach()
		_ = ts.Stop()
		cancel()
	})
	return h
}

func (h *harness) serverConn(t *testing.T) *transport.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(waitFor):
		t.Fatalf("server never reported the connection")
		return nil
	}
}

func dialAuthClient(t *testing.T, h *harness, creds CredentialProvider) *Client {
	t.Helper()
	tcfg := transport.DefaultClientConfig()
	tcfg.Name = t.Name()
	tcfg.Session = testSession(time.Minute, time.Second)
	tc := transport.NewClient(tcfg)
	t.Cleanup(tc.Disconnect)

	ac := NewClient(creds)
	require.NoError(t, ac.Attach(tc))
	require.ErrorIs(t, ac.Attach(tc), ErrAlreadyAttached)
	require.NoError(t, tc.Connect(context.Background(), h.transport.Addr()))
	return ac
}

// rawPeer speaks the Authentication module by hand so tests can send packets
// a well-behaved client never would.
type rawPeer struct {
	client  *transport.Client
	packets chan protocol.Message
}

func dialRawPeer(t *testing.T, h *harness) *rawPeer {
	t.Helper()
	cfg := transport.DefaultClientConfig()
	cfg.Session = testSession(time.Minute, time.Second)
	p := &rawPeer{client: transport.NewClient(cfg), packets: make(chan protocol.Message, 16)}
	t.Cleanup(p.client.Disconnect)

	require.NoError(t, p.client.RegisterPacketHandler(session.Module, func(_ *transport.Conn, module string, payload []byte) {
		a, ok := protocol.ValidatePacket(session.Namespace, session.Module, module, payload)
		if !ok {
			return
		}
		for _, m := range []protocol.Message{
			&session.HelloPacket{},
			&session.AuthResponsePacket{},
			&session.ExtendSessionResponsePacket{},
		} {
			if protocol.Is(a, m) {
				if err := protocol.Unpack(a, m); err == nil {
					p.packets <- m
				}
				return
			}
		}
	}))
	require.NoError(t, p.client.Connect(context.Background(), h.transport.Addr()))
	return p
}

func (p *rawPeer) send(t *testing.T, m protocol.Message) {
	t.Helper()
	raw, err := protocol.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, p.client.Send(session.Module, raw))
}

func expectPacket[T protocol.Message](t *testing.T, p *rawPeer) T {
	t.Helper()
	select {
	case m := <-p.packets:
		got, ok := m.(T)
		require.Truef(t, ok, "unexpected packet %T", m)
		return got
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for packet")
		var zero T
		return zero
	}
}

func keyAuthenticate(t *testing.T, hello *session.HelloPacket, key string) *session.AuthenticatePacket {
	t.Helper()
	pkt, err := session.NewAuthenticate(hello, &session.KeyCredentials{Key: key}, "", true)
	require.NoError(t, err)
	return pkt
}

func TestKeyLogin(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(time.Minute, time.Second))

	authenticated := make(chan Session, 1)
	h.auth.OnAuthenticated(func(s Session) { authenticated <- s })

	cli := dialAuthClient(t, h, KeyLogin("secret", ""))
	conn := h.serverConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cli.Await(ctx))
	require.Equal(t, "alice", cli.Username())
	require.NotEmpty(t, cli.SessionID())

	select {
	case s := <-authenticated:
		require.Equal(t, conn.ID(), s.ConnID)
		require.Equal(t, cli.SessionID(), s.ID)
	case <-time.After(waitFor):
		t.Fatalf("OnAuthenticated not invoked")
	}

	user, err := h.auth.RequireSession(conn.ID(), cli.SessionID())
	require.NoError(t, err)
	require.Equal(t, "alice", user)

	// The first extend answers right after login.
	require.Eventually(t, func() bool { return !cli.ExpiresAt().IsZero() }, waitFor, 10*time.Millisecond)
}

func TestRequestedUsernameWins(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(time.Minute, time.Second))
	cli := dialAuthClient(t, h, KeyLogin("secret", "bob"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cli.Await(ctx))
	require.Equal(t, "bob", cli.Username())
}

func TestRejectedLoginCanRetry(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(time.Minute, time.Second))

	rejections := make(chan Rejection, 2)
	h.auth.OnRejected(func(r Rejection) { rejections <- r })

	var attempts atomic.Int32
	cli := dialAuthClient(t, h, func(*session.HelloPacket) (Login, error) {
		key := "wrong"
		if attempts.Add(1) > 1 {
			key = "secret"
		}
		return Login{Credentials: &session.KeyCredentials{Key: key}, UseServerUsername: true}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := cli.Await(ctx)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected), "expected RejectedError, got %v", err)
	require.Equal(t, session.FailureCredentials, rejected.Reason)
	require.Equal(t, StateRejected, cli.State())

	select {
	case r := <-rejections:
		require.Equal(t, session.FailureCredentials, r.Reason)
	case <-time.After(waitFor):
		t.Fatalf("OnRejected not invoked")
	}

	require.NoError(t, cli.Retry())
	require.NoError(t, cli.Await(ctx))
	require.Equal(t, "alice", cli.Username())
}

func TestRetryOnlyAfterRejection(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(time.Minute, time.Second))
	cli := dialAuthClient(t, h, KeyLogin("secret", ""))
	conn := h.serverConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cli.Await(ctx))
	sid := cli.SessionID()

	require.ErrorIs(t, cli.Retry(), ErrNotRejected)

	// A stale failure for the spent handshake must not unseat the session.
	cli.onAuthResponse(&session.AuthResponsePacket{FailureReason: session.FailureSessionID})
	require.Equal(t, StateAuthenticated, cli.State())
	require.Equal(t, sid, cli.SessionID())
	require.NoError(t, cli.Await(ctx))

	_, err := h.auth.RequireSession(conn.ID(), sid)
	require.NoError(t, err)
}

func TestSessionIDMismatchKeepsHandshake(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(time.Minute, time.Second))
	peer := dialRawPeer(t, h)
	conn := h.serverConn(t)

	hello := expectPacket[*session.HelloPacket](t, peer)
	require.Equal(t, "test-server", hello.ServerName)
	require.Equal(t, session.AuthTypeKey, hello.AuthType)
	require.NotEmpty(t, hello.SessionID)

	bad := keyAuthenticate(t, hello, "secret")
	bad.SessionID = "not-the-handshake"
	peer.send(t, bad)
	resp := expectPacket[*session.AuthResponsePacket](t, peer)
	require.False(t, resp.Success)
	require.Equal(t, session.FailureSessionID, resp.FailureReason)

	s, ok := h.auth.Session(conn.ID())
	require.True(t, ok)
	require.Equal(t, StateOffered, s.State)

	peer.send(t, keyAuthenticate(t, hello, "secret"))
	resp = expectPacket[*session.AuthResponsePacket](t, peer)
	require.True(t, resp.Success)
	require.Equal(t, "alice", resp.Username)

	// The handshake id is spent once used.
	peer.send(t, keyAuthenticate(t, hello, "secret"))
	resp = expectPacket[*session.AuthResponsePacket](t, peer)
	require.Equal(t, session.FailureSessionID, resp.FailureReason)
}

func TestAuthTypeMismatch(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(time.Minute, time.Second))
	peer := dialRawPeer(t, h)

	hello := expectPacket[*session.HelloPacket](t, peer)
	pkt, err := session.NewAuthenticate(hello, &session.UserCredentials{Username: "alice", Password: "x"}, "alice", false)
	require.NoError(t, err)
	pkt.AuthType = session.AuthTypeCredentials
	peer.send(t, pkt)

	resp := expectPacket[*session.AuthResponsePacket](t, peer)
	require.False(t, resp.Success)
	require.Equal(t, session.FailureAuthType, resp.FailureReason)
}

func TestSessionExpiresAndIsReoffered(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(150*time.Millisecond, 20*time.Millisecond))
	peer := dialRawPeer(t, h)
	conn := h.serverConn(t)

	hello := expectPacket[*session.HelloPacket](t, peer)
	peer.send(t, keyAuthenticate(t, hello, "secret"))
	resp := expectPacket[*session.AuthResponsePacket](t, peer)
	require.True(t, resp.Success)

	peer.send(t, &session.ExtendSessionPacket{SessionID: resp.SessionID})
	ext := expectPacket[*session.ExtendSessionResponsePacket](t, peer)
	require.True(t, ext.Success)
	require.Equal(t, 150*time.Millisecond, ext.Lifetime())

	// No further extends: the sweeper expires the session and offers again.
	again := expectPacket[*session.HelloPacket](t, peer)
	require.NotEqual(t, hello.SessionID, again.SessionID)

	_, err := h.auth.RequireSession(conn.ID(), resp.SessionID)
	require.ErrorIs(t, err, ErrSessionExpired)

	peer.send(t, &session.ExtendSessionPacket{SessionID: resp.SessionID})
	ext = expectPacket[*session.ExtendSessionResponsePacket](t, peer)
	require.False(t, ext.Success)

	peer.send(t, keyAuthenticate(t, again, "secret"))
	resp2 := expectPacket[*session.AuthResponsePacket](t, peer)
	require.True(t, resp2.Success)
	require.NotEqual(t, resp.SessionID, resp2.SessionID)
}

func TestClientKeepsSessionExtended(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(400*time.Millisecond, 20*time.Millisecond))
	cli := dialAuthClient(t, h, KeyLogin("secret", ""))
	conn := h.serverConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cli.Await(ctx))
	sid := cli.SessionID()

	time.Sleep(time.Second)
	require.Equal(t, StateAuthenticated, cli.State())
	require.Equal(t, sid, cli.SessionID())
	_, err := h.auth.RequireSession(conn.ID(), sid)
	require.NoError(t, err)
}

func TestLogoutReoffersAndClientReauthenticates(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(time.Minute, time.Second))
	cli := dialAuthClient(t, h, KeyLogin("secret", ""))
	conn := h.serverConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cli.Await(ctx))
	first := cli.SessionID()

	require.NoError(t, h.auth.Logout(conn))
	_, err := h.auth.RequireSession(conn.ID(), first)
	require.ErrorIs(t, err, ErrNotAuthenticated)

	require.Eventually(t, func() bool {
		sid := cli.SessionID()
		return cli.Authenticated() && sid != "" && sid != first
	}, waitFor, 10*time.Millisecond)
}

func TestClosedConnectionDropsSession(t *testing.T) {
	testlog.Start(t)
	h := startAuthServer(t, testSession(time.Minute, time.Second))
	peer := dialRawPeer(t, h)
	conn := h.serverConn(t)
	expectPacket[*session.HelloPacket](t, peer)

	_, ok := h.auth.Session(conn.ID())
	require.True(t, ok)

	peer.client.Disconnect()
	require.Eventually(t, func() bool {
		_, ok := h.auth.Session(conn.ID())
		return !ok
	}, waitFor, 10*time.Millisecond)
	require.Empty(t, h.auth.Sessions())
}

func TestClientRequiresAttachment(t *testing.T) {
	cli := NewClient(KeyLogin("k", ""))
	require.ErrorIs(t, cli.Retry(), ErrNoHandshake)
	require.ErrorIs(t, cli.Extend(), ErrNotAuthenticated)
	require.Equal(t, StateIdle, cli.State())
}
