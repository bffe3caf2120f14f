package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/phinix/internal/protocol/session"
	"github.com/danmuck/phinix/internal/testutil/testlog"
	"github.com/danmuck/phinix/internal/testutil/tlstest"
	"github.com/stretchr/testify/require"
)

type received struct {
	conn    *Conn
	module  string
	payload string
}

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.PingInterval = 200 * time.Millisecond
	cfg.DisconnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(ServerConfig{Session: testSessionConfig()})
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.Name = t.Name()
	cfg.Session = testSessionConfig()
	cli := NewClient(cfg)
	t.Cleanup(cli.Disconnect)
	return cli
}

func TestClientServerRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)

	serverGot := make(chan received, 1)
	require.NoError(t, srv.RegisterPacketHandler("Echo", func(conn *Conn, module string, payload []byte) {
		serverGot <- received{conn: conn, module: module, payload: string(payload)}
		_ = srv.Send(conn, module, append([]byte("re:"), payload...))
	}))

	established := make(chan *Conn, 1)
	srv.OnConnectionEstablished(func(c *Conn) { established <- c })

	cli := newTestClient(t)
	clientGot := make(chan received, 1)
	require.NoError(t, cli.RegisterPacketHandler("Echo", func(conn *Conn, module string, payload []byte) {
		clientGot <- received{module: module, payload: string(payload)}
	}))

	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))
	require.True(t, cli.Connected())

	var serverConn *Conn
	select {
	case serverConn = <-established:
	case <-time.After(5 * time.Second):
		t.Fatalf("server never reported the connection")
	}
	require.Equal(t, t.Name(), serverConn.PeerName())

	require.NoError(t, cli.Send("Echo", []byte("hello")))
	select {
	case got := <-serverGot:
		require.Equal(t, "Echo", got.module)
		require.Equal(t, "hello", got.payload)
		require.Equal(t, serverConn.ID(), got.conn.ID())
	case <-time.After(5 * time.Second):
		t.Fatalf("server handler not invoked")
	}
	select {
	case got := <-clientGot:
		require.Equal(t, "re:hello", got.payload)
	case <-time.After(5 * time.Second):
		t.Fatalf("client handler not invoked")
	}

	conns := srv.Connections()
	require.Len(t, conns, 1)
	require.Equal(t, "established", conns[0].Info().State)
}

func TestSendPreservesOrder(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)

	const n = 200
	got := make(chan string, n)
	require.NoError(t, srv.RegisterPacketHandler("Seq", func(_ *Conn, _ string, payload []byte) {
		got <- string(payload)
	}))

	cli := newTestClient(t)
	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))
	for i := 0; i < n; i++ {
		require.NoError(t, cli.Send("Seq", []byte(fmt.Sprintf("%03d", i))))
	}
	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			require.Equal(t, fmt.Sprintf("%03d", i), v)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out at packet %d", i)
		}
	}
}

func TestUnmatchedModuleIsDroppedSilently(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)
	delivered := make(chan struct{}, 1)
	require.NoError(t, srv.RegisterPacketHandler("Known", func(*Conn, string, []byte) {
		delivered <- struct{}{}
	}))

	cli := newTestClient(t)
	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))
	require.NoError(t, cli.Send("Unknown", []byte{1}))
	require.NoError(t, cli.Send("Known", []byte{2}))

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatalf("known packet not delivered after unknown one")
	}
	require.Equal(t, uint64(1), srv.DroppedPackets())
	require.True(t, cli.Connected(), "drop must not close the link")
}

func TestSendWithoutConnectionFails(t *testing.T) {
	testlog.Start(t)
	cli := newTestClient(t)
	require.ErrorIs(t, cli.Send("Chat", []byte{1}), ErrNotConnected)
	require.ErrorIs(t, cli.Send("", []byte{1}), ErrArgument)
	require.ErrorIs(t, cli.Send("Chat", nil), ErrArgument)

	srv := NewServer(DefaultServerConfig())
	require.ErrorIs(t, srv.Send(nil, "Chat", []byte{1}), ErrArgument)
	closed := newConn(nil, nil, DefaultServerConfig().Limits)
	_ = closed.Close()
	require.ErrorIs(t, srv.Send(closed, "Chat", []byte{1}), ErrNotConnected)
	require.ErrorIs(t, closed.send("Chat", []byte{1}), ErrNotConnected)
}

func TestSendAfterDisconnectFails(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)
	cli := newTestClient(t)
	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))
	cli.Disconnect()
	require.False(t, cli.Connected())
	require.ErrorIs(t, cli.Send("Chat", []byte{1}), ErrNotConnected)
	cli.Disconnect()
}

func TestVerifiedMutualTLSLink(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "phinix-link")
	serverPair := ca.Server(t, "phinixd", "127.0.0.1")
	clientPair := ca.Client(t, "phinixctl")

	srvSess := testSessionConfig()
	srvSess.SecurityMode = session.SecurityModeProduction
	srvSess.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: serverPair.CertFile, KeyFile: serverPair.KeyFile, CAFile: ca.CAFile()}
	srv := NewServer(ServerConfig{Session: srvSess})
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Stop() })

	got := make(chan string, 1)
	require.NoError(t, srv.RegisterPacketHandler("Echo", func(_ *Conn, _ string, payload []byte) {
		got <- string(payload)
	}))

	cfg := DefaultClientConfig()
	cfg.Name = t.Name()
	cfg.Session = testSessionConfig()
	cfg.Session.SecurityMode = session.SecurityModeProduction
	cfg.Session.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: clientPair.CertFile, KeyFile: clientPair.KeyFile, CAFile: ca.CAFile()}
	cli := NewClient(cfg)
	t.Cleanup(cli.Disconnect)

	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))
	require.NoError(t, cli.Send("Echo", []byte("verified")))
	select {
	case p := <-got:
		require.Equal(t, "verified", p)
	case <-time.After(2 * time.Second):
		t.Fatal("packet not delivered over verified link")
	}

	// A client from a different authority never gets a usable link. Under
	// TLS 1.3 the dial may return before the server rejects the certificate.
	other := tlstest.NewAuthority(t, "phinix-other")
	stranger := other.Client(t, "stranger")
	cfg.Session.TLS.CertFile, cfg.Session.TLS.KeyFile = stranger.CertFile, stranger.KeyFile
	bad := NewClient(cfg)
	t.Cleanup(bad.Disconnect)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bad.Connect(ctx, srv.Addr()); err == nil {
		require.Eventually(t, func() bool { return !bad.Connected() }, 2*time.Second, 10*time.Millisecond)
	}
	require.Len(t, srv.Connections(), 1)
}

func TestSendAfterPeerCloseFails(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)
	established := make(chan *Conn, 1)
	srv.OnConnectionEstablished(func(c *Conn) { established <- c })

	cli := newTestClient(t)
	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))

	var serverConn *Conn
	select {
	case serverConn = <-established:
	case <-time.After(2 * time.Second):
		t.Fatal("server never established the link")
	}
	require.NoError(t, serverConn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := cli.Send("Chat", []byte{1})
		if err != nil {
			require.ErrorIs(t, err, ErrNotConnected)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("send kept succeeding after the peer closed the link")
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.ErrorIs(t, cli.Send("Chat", []byte{1}), ErrNotConnected)
}

func TestDisconnectStopsPollLoop(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)

	var serverConn atomic.Pointer[Conn]
	srv.OnConnectionEstablished(func(c *Conn) { serverConn.Store(c) })

	cli := newTestClient(t)
	var inFlight, calls atomic.Int64
	require.NoError(t, cli.RegisterPacketHandler("Flood", func(*Conn, string, []byte) {
		inFlight.Add(1)
		calls.Add(1)
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	}))
	disconnected := make(chan struct{}, 1)
	cli.OnDisconnected(func(*Conn) { disconnected <- struct{}{} })

	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))
	require.Eventually(t, func() bool { return serverConn.Load() != nil }, 5*time.Second, 10*time.Millisecond)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if err := srv.Send(serverConn.Load(), "Flood", []byte{1}); err != nil {
					return
				}
			}
		}
	}()
	defer close(stop)

	require.Eventually(t, func() bool { return calls.Load() > 5 }, 5*time.Second, 5*time.Millisecond)
	cli.Disconnect()
	require.Equal(t, int64(0), inFlight.Load(), "handler still running after Disconnect")

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, calls.Load(), "handler invoked after Disconnect")

	select {
	case <-disconnected:
	default:
		t.Fatalf("disconnect notification not delivered before Disconnect returned")
	}
}

func TestConnectReplacesExistingLink(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)
	closed := make(chan string, 2)
	srv.OnConnectionClosed(func(c *Conn) { closed <- c.ID() })

	cli := newTestClient(t)
	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))
	first := cli.Conn()
	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))
	require.NotEqual(t, first.ID(), cli.Conn().ID())
	require.Equal(t, ConnClosed, first.State())

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("server never observed the replaced link closing")
	}
}

func TestServerStartTwiceAndStop(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)
	require.ErrorIs(t, srv.Start(context.Background(), "127.0.0.1:0"), ErrAlreadyListening)

	closed := make(chan struct{}, 1)
	removeClosed := srv.OnConnectionClosed(func(*Conn) { closed <- struct{}{} })
	defer removeClosed()

	cli := newTestClient(t)
	clientDown := make(chan struct{}, 1)
	cli.OnDisconnected(func(*Conn) { clientDown <- struct{}{} })
	require.NoError(t, cli.Connect(context.Background(), srv.Addr()))
	require.Eventually(t, func() bool { return len(srv.Connections()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop())
	require.Empty(t, srv.Connections())
	require.Equal(t, "", srv.Addr())
	select {
	case <-closed:
	default:
		t.Fatalf("Stop returned before close notifications ran")
	}
	select {
	case <-clientDown:
	case <-time.After(5 * time.Second):
		t.Fatalf("client did not observe server stop")
	}
	require.NoError(t, srv.Stop())
}

func TestConnectHostValidation(t *testing.T) {
	testlog.Start(t)
	cli := newTestClient(t)
	require.ErrorIs(t, cli.ConnectHost(context.Background(), "localhost", 0), ErrPortRange)
	require.ErrorIs(t, cli.ConnectHost(context.Background(), "localhost", 65536), ErrPortRange)
	require.ErrorIs(t, cli.ConnectHost(context.Background(), "phinix.invalid", 7777), ErrAddressResolution)
}

func TestConnectHostResolvesLocalhost(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)
	_, port := splitPort(t, srv.Addr())
	cli := newTestClient(t)
	require.NoError(t, cli.ConnectHost(context.Background(), "localhost", port))
	require.True(t, cli.Connected())
}

func TestLogObserversReceiveEntries(t *testing.T) {
	testlog.Start(t)
	srv := NewServer(ServerConfig{Session: testSessionConfig()})
	entries := make(chan LogEntry, 16)
	remove := srv.OnLog(func(e LogEntry) { entries <- e })
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	defer srv.Stop()
	remove()

	select {
	case e := <-entries:
		require.Contains(t, e.Message, "transport.Server.Start")
	case <-time.After(time.Second):
		t.Fatalf("no log entry delivered")
	}
}
