package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/phinix/internal/observability"
	"github.com/danmuck/phinix/internal/protocol/frame"
	"github.com/danmuck/phinix/internal/protocol/schema"
	"github.com/danmuck/phinix/internal/protocol/session"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

const sideClient = "client"

type ClientConfig struct {
	// Name is announced to the server when the link opens.
	Name    string
	Session session.Config
	Limits  frame.Limits
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session: session.DefaultConfig(),
		Limits:  frame.DefaultLimits(),
	}
}

// Client owns at most one outbound link. All inbound packets for the link
// are dispatched on a single poll loop goroutine.
type Client struct {
	*Core
	cfg      ClientConfig
	resolver *net.Resolver

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex

	mu     sync.Mutex
	conn   *Conn
	cancel context.CancelFunc
	done   chan struct{}

	connected    observers[func(*Conn)]
	disconnected observers[func(*Conn)]
}

func NewClient(cfg ClientConfig) *Client {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Client{
		Core:     newCore(sideClient),
		cfg:      cfg,
		resolver: net.DefaultResolver,
	}
}

// OnConnected subscribes fn; it runs on the poll loop before any packet of
// the new link is dispatched.
func (c *Client) OnConnected(fn func(*Conn)) (remove func()) {
	return c.connected.add(fn)
}

// OnDisconnected subscribes fn; it runs on the poll loop after the last
// packet of the link was dispatched.
func (c *Client) OnDisconnected(fn func(*Conn)) (remove func()) {
	return c.disconnected.add(fn)
}

// Connect dials endpoint (host:port), replacing any existing link.
// It must not be called from a packet handler.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint %q: %v", ErrArgument, endpoint, err)
	}
	return c.connect(ctx, endpoint, host)
}

// ConnectHost resolves host with a blocking DNS lookup and connects to the
// first address, preferring IPv4.
func (c *Client) ConnectHost(ctx context.Context, host string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrPortRange, port)
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrArgument)
	}
	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAddressResolution, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s: no addresses", ErrAddressResolution, host)
	}
	ip := addrs[0].IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			ip = a.IP
			break
		}
	}
	endpoint := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	return c.connect(ctx, endpoint, host)
}

func (c *Client) connect(ctx context.Context, endpoint, serverName string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.disconnectLocked()

	sess := c.cfg.Session
	if strings.TrimSpace(sess.TLS.ServerName) == "" {
		sess.TLS.ServerName = serverName
	}
	tlsConf, err := sess.ClientTLSConfig(endpoint)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, sess.ConnectTimeout)
	defer cancel()
	c.logf(zerolog.DebugLevel, nil, "transport.Client.Connect dialing endpoint=%q", endpoint)
	qc, err := quic.DialAddr(dialCtx, endpoint, tlsConf, quicConfig(sess, -1))
	if err != nil {
		c.logf(zerolog.WarnLevel, nil, "transport.Client.Connect dial endpoint=%q err=%v", endpoint, err)
		return fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	stream, err := qc.OpenStreamSync(dialCtx)
	if err != nil {
		_ = qc.CloseWithError(closeProtocol, "open stream")
		return fmt.Errorf("transport: open stream %s: %w", endpoint, err)
	}

	conn := newConn(qc, stream, c.cfg.Limits)
	// The stream only becomes visible to the server once bytes are written.
	if err := conn.writeFrame(schema.MsgLinkOpen, encodeLinkOpen(c.cfg.Name)); err != nil {
		_ = conn.closeWithError(closeProtocol, "link open")
		return err
	}
	conn.markEstablished()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.cancel = loopCancel
	c.done = done
	c.mu.Unlock()

	observability.AddActiveConnections(sideClient, 1)
	c.logf(zerolog.InfoLevel, conn, "transport.Client.Connect connected remote=%q", conn.RemoteAddr())
	go c.pollLoop(loopCtx, conn, done)
	return nil
}

// Disconnect closes the link and waits for the poll loop to exit, so no
// handler is running once it returns. It is a no-op without a link and must
// not be called from a packet handler; handlers use Conn.Close instead.
func (c *Client) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.mu.Unlock()
	if conn == nil {
		return
	}
	cancel()
	_ = conn.Close()
	<-done
}

// Connected reports whether an established link exists.
func (c *Client) Connected() bool {
	conn := c.Conn()
	return conn != nil && conn.Established()
}

// Conn returns the current link or nil.
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Send writes one packet. Sends are reliable and ordered per link and may
// be called from any goroutine.
func (c *Client) Send(module string, payload []byte) error {
	if module == "" || len(payload) == 0 {
		return fmt.Errorf("%w: module and payload are required", ErrArgument)
	}
	conn := c.Conn()
	if conn == nil || !conn.Established() {
		return ErrNotConnected
	}
	return conn.send(module, payload)
}

func (c *Client) pollLoop(ctx context.Context, conn *Conn, done chan struct{}) {
	defer close(done)
	for _, fn := range c.connected.snapshot() {
		fn(conn)
	}

	for {
		fr, err := conn.readFrame()
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			c.logReadEnd(conn, err)
			break
		}
		c.dispatch(fr.Header, conn, fr.Payload)
	}
	c.finish(conn)
}

func (c *Client) finish(conn *Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.cancel = nil
		c.done = nil
	}
	c.mu.Unlock()

	observability.AddActiveConnections(sideClient, -1)
	c.logf(zerolog.InfoLevel, conn, "transport.Client disconnected remote=%q", conn.RemoteAddr())
	for _, fn := range c.disconnected.snapshot() {
		fn(conn)
	}
}

func (c *Core) logReadEnd(conn *Conn, err error) {
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	switch {
	case errors.Is(err, io.EOF), errors.As(err, &appErr):
		c.logf(zerolog.DebugLevel, conn, "transport.%s.read closed by peer err=%v", c.side, err)
	case errors.As(err, &idleErr):
		c.logf(zerolog.InfoLevel, conn, "transport.%s.read idle timeout", c.side)
	default:
		c.logf(zerolog.WarnLevel, conn, "transport.%s.read err=%v", c.side, err)
	}
}
