package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/phinix/internal/protocol/frame"
	"github.com/danmuck/phinix/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

// QUIC application close codes.
const (
	closeNormal   quic.ApplicationErrorCode = 0
	closeProtocol quic.ApplicationErrorCode = 1
)

type ConnState int32

const (
	ConnConnecting ConnState = iota
	ConnEstablished
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Conn is one QUIC link and its single packet stream.
type Conn struct {
	id        string
	qc        *quic.Conn
	stream    *quic.Stream
	limits    frame.Limits
	createdAt time.Time

	state  atomic.Int32
	nextID atomic.Uint64
	peer   atomic.Pointer[string]

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(qc *quic.Conn, stream *quic.Stream, limits frame.Limits) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		qc:        qc,
		stream:    stream,
		limits:    limits,
		createdAt: time.Now(),
	}
	c.state.Store(int32(ConnConnecting))
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string {
	if c.qc == nil {
		return ""
	}
	return c.qc.RemoteAddr().String()
}

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) Established() bool { return c.State() == ConnEstablished }

func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// PeerName is the name a client announced when opening the link.
func (c *Conn) PeerName() string {
	if p := c.peer.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Conn) setPeerName(name string) { c.peer.Store(&name) }

func (c *Conn) markEstablished() bool {
	return c.state.CompareAndSwap(int32(ConnConnecting), int32(ConnEstablished))
}

func (c *Conn) send(module string, payload []byte) error {
	return c.writeFrame(schema.MsgPacket, encodePacket(module, payload))
}

func (c *Conn) writeFrame(messageType uint32, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.State() == ConnClosed {
		return ErrNotConnected
	}
	fr := frame.New(c.nextID.Add(1), messageType, payload)
	if err := frame.WriteFrame(c.stream, fr, c.limits); err != nil {
		if c.linkLost(err) {
			c.state.Store(int32(ConnClosed))
			return fmt.Errorf("%w: write conn=%s: %v", ErrNotConnected, c.id, err)
		}
		return fmt.Errorf("transport: write conn=%s: %w", c.id, err)
	}
	return nil
}

// linkLost reports whether a write failed because the link itself is gone.
func (c *Conn) linkLost(err error) bool {
	if c.qc != nil && c.qc.Context().Err() != nil {
		return true
	}
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	var streamErr *quic.StreamError
	return errors.As(err, &appErr) || errors.As(err, &idleErr) || errors.As(err, &streamErr)
}

// readFrame is only called from the connection's read loop.
func (c *Conn) readFrame() (frame.Frame, error) {
	return frame.ReadFrame(c.stream, c.limits)
}

// Close ends the link. It unblocks the read loop, which then reports the
// connection as closed to subscribers.
func (c *Conn) Close() error {
	return c.closeWithError(closeNormal, "closed")
}

func (c *Conn) closeWithError(code quic.ApplicationErrorCode, reason string) error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(ConnClosed))
		if c.stream != nil {
			c.stream.CancelRead(quic.StreamErrorCode(code))
			_ = c.stream.Close()
		}
		if c.qc != nil {
			c.closeErr = c.qc.CloseWithError(code, reason)
		}
	})
	return c.closeErr
}

// ConnInfo is a point-in-time view of a Conn for admin surfaces.
type ConnInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	PeerName   string    `json:"peer_name,omitempty"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

func (c *Conn) Info() ConnInfo {
	return ConnInfo{
		ID:         c.id,
		RemoteAddr: c.RemoteAddr(),
		PeerName:   c.PeerName(),
		State:      c.State().String(),
		CreatedAt:  c.createdAt,
	}
}
