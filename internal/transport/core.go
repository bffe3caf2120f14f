package transport

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/danmuck/phinix/internal/observability"
	"github.com/danmuck/phinix/internal/protocol/frame"
	"github.com/danmuck/phinix/internal/protocol/schema"
	"github.com/danmuck/phinix/internal/protocol/session"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Drop reasons, also used as metric labels.
const (
	DropNoHandler   = "no_handler"
	DropMalformed   = "malformed"
	DropMessageType = "message_type"
	DropPanic       = "handler_panic"
)

// LogEntry is one transport log line delivered to OnLog subscribers.
type LogEntry struct {
	Time    time.Time
	Level   zerolog.Level
	Message string
	ConnID  string
}

// Core is the handler registry, log sink and dispatcher shared by Client
// and Server.
type Core struct {
	side     string
	registry *Registry
	logObs   observers[func(LogEntry)]
	dropped  atomic.Uint64
}

func newCore(side string) *Core {
	return &Core{side: side, registry: NewRegistry()}
}

// Registry exposes the instance registry to collaborators.
func (c *Core) Registry() *Registry { return c.registry }

func (c *Core) RegisterPacketHandler(module string, h Handler) error {
	if err := c.registry.Register(module, h); err != nil {
		c.logf(zerolog.WarnLevel, nil, "transport.%s.RegisterPacketHandler module=%q err=%v", c.side, module, err)
		return err
	}
	c.logf(zerolog.DebugLevel, nil, "transport.%s.RegisterPacketHandler module=%q", c.side, module)
	return nil
}

func (c *Core) UnregisterPacketHandler(module string) {
	c.registry.Unregister(module)
}

func (c *Core) UnregisterAllPacketHandlers() {
	c.registry.UnregisterAll()
}

// OnLog subscribes fn to every transport log entry. Entries are delivered
// synchronously on the goroutine that produced them.
func (c *Core) OnLog(fn func(LogEntry)) (remove func()) {
	return c.logObs.add(fn)
}

// DroppedPackets counts inbound packets that reached no handler.
func (c *Core) DroppedPackets() uint64 {
	return c.dropped.Load()
}

func (c *Core) logf(level zerolog.Level, conn *Conn, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	connID := ""
	if conn != nil {
		connID = conn.ID()
	}
	ev := log.WithLevel(level)
	if connID != "" {
		ev = ev.Str("conn", connID)
	}
	ev.Msg(msg)

	subs := c.logObs.snapshot()
	if len(subs) == 0 {
		return
	}
	entry := LogEntry{Time: time.Now(), Level: level, Message: msg, ConnID: connID}
	for _, fn := range subs {
		fn(entry)
	}
}

func (c *Core) drop(conn *Conn, reason, detail string) {
	c.dropped.Add(1)
	observability.RecordPacketDropped(c.side, reason)
	c.logf(zerolog.DebugLevel, conn, "transport.%s.dispatch drop reason=%s %s", c.side, reason, detail)
}

// dispatch routes one inbound frame to its module handler. Unmatched and
// malformed packets are dropped and counted; they never close the link.
func (c *Core) dispatch(h frame.Header, conn *Conn, payload []byte) {
	if h.MessageType != schema.MsgPacket {
		c.drop(conn, DropMessageType, fmt.Sprintf("message_type=%d", h.MessageType))
		return
	}
	module, body, err := decodePacket(payload)
	if err != nil {
		c.drop(conn, DropMalformed, fmt.Sprintf("message_id=%d err=%v", h.MessageID, err))
		return
	}
	handler, ok := c.registry.Lookup(module)
	if !ok {
		c.drop(conn, DropNoHandler, fmt.Sprintf("module=%q", module))
		return
	}
	observability.RecordPacketDispatched(c.side, module)
	c.invoke(handler, conn, module, body)
}

func (c *Core) invoke(handler Handler, conn *Conn, module string, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.dropped.Add(1)
			observability.RecordPacketDropped(c.side, DropPanic)
			c.logf(zerolog.ErrorLevel, conn, "transport.%s.dispatch handler panic module=%q panic=%v\n%s", c.side, module, r, debug.Stack())
		}
	}()
	handler(conn, module, body)
}

// quicConfig maps link timing onto quic-go. maxStreams < 0 refuses
// peer-initiated streams.
func quicConfig(cfg session.Config, maxStreams int64) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: cfg.HandshakeTimeout,
		MaxIdleTimeout:       cfg.DisconnectTimeout,
		KeepAlivePeriod:      cfg.PingInterval,
		MaxIncomingStreams:   maxStreams,
		// One stream per link; unidirectional streams are unused.
		MaxIncomingUniStreams: -1,
	}
}
