package session

import (
	"time"

	"github.com/danmuck/phinix/internal/protocol"
)

// ExtendSessionPacket asks the server to refresh an authenticated session.
type ExtendSessionPacket struct {
	SessionID string
}

func (*ExtendSessionPacket) Namespace() string { return Namespace }
func (*ExtendSessionPacket) TypeName() string  { return "ExtendSessionPacket" }

func (p *ExtendSessionPacket) Marshal() ([]byte, error) {
	var w protocol.FieldWriter
	w.String(1, p.SessionID)
	return w.Finish(), nil
}

func (p *ExtendSessionPacket) Unmarshal(b []byte) error {
	*p = ExtendSessionPacket{}
	return protocol.ReadFields(b, func(f protocol.Field) error {
		if f.Num == 1 && f.IsBytes() {
			p.SessionID = f.String()
		}
		return nil
	})
}

// ExtendSessionResponsePacket carries the remaining lifetime in milliseconds.
type ExtendSessionResponsePacket struct {
	Success   bool
	ExpiresIn int64
}

func (*ExtendSessionResponsePacket) Namespace() string { return Namespace }
func (*ExtendSessionResponsePacket) TypeName() string  { return "ExtendSessionResponsePacket" }

func (p *ExtendSessionResponsePacket) Marshal() ([]byte, error) {
	var w protocol.FieldWriter
	w.Bool(1, p.Success)
	w.Int64(2, p.ExpiresIn)
	return w.Finish(), nil
}

func (p *ExtendSessionResponsePacket) Unmarshal(b []byte) error {
	*p = ExtendSessionResponsePacket{}
	return protocol.ReadFields(b, func(f protocol.Field) error {
		switch {
		case f.Num == 1 && f.IsVarint():
			p.Success = f.Bool()
		case f.Num == 2 && f.IsVarint():
			p.ExpiresIn = f.Int64()
		}
		return nil
	})
}

// Lifetime converts ExpiresIn to a duration.
func (p *ExtendSessionResponsePacket) Lifetime() time.Duration {
	return time.Duration(p.ExpiresIn) * time.Millisecond
}
