package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/phinix/internal/protocol"
	"google.golang.org/protobuf/types/known/anypb"
)

// Namespace is the envelope namespace of every packet in this package, and
// Module is the transport module they are routed under.
const (
	Namespace = "Authentication"
	Module    = "Authentication"
)

var (
	ErrInvalidHello        = errors.New("session: invalid hello")
	ErrInvalidAuthenticate = errors.New("session: invalid authenticate")
	ErrInvalidAuthResponse = errors.New("session: invalid auth response")
)

// AuthType tags the credential kind a server accepts.
type AuthType int32

const (
	AuthTypeUnspecified AuthType = 0
	AuthTypeKey         AuthType = 1
	AuthTypeCredentials AuthType = 2
)

func (t AuthType) String() string {
	switch t {
	case AuthTypeKey:
		return "key"
	case AuthTypeCredentials:
		return "credentials"
	default:
		return "unspecified"
	}
}

// ParseAuthType accepts the names used in config files.
func ParseAuthType(raw string) (AuthType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "key":
		return AuthTypeKey, nil
	case "credentials", "user", "password":
		return AuthTypeCredentials, nil
	default:
		return AuthTypeUnspecified, fmt.Errorf("session: unknown auth type %q", raw)
	}
}

// FailureReason is the structured rejection cause in AuthResponsePacket.
type FailureReason int32

const (
	FailureNone        FailureReason = 0
	FailureAuthType    FailureReason = 1
	FailureCredentials FailureReason = 2
	FailureSessionID   FailureReason = 3
)

func (r FailureReason) String() string {
	switch r {
	case FailureAuthType:
		return "auth_type"
	case FailureCredentials:
		return "credentials"
	case FailureSessionID:
		return "session_id"
	default:
		return "none"
	}
}

// HelloPacket is sent by the server when a connection is established and
// again whenever a session has to be renegotiated.
type HelloPacket struct {
	ServerName        string
	ServerDescription string
	AuthType          AuthType
	SessionID         string
}

func (*HelloPacket) Namespace() string { return Namespace }
func (*HelloPacket) TypeName() string  { return "HelloPacket" }

func (p *HelloPacket) Marshal() ([]byte, error) {
	var w protocol.FieldWriter
	w.String(1, p.ServerName)
	w.String(2, p.ServerDescription)
	w.Enum(3, int32(p.AuthType))
	w.String(4, p.SessionID)
	return w.Finish(), nil
}

func (p *HelloPacket) Unmarshal(b []byte) error {
	*p = HelloPacket{}
	return protocol.ReadFields(b, func(f protocol.Field) error {
		switch {
		case f.Num == 1 && f.IsBytes():
			p.ServerName = f.String()
		case f.Num == 2 && f.IsBytes():
			p.ServerDescription = f.String()
		case f.Num == 3 && f.IsVarint():
			p.AuthType = AuthType(f.Int32())
		case f.Num == 4 && f.IsBytes():
			p.SessionID = f.String()
		}
		return nil
	})
}

func (p *HelloPacket) Validate() error {
	if strings.TrimSpace(p.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHello)
	}
	if p.AuthType == AuthTypeUnspecified {
		return fmt.Errorf("%w: missing auth_type", ErrInvalidHello)
	}
	return nil
}

// AuthenticatePacket is the client's answer to a Hello.
type AuthenticatePacket struct {
	AuthType          AuthType
	Credentials       *anypb.Any
	SessionID         string
	UseServerUsername bool
	Username          string
}

func (*AuthenticatePacket) Namespace() string { return Namespace }
func (*AuthenticatePacket) TypeName() string  { return "AuthenticatePacket" }

func (p *AuthenticatePacket) Marshal() ([]byte, error) {
	var w protocol.FieldWriter
	w.Enum(1, int32(p.AuthType))
	if err := w.Any(2, p.Credentials); err != nil {
		return nil, err
	}
	w.String(3, p.SessionID)
	w.Bool(4, p.UseServerUsername)
	w.String(5, p.Username)
	return w.Finish(), nil
}

func (p *AuthenticatePacket) Unmarshal(b []byte) error {
	*p = AuthenticatePacket{}
	return protocol.ReadFields(b, func(f protocol.Field) error {
		switch {
		case f.Num == 1 && f.IsVarint():
			p.AuthType = AuthType(f.Int32())
		case f.Num == 2 && f.IsBytes():
			a, err := f.Any()
			if err != nil {
				return fmt.Errorf("%w: credentials: %v", ErrInvalidAuthenticate, err)
			}
			p.Credentials = a
		case f.Num == 3 && f.IsBytes():
			p.SessionID = f.String()
		case f.Num == 4 && f.IsVarint():
			p.UseServerUsername = f.Bool()
		case f.Num == 5 && f.IsBytes():
			p.Username = f.String()
		}
		return nil
	})
}

// AuthResponsePacket reports the outcome of an AuthenticatePacket.
// FailureMessage is free text for humans.
type AuthResponsePacket struct {
	Success        bool
	FailureReason  FailureReason
	FailureMessage string
	SessionID      string
	Username       string
}

func (*AuthResponsePacket) Namespace() string { return Namespace }
func (*AuthResponsePacket) TypeName() string  { return "AuthResponsePacket" }

func (p *AuthResponsePacket) Marshal() ([]byte, error) {
	var w protocol.FieldWriter
	w.Bool(1, p.Success)
	w.Enum(2, int32(p.FailureReason))
	w.String(3, p.FailureMessage)
	w.String(4, p.SessionID)
	w.String(5, p.Username)
	return w.Finish(), nil
}

func (p *AuthResponsePacket) Unmarshal(b []byte) error {
	*p = AuthResponsePacket{}
	return protocol.ReadFields(b, func(f protocol.Field) error {
		switch {
		case f.Num == 1 && f.IsVarint():
			p.Success = f.Bool()
		case f.Num == 2 && f.IsVarint():
			p.FailureReason = FailureReason(f.Int32())
		case f.Num == 3 && f.IsBytes():
			p.FailureMessage = f.String()
		case f.Num == 4 && f.IsBytes():
			p.SessionID = f.String()
		case f.Num == 5 && f.IsBytes():
			p.Username = f.String()
		}
		return nil
	})
}

func (p *AuthResponsePacket) Validate() error {
	if p.Success {
		if strings.TrimSpace(p.SessionID) == "" {
			return fmt.Errorf("%w: success without session_id", ErrInvalidAuthResponse)
		}
		return nil
	}
	if p.FailureReason == FailureNone {
		return fmt.Errorf("%w: failure without reason", ErrInvalidAuthResponse)
	}
	return nil
}
