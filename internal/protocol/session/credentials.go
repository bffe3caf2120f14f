package session

import (
	"github.com/danmuck/phinix/internal/protocol"
	"google.golang.org/protobuf/types/known/anypb"
)

// KeyCredentials is a shared secret, used with AuthTypeKey.
type KeyCredentials struct {
	Key string
}

func (*KeyCredentials) Namespace() string { return Namespace }
func (*KeyCredentials) TypeName() string  { return "KeyCredentials" }

func (c *KeyCredentials) Marshal() ([]byte, error) {
	var w protocol.FieldWriter
	w.String(1, c.Key)
	return w.Finish(), nil
}

func (c *KeyCredentials) Unmarshal(b []byte) error {
	*c = KeyCredentials{}
	return protocol.ReadFields(b, func(f protocol.Field) error {
		if f.Num == 1 && f.IsBytes() {
			c.Key = f.String()
		}
		return nil
	})
}

// UserCredentials is a username/password pair, used with AuthTypeCredentials.
type UserCredentials struct {
	Username string
	Password string
}

func (*UserCredentials) Namespace() string { return Namespace }
func (*UserCredentials) TypeName() string  { return "UserCredentials" }

func (c *UserCredentials) Marshal() ([]byte, error) {
	var w protocol.FieldWriter
	w.String(1, c.Username)
	w.String(2, c.Password)
	return w.Finish(), nil
}

func (c *UserCredentials) Unmarshal(b []byte) error {
	*c = UserCredentials{}
	return protocol.ReadFields(b, func(f protocol.Field) error {
		switch {
		case f.Num == 1 && f.IsBytes():
			c.Username = f.String()
		case f.Num == 2 && f.IsBytes():
			c.Password = f.String()
		}
		return nil
	})
}

// NewAuthenticate builds an AuthenticatePacket answering hello with creds.
func NewAuthenticate(hello *HelloPacket, creds protocol.Message, username string, useServerUsername bool) (*AuthenticatePacket, error) {
	var packed *anypb.Any
	if creds != nil {
		a, err := protocol.Pack(creds)
		if err != nil {
			return nil, err
		}
		packed = a
	}
	return &AuthenticatePacket{
		AuthType:          hello.AuthType,
		Credentials:       packed,
		SessionID:         hello.SessionID,
		UseServerUsername: useServerUsername,
		Username:          username,
	}, nil
}
