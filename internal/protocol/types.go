package protocol

import (
	"fmt"
	"strings"
)

// Prefix is the first path segment of every type URL on the wire.
const Prefix = "Phinix"

// TypeURL is the parsed form of an envelope type URL.
type TypeURL struct {
	Prefix    string
	Namespace string
	TypeName  string
}

func (u TypeURL) String() string {
	return u.Prefix + "/" + u.Namespace + "." + u.TypeName
}

// ParseTypeURL splits s into prefix (before the first '/'), type name (after
// the last '.') and namespace (the dot segments between them).
func ParseTypeURL(s string) (TypeURL, error) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return TypeURL{}, fmt.Errorf("%w: %q has no '/'", ErrFormat, s)
	}
	prefix, rest := s[:slash], s[slash+1:]
	if strings.IndexByte(rest, '/') >= 0 {
		return TypeURL{}, fmt.Errorf("%w: %q has more than one '/'", ErrFormat, s)
	}
	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return TypeURL{}, fmt.Errorf("%w: %q has no '.' after '/'", ErrFormat, s)
	}
	u := TypeURL{Prefix: prefix, Namespace: rest[:dot], TypeName: rest[dot+1:]}
	if u.Prefix == "" || u.Namespace == "" || u.TypeName == "" {
		return TypeURL{}, fmt.Errorf("%w: %q has an empty part", ErrFormat, s)
	}
	for _, seg := range strings.Split(u.Namespace, ".") {
		if seg == "" {
			return TypeURL{}, fmt.Errorf("%w: %q has an empty namespace segment", ErrFormat, s)
		}
	}
	return u, nil
}

// Message is a packet that can travel inside an envelope.
type Message interface {
	Namespace() string
	TypeName() string
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// TypeURLOf returns the wire type URL for m.
func TypeURLOf(m Message) TypeURL {
	return TypeURL{Prefix: Prefix, Namespace: m.Namespace(), TypeName: m.TypeName()}
}
