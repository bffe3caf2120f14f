package protocol

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// DecodeAny parses raw as an envelope without looking at its type URL.
func DecodeAny(raw []byte) (*anypb.Any, error) {
	a := &anypb.Any{}
	if err := proto.Unmarshal(raw, a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return a, nil
}

// Unpack decodes a into m after checking the full type URL matches m.
func Unpack(a *anypb.Any, m Message) error {
	if a == nil || m == nil {
		return ErrNilMessage
	}
	want := TypeURLOf(m).String()
	if a.GetTypeUrl() != want {
		return fmt.Errorf("%w: got %q want %q", ErrTypeMismatch, a.GetTypeUrl(), want)
	}
	if err := m.Unmarshal(a.GetValue()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, m.TypeName(), err)
	}
	return nil
}

// Unmarshal decodes a wire envelope straight into m.
func Unmarshal(raw []byte, m Message) error {
	a, err := DecodeAny(raw)
	if err != nil {
		return err
	}
	return Unpack(a, m)
}

// Is reports whether a carries a message of m's type.
func Is(a *anypb.Any, m Message) bool {
	return a != nil && a.GetTypeUrl() == TypeURLOf(m).String()
}
