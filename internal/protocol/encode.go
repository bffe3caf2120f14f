package protocol

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Pack wraps m in an Any carrying its Phinix type URL.
func Pack(m Message) (*anypb.Any, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	body, err := m.Marshal()
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", m.TypeName(), err)
	}
	return &anypb.Any{TypeUrl: TypeURLOf(m).String(), Value: body}, nil
}

// Marshal packs m and serializes the envelope for the wire.
func Marshal(m Message) ([]byte, error) {
	a, err := Pack(m)
	if err != nil {
		return nil, err
	}
	return MarshalAny(a)
}

func MarshalAny(a *anypb.Any) ([]byte, error) {
	if a == nil {
		return nil, ErrNilMessage
	}
	return proto.Marshal(a)
}
