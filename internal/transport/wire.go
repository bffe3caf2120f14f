package transport

import (
	"fmt"

	"github.com/danmuck/phinix/internal/protocol/schema"
	"github.com/danmuck/phinix/internal/protocol/tlv"
)

func encodePacket(module string, payload []byte) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldModule, module),
		tlv.Bytes(schema.FieldPayload, payload),
	})
}

func decodePacket(b []byte) (string, []byte, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return "", nil, err
	}
	if err := schema.Validate(schema.MsgPacket, fields); err != nil {
		return "", nil, err
	}
	module, _ := tlv.GetField(fields, schema.FieldModule)
	payload, _ := tlv.GetField(fields, schema.FieldPayload)
	return string(module.Value), payload.Value, nil
}

func encodeLinkOpen(peerName string) []byte {
	fields := []tlv.Field{tlv.String(schema.FieldLinkProtocol, schema.LinkProtocol)}
	if peerName != "" {
		fields = append(fields, tlv.String(schema.FieldLinkClient, peerName))
	}
	return tlv.EncodeFields(fields)
}

func decodeLinkOpen(b []byte) (string, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return "", err
	}
	if err := schema.Validate(schema.MsgLinkOpen, fields); err != nil {
		return "", err
	}
	proto, _ := tlv.GetField(fields, schema.FieldLinkProtocol)
	if string(proto.Value) != schema.LinkProtocol {
		return "", fmt.Errorf("%w: %q", ErrLinkProtocol, proto.Value)
	}
	name, ok := tlv.GetField(fields, schema.FieldLinkClient)
	if !ok || tlv.MustType(name, tlv.TypeString) != nil {
		return "", nil
	}
	return string(name.Value), nil
}
