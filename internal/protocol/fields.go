package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// FieldWriter appends protobuf wire fields. Zero values are omitted the same
// way proto3 scalars are.
type FieldWriter struct {
	buf []byte
}

func (w *FieldWriter) String(num protowire.Number, v string) {
	if v == "" {
		return
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendString(w.buf, v)
}

func (w *FieldWriter) Bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, v)
}

func (w *FieldWriter) Bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeBool(v))
}

func (w *FieldWriter) Uint64(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, v)
}

func (w *FieldWriter) Int64(num protowire.Number, v int64) {
	w.Uint64(num, uint64(v))
}

func (w *FieldWriter) Enum(num protowire.Number, v int32) {
	w.Uint64(num, uint64(int64(v)))
}

// Any writes a nested envelope. A nil Any is omitted.
func (w *FieldWriter) Any(num protowire.Number, a *anypb.Any) error {
	if a == nil {
		return nil
	}
	b, err := proto.Marshal(a)
	if err != nil {
		return err
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, b)
	return nil
}

func (w *FieldWriter) Finish() []byte {
	return w.buf
}

// Field is one decoded protobuf wire field. Varint holds varint and fixed
// values; Raw holds length-delimited values.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Raw    []byte
}

func (f Field) IsVarint() bool { return f.Type == protowire.VarintType }
func (f Field) IsBytes() bool  { return f.Type == protowire.BytesType }

func (f Field) String() string { return string(f.Raw) }
func (f Field) Bool() bool     { return protowire.DecodeBool(f.Varint) }
func (f Field) Int64() int64   { return int64(f.Varint) }
func (f Field) Int32() int32   { return int32(f.Varint) }

// Any decodes a nested envelope field.
func (f Field) Any() (*anypb.Any, error) {
	a := &anypb.Any{}
	if err := proto.Unmarshal(f.Raw, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ReadFields walks b and calls fn once per field in wire order. Groups are
// skipped. The caller ignores numbers it does not know.
func ReadFields(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Varint = uint64(v)
		case protowire.Fixed64Type:
			f.Varint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
