package demo

import (
	"errors"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/x5iu/streamrpc"
)

var (
	errWireType    = errors.New("wrong wire type")
	errInvalidUTF8 = errors.New("invalid UTF-8")
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

// appendMessage always writes the field so an empty message stays present.
func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// appendStringMap writes m as map<string, string> entries in key order.
func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m[k])
		b = appendMessage(b, num, entry)
	}
	return b
}

type field struct {
	num   protowire.Number
	typ   protowire.Type
	bytes []byte
	x     uint64
}

func (f field) str() (string, error) {
	if f.typ != protowire.BytesType {
		return "", errWireType
	}
	if !utf8.Valid(f.bytes) {
		return "", errInvalidUTF8
	}
	return string(f.bytes), nil
}

func (f field) varint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, errWireType
	}
	return f.x, nil
}

func (f field) message() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, errWireType
	}
	return f.bytes, nil
}

// walk calls fn for every field in b. Unknown fields are skipped by fn.
// Errors come back as *streamrpc.DecodeError carrying the dotted field
// path and the byte offset within b where the failing field starts.
func walk(b []byte, names map[protowire.Number]string, fn func(field) error) error {
	for off := 0; off < len(b); {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return &streamrpc.DecodeError{Offset: int64(off), Err: protowire.ParseError(n)}
		}
		at := off + n
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.x, n = protowire.ConsumeVarint(b[at:])
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b[at:])
		default:
			n = protowire.ConsumeFieldValue(num, typ, b[at:])
		}
		if n < 0 {
			return &streamrpc.DecodeError{Field: names[num], Offset: int64(off), Err: protowire.ParseError(n)}
		}
		if err := fn(f); err != nil {
			var de *streamrpc.DecodeError
			if errors.As(err, &de) {
				// Nested offsets are relative to the embedded message.
				de.Offset += int64(at + n - len(f.bytes))
				de.Field = joinField(names[num], de.Field)
				return de
			}
			return &streamrpc.DecodeError{Field: names[num], Offset: int64(off), Err: err}
		}
		off = at + n
	}
	return nil
}

func joinField(parent, child string) string {
	switch {
	case child == "":
		return parent
	case parent == "":
		return child
	}
	return parent + "." + child
}

func decodeStringMapEntry(b []byte) (string, string, error) {
	var k, v string
	err := walk(b, map[protowire.Number]string{1: "key", 2: "value"}, func(f field) (err error) {
		switch f.num {
		case 1:
			k, err = f.str()
		case 2:
			v, err = f.str()
		}
		return err
	})
	return k, v, err
}
