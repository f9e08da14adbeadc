package streamrpc

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Format selects the serialization used for a call's messages.
type Format string

const (
	FormatJSON   Format = "json"
	FormatBinary Format = "binary"
)

func (f Format) String() string { return string(f) }

// ParseFormat accepts "json", "binary" and "protobuf" (an alias of binary).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "binary", "protobuf", "proto":
		return FormatBinary, nil
	}
	return "", fmt.Errorf("streamrpc: unknown format %q", s)
}

// Codec converts one message type to bytes and back. Both functions must be
// safe for concurrent use.
type Codec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// DecodeError reports malformed input. Offset is -1 and Field is empty when
// the decoder could not tell where validation failed.
type DecodeError struct {
	Format Format
	Field  string
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("streamrpc: decode ")
	b.WriteString(string(e.Format))
	if e.Field != "" {
		b.WriteString(": field ")
		b.WriteString(e.Field)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

// Marshal serializes v in the given format. The binary format needs v to be
// a proto.Message or an encoding.BinaryMarshaler.
func Marshal(format Format, v any) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.Marshal(v)
	case FormatBinary:
		switch m := v.(type) {
		case proto.Message:
			return proto.MarshalOptions{Deterministic: true}.Marshal(m)
		case encoding.BinaryMarshaler:
			return m.MarshalBinary()
		}
		return nil, fmt.Errorf("streamrpc: %T has no binary encoding", v)
	}
	return nil, fmt.Errorf("streamrpc: unknown format %q", format)
}

// Unmarshal decodes data into v, which must be a pointer. Malformed input is
// reported as a *DecodeError.
func Unmarshal(format Format, data []byte, v any) error {
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return jsonDecodeError(err)
		}
		return nil
	case FormatBinary:
		switch m := v.(type) {
		case proto.Message:
			if err := proto.Unmarshal(data, m); err != nil {
				return &DecodeError{Format: FormatBinary, Offset: -1, Err: err}
			}
			return nil
		case encoding.BinaryUnmarshaler:
			if err := m.UnmarshalBinary(data); err != nil {
				var de *DecodeError
				if errors.As(err, &de) {
					de.Format = FormatBinary
					return de
				}
				return &DecodeError{Format: FormatBinary, Offset: -1, Err: err}
			}
			return nil
		}
		return fmt.Errorf("streamrpc: %T has no binary decoding", v)
	}
	return fmt.Errorf("streamrpc: unknown format %q", format)
}

func jsonDecodeError(err error) *DecodeError {
	de := &DecodeError{Format: FormatJSON, Offset: -1, Err: err}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		de.Offset = syntax.Offset
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		de.Offset = typ.Offset
		de.Field = typ.Field
	}
	return de
}

// NewCodec builds the codec pair for T in the given format. Pointer and
// value types are both accepted; for the binary format the methods may be
// declared on either receiver.
func NewCodec[T any](format Format) Codec[T] {
	return Codec[T]{
		Encode: func(v T) ([]byte, error) {
			if format == FormatBinary && !hasBinaryEncoding(v) {
				return Marshal(format, &v)
			}
			return Marshal(format, v)
		},
		Decode: func(data []byte) (T, error) {
			var v T
			target := any(&v)
			if rt := reflect.TypeFor[T](); rt.Kind() == reflect.Pointer {
				v = reflect.New(rt.Elem()).Interface().(T)
				target = v
			}
			if err := Unmarshal(format, data, target); err != nil {
				var zero T
				return zero, err
			}
			return v, nil
		},
	}
}

func hasBinaryEncoding(v any) bool {
	switch v.(type) {
	case proto.Message, encoding.BinaryMarshaler:
		return true
	}
	return false
}

// StringCodec carries plain strings: a JSON string literal, or a
// google.protobuf.StringValue in the binary format.
func StringCodec(format Format) Codec[string] {
	if format == FormatBinary {
		return Codec[string]{
			Encode: func(s string) ([]byte, error) {
				return proto.Marshal(wrapperspb.String(s))
			},
			Decode: func(data []byte) (string, error) {
				var w wrapperspb.StringValue
				if err := Unmarshal(FormatBinary, data, &w); err != nil {
					return "", err
				}
				return w.GetValue(), nil
			},
		}
	}
	return NewCodec[string](FormatJSON)
}
