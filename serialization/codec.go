package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts one message type to and from bytes
type Codec interface {
	// Encode serializes msg
	Encode(msg any) ([]byte, error)

	// Decode parses data into a message value
	Decode(data []byte) (any, error)
}

// CodecFuncs adapts a pair of functions to Codec
type CodecFuncs struct {
	EncodeFunc func(msg any) ([]byte, error)
	DecodeFunc func(data []byte) (any, error)
}

// Encode implements Codec
func (c CodecFuncs) Encode(msg any) ([]byte, error) {
	return c.EncodeFunc(msg)
}

// Decode implements Codec
func (c CodecFuncs) Decode(data []byte) (any, error) {
	return c.DecodeFunc(data)
}

// JSON returns a human-readable codec for T backed by encoding/json.
// Decoded values are of type T.
func JSON[T any]() Codec {
	return jsonCodec[T]{}
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(msg any) ([]byte, error) {
	v, err := valueOf[T](msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (jsonCodec[T]) Decode(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var cborEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// CBOR returns a compact binary codec for T using deterministic CBOR encoding
func CBOR[T any]() Codec {
	return cborCodec[T]{}
}

type cborCodec[T any] struct{}

func (cborCodec[T]) Encode(msg any) ([]byte, error) {
	v, err := valueOf[T](msg)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(v)
}

func (cborCodec[T]) Decode(data []byte) (any, error) {
	var v T
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Text returns a codec for plain strings. Payloads must be valid UTF-8.
func Text() Codec {
	return textCodec{}
}

type textCodec struct{}

func (textCodec) Encode(msg any) ([]byte, error) {
	s, err := valueOf[string](msg)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (textCodec) Decode(data []byte) (any, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("payload is not valid UTF-8")
	}
	return string(data), nil
}

// Bytes returns a passthrough codec for raw byte slices
func Bytes() Codec {
	return bytesCodec{}
}

type bytesCodec struct{}

func (bytesCodec) Encode(msg any) ([]byte, error) {
	b, err := valueOf[[]byte](msg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (bytesCodec) Decode(data []byte) (any, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// valueOf accepts either a T or a non-nil *T
func valueOf[T any](msg any) (T, error) {
	var zero T
	switch v := msg.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}
	return zero, mismatch(reflect.TypeFor[T](), msg)
}

// mismatch reports a value the codec cannot encode. The error matches both
// ErrTypeMismatch and ErrUnregisteredType, since no codec is bound for the
// value's actual type.
func mismatch(want any, got any) error {
	return fmt.Errorf("%w: %w: want %v, got %T", ErrUnregisteredType, ErrTypeMismatch, want, got)
}
