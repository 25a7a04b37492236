package serialization

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Proto returns a binary codec for a generated protobuf message type.
// T is the pointer type, e.g. Proto[*chatpb.Message]().
func Proto[T proto.Message]() Codec {
	return protoCodec[T]{}
}

type protoCodec[T proto.Message] struct{}

func (protoCodec[T]) Encode(msg any) ([]byte, error) {
	m, ok := msg.(T)
	if !ok {
		var zero T
		return nil, mismatch(fmt.Sprintf("%T", zero), msg)
	}
	return proto.Marshal(m)
}

func (protoCodec[T]) Decode(data []byte) (any, error) {
	var zero T
	m, ok := zero.ProtoReflect().New().Interface().(T)
	if !ok {
		return nil, fmt.Errorf("cannot instantiate %T", zero)
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
