package serialization

import (
	"errors"
	"fmt"
)

var (
	// ErrUnregisteredType is returned when no codec is bound for a message's type
	ErrUnregisteredType = errors.New("serialization: unregistered message type")

	// ErrUnknownTypeID is returned when an inbound discriminator has no codec
	ErrUnknownTypeID = errors.New("serialization: unknown type id")

	// ErrTypeMismatch is returned when a codec is handed a value of the wrong Go type
	ErrTypeMismatch = errors.New("serialization: type mismatch")
)

// DecodeError reports bytes that a codec could not decode
type DecodeError struct {
	TypeID string // Discriminator the payload claimed
	Err    error  // Underlying codec error
}

func (e *DecodeError) Error() string {
	if e.TypeID == "" {
		return fmt.Sprintf("serialization: decode failed: %v", e.Err)
	}
	return fmt.Sprintf("serialization: decode %s failed: %v", e.TypeID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a message that its bound codec refused to encode
type EncodeError struct {
	TypeID string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("serialization: encode %s failed: %v", e.TypeID, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is an inbound payload problem that
// dispatch should log and skip.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) || errors.Is(err, ErrUnknownTypeID)
}
