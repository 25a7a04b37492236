package contracts

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxTypeIDLength bounds the discriminator carried in a frame
const MaxTypeIDLength = 255

// ErrMalformedFrame is returned when inbound bytes are not a valid frame
var ErrMalformedFrame = errors.New("contracts: malformed frame")

// Envelope pairs a type discriminator with codec-produced bytes.
// It lives for a single publish or dispatch and is never persisted.
type Envelope struct {
	TypeID  string
	Payload []byte
}

// MarshalFrame lays the envelope out for the wire:
//
//	uvarint(len(TypeID)) | TypeID | Payload
func (e Envelope) MarshalFrame() ([]byte, error) {
	if err := validateTypeID(e.TypeID); err != nil {
		return nil, err
	}

	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(e.TypeID)))

	frame := make([]byte, 0, n+len(e.TypeID)+len(e.Payload))
	frame = append(frame, prefix[:n]...)
	frame = append(frame, e.TypeID...)
	frame = append(frame, e.Payload...)
	return frame, nil
}

// UnmarshalFrame splits a wire frame back into an envelope. The payload
// aliases data.
func UnmarshalFrame(data []byte) (Envelope, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return Envelope{}, fmt.Errorf("%w: bad type id length prefix", ErrMalformedFrame)
	}
	if length == 0 || length > MaxTypeIDLength {
		return Envelope{}, fmt.Errorf("%w: type id length %d out of range", ErrMalformedFrame, length)
	}
	if uint64(len(data)-n) < length {
		return Envelope{}, fmt.Errorf("%w: truncated type id", ErrMalformedFrame)
	}

	end := n + int(length)
	return Envelope{
		TypeID:  string(data[n:end]),
		Payload: data[end:],
	}, nil
}

func validateTypeID(typeID string) error {
	if typeID == "" {
		return fmt.Errorf("%w: empty type id", ErrMalformedFrame)
	}
	if len(typeID) > MaxTypeIDLength {
		return fmt.Errorf("%w: type id %q exceeds %d bytes", ErrMalformedFrame, typeID, MaxTypeIDLength)
	}
	return nil
}
