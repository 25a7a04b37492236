package serialization

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-redis/contracts"
)

// CodecRegistry binds type discriminators to codecs and Go types to
// discriminators. It is safe for concurrent use.
type CodecRegistry struct {
	codecs map[string]Codec
	types  map[reflect.Type]string
	mu     sync.RWMutex
	logger *slog.Logger
}

// RegistryOption configures the CodecRegistry
type RegistryOption func(*CodecRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *CodecRegistry) {
		r.logger = logger
	}
}

// NewCodecRegistry creates an empty registry
func NewCodecRegistry(options ...RegistryOption) *CodecRegistry {
	r := &CodecRegistry{
		codecs: make(map[string]Codec),
		types:  make(map[reflect.Type]string),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register binds codec to typeID. A later registration for the same
// typeID replaces the earlier one.
func (r *CodecRegistry) Register(typeID string, codec Codec) error {
	if typeID == "" {
		return fmt.Errorf("type id cannot be empty")
	}
	if len(typeID) > contracts.MaxTypeIDLength {
		return fmt.Errorf("type id %q exceeds %d bytes", typeID, contracts.MaxTypeIDLength)
	}
	if codec == nil {
		return fmt.Errorf("codec cannot be nil")
	}

	r.mu.Lock()
	_, replaced := r.codecs[typeID]
	r.codecs[typeID] = codec
	r.mu.Unlock()

	if replaced {
		r.logger.Info("replaced codec binding", "typeId", typeID, "codec", fmt.Sprintf("%T", codec))
	} else {
		r.logger.Debug("registered codec", "typeId", typeID, "codec", fmt.Sprintf("%T", codec))
	}
	return nil
}

// BindType maps a Go type to an already meaningful typeID so Encode can
// resolve values of that type. Pointer types are normalized to their element.
func (r *CodecRegistry) BindType(typeID string, t reflect.Type) error {
	if typeID == "" {
		return fmt.Errorf("type id cannot be empty")
	}
	if t == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[normalize(t)] = typeID
	return nil
}

// RegisterType registers codec under typeID and binds T to it
func RegisterType[T any](r *CodecRegistry, typeID string, codec Codec) error {
	if err := r.Register(typeID, codec); err != nil {
		return err
	}
	return r.BindType(typeID, reflect.TypeFor[T]())
}

// Lookup returns the codec bound to typeID
func (r *CodecRegistry) Lookup(typeID string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.codecs[typeID]
	return c, ok
}

// IsRegistered checks if a codec is bound to typeID
func (r *CodecRegistry) IsRegistered(typeID string) bool {
	_, ok := r.Lookup(typeID)
	return ok
}

// TypeIDFor returns the discriminator bound to a Go type
func (r *CodecRegistry) TypeIDFor(t reflect.Type) (string, bool) {
	if t == nil {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.types[normalize(t)]
	return id, ok
}

// TypeIDOf resolves the discriminator for a message value: a self-declared
// contracts.Message type wins, then the Go type binding.
func (r *CodecRegistry) TypeIDOf(msg any) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("%w: nil message", ErrUnregisteredType)
	}

	if id, ok := contracts.TypeIDOf(msg); ok {
		if r.IsRegistered(id) {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnregisteredType, id)
	}

	if id, ok := r.TypeIDFor(reflect.TypeOf(msg)); ok && r.IsRegistered(id) {
		return id, nil
	}

	return "", fmt.Errorf("%w: %T", ErrUnregisteredType, msg)
}

// Encode resolves msg's codec and encodes it into an envelope
func (r *CodecRegistry) Encode(msg any) (contracts.Envelope, error) {
	typeID, err := r.TypeIDOf(msg)
	if err != nil {
		return contracts.Envelope{}, err
	}

	codec, ok := r.Lookup(typeID)
	if !ok {
		return contracts.Envelope{}, fmt.Errorf("%w: %s", ErrUnregisteredType, typeID)
	}

	payload, err := codec.Encode(msg)
	if err != nil {
		return contracts.Envelope{}, &EncodeError{TypeID: typeID, Err: err}
	}

	return contracts.Envelope{TypeID: typeID, Payload: payload}, nil
}

// Decode parses data with the codec bound to typeID
func (r *CodecRegistry) Decode(typeID string, data []byte) (any, error) {
	codec, ok := r.Lookup(typeID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTypeID, typeID)
	}

	msg, err := decodeSafely(codec, data)
	if err != nil {
		return nil, &DecodeError{TypeID: typeID, Err: err}
	}
	return msg, nil
}

// TypeIDs returns all registered discriminators in sorted order
func (r *CodecRegistry) TypeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.codecs))
	for id := range r.codecs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// decodeSafely turns a panicking third-party codec into an error
func decodeSafely(codec Codec, data []byte) (msg any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("codec panicked: %v", p)
		}
	}()
	return codec.Decode(data)
}

func normalize(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Ptr {
		return t.Elem()
	}
	return t
}
