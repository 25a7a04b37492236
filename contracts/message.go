package contracts

// Message is implemented by values that carry their own type discriminator.
// The codec registry consults it before falling back to the Go type binding.
type Message interface {
	MessageType() string
}

// TypeIDOf returns the discriminator declared by msg, if any
func TypeIDOf(msg any) (string, bool) {
	m, ok := msg.(Message)
	if !ok || m == nil {
		return "", false
	}
	id := m.MessageType()
	return id, id != ""
}
