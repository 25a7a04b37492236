// Package contracts defines what travels between publishers and listeners.
//
//   - Message: optional interface letting a value name its own type discriminator
//   - Envelope: the (type id, payload) pair produced by a codec
//   - Frame: the wire layout of an envelope as sent to the backend
//
// The frame layout is shared by every process on a deployment, so it must not
// change without a coordinated rollout.
package contracts
