package types

import "errors"

var (
	// ErrCancelled is returned by any blocking receive once the owning
	// handle has been terminated.
	ErrCancelled = errors.New("bcast: operation cancelled")

	// ErrInvalidRound is returned for operations against a round that has
	// already delivered and released its state. Engines that retain round
	// state indefinitely never produce it.
	ErrInvalidRound = errors.New("bcast: round already delivered and released")

	// ErrDecodeFailure marks an inbound message that could not be
	// decoded. The message is dropped and counted; the protocol
	// continues.
	ErrDecodeFailure = errors.New("bcast: failed to decode message")

	// ErrTransportFailure marks an outbound send that could not be
	// enqueued. Treated as a dropped message; no automatic retry happens
	// at this layer.
	ErrTransportFailure = errors.New("bcast: failed to enqueue outbound message")
)
