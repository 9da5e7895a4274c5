// Package fabric implements the message fabric: outbound send/broadcast
// wrapping an opaque encode, with an in-process channel implementation
// and a relt-backed one for real deployments.
package fabric

import (
	"github.com/jabolina/go-bcast/pkg/bcast/types"
)

// Fabric is the outbound half of a communicator. Send and Broadcast are
// non-blocking from the caller's perspective; any backpressure is
// transport-defined. Listen exposes the inbound stream an owning
// BasicCommunicator drains into its queue.Queues.
type Fabric interface {
	// Send delivers msg to a single peer. Channel delivers to that peer
	// only; Relt multicasts to the whole group, exactly as Broadcast does.
	Send(to types.NodeID, msg types.Message) error

	// Broadcast delivers msg to every peer, including the caller itself.
	// Channel puts the caller's own copy straight into its own inbox;
	// Relt gets it back through relt's group multicast like every other
	// peer's copy.
	Broadcast(msg types.Message) error

	// Listen returns the channel of inbound messages arriving for this
	// node. Implementations do not close it on Close: a concurrent sender
	// may still hold a reference, so consumers must select on their own
	// cancellation signal alongside Listen instead of relying on channel
	// closure to detect shutdown.
	Listen() <-chan types.Message

	// Close releases the fabric's resources.
	Close()
}
