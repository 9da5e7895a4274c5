// Package communicator combines a message fabric and a set of inbound
// queues behind a single node id: the basic send/broadcast/recv layer
// every protocol engine above it is built on.
package communicator

import (
	"context"

	"github.com/jabolina/go-bcast/pkg/bcast/fabric"
	"github.com/jabolina/go-bcast/pkg/bcast/logging"
	"github.com/jabolina/go-bcast/pkg/bcast/queue"
	"github.com/jabolina/go-bcast/pkg/bcast/types"
)

// Communicator owns one background task (Run) that drains the fabric's
// inbound stream into its queues; BasicRecv never touches the fabric
// directly.
type Communicator struct {
	ID     types.NodeID
	fabric fabric.Fabric
	queues *queue.Queues
	log    logging.Logger
}

// New wraps a fabric handle and a fresh set of BasicQueues behind a node
// id.
func New(id types.NodeID, fab fabric.Fabric, log logging.Logger) *Communicator {
	return &Communicator{
		ID:     id,
		fabric: fab,
		queues: queue.New(),
		log:    log,
	}
}

// Run drains the fabric's Listen() channel into the queues until ctx is
// cancelled.
func (c *Communicator) Run(ctx context.Context) {
	inbound := c.fabric.Listen()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			c.queues.Enqueue(msg)
		}
	}
}

// BasicSend encodes no further than the already-opaque payload and routes
// a single message to one peer.
func (c *Communicator) BasicSend(to types.NodeID, payload []byte, protocol types.Protocol, instance *uint64, round uint64) error {
	msg := types.Message{Protocol: protocol, Sender: c.ID, Instance: instance, Round: round, Payload: payload}
	if err := c.fabric.Send(to, msg); err != nil {
		c.log.Warnf("basic_send to %d dropped: %v", to, err)
		return err
	}
	return nil
}

// BasicBroadcast routes a message to every peer, including this node
// itself (self-delivery is the fabric's responsibility).
func (c *Communicator) BasicBroadcast(payload []byte, protocol types.Protocol, instance *uint64, round uint64) error {
	msg := types.Message{Protocol: protocol, Sender: c.ID, Instance: instance, Round: round, Payload: payload}
	if err := c.fabric.Broadcast(msg); err != nil {
		c.log.Warnf("basic_broadcast dropped for some peers: %v", err)
		return err
	}
	return nil
}

// BasicRecv blocks until a matching message is buffered and returns its
// payload, honoring ctx cancellation per queue.Queues.Recv.
func (c *Communicator) BasicRecv(ctx context.Context, protocol types.Protocol, instance *uint64, round uint64, sender *types.NodeID) ([]byte, error) {
	msg, err := c.queues.Recv(ctx, protocol, instance, round, sender)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// BasicRecvAny blocks until any message tagged with protocol arrives, for
// any (instance, round, sender), and returns the full envelope. Engines
// use this for their background dispatch loop instead of addressing one
// round at a time.
func (c *Communicator) BasicRecvAny(ctx context.Context, protocol types.Protocol) (types.Message, error) {
	return c.queues.RecvAny(ctx, protocol)
}

// Close tears down the underlying fabric handle.
func (c *Communicator) Close() {
	c.fabric.Close()
}
