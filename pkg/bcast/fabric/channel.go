package fabric

import (
	"sync"

	"github.com/jabolina/go-bcast/pkg/bcast/types"
)

// network is the shared state behind every Channel handle cut from the
// same NewChannelGraph call: the inbox set and which nodes have
// terminated. Shared so that Send can fail fast against a peer that has
// gone away instead of racing a close against concurrent senders.
type network struct {
	mu     sync.Mutex
	inbox  map[types.NodeID]chan types.Message
	closed map[types.NodeID]bool
}

// Channel is the in-process Fabric implementation: n buffered Go channels,
// one inbound per node, with every node holding a handle to every peer's
// inbound channel. This is the wiring a Hub hands out for testing and for
// any deployment that doesn't need real process boundaries.
type Channel struct {
	self types.NodeID
	net  *network
}

// NewChannelGraph builds the full n-node inbox set and returns one Channel
// handle per node, fully cross-wired.
func NewChannelGraph(n int, bufSize int) []*Channel {
	net := &network{
		inbox:  make(map[types.NodeID]chan types.Message, n),
		closed: make(map[types.NodeID]bool, n),
	}
	for i := 0; i < n; i++ {
		net.inbox[types.NodeID(i)] = make(chan types.Message, bufSize)
	}

	handles := make([]*Channel, n)
	for i := 0; i < n; i++ {
		handles[i] = &Channel{self: types.NodeID(i), net: net}
	}
	return handles
}

// Send delivers msg to a single peer's inbox. Delivery to a node that has
// called Close is a dropped (TransportFailure) message: a terminated peer
// is simply no longer correct, and delivery is only ever eventual between
// correct nodes.
func (c *Channel) Send(to types.NodeID, msg types.Message) error {
	c.net.mu.Lock()
	if c.net.closed[to] {
		c.net.mu.Unlock()
		return types.ErrTransportFailure
	}
	ch, ok := c.net.inbox[to]
	c.net.mu.Unlock()
	if !ok {
		return types.ErrTransportFailure
	}

	select {
	case ch <- msg:
		return nil
	default:
		return types.ErrTransportFailure
	}
}

// Broadcast delivers msg to every node including the caller itself.
func (c *Channel) Broadcast(msg types.Message) error {
	var firstErr error
	for _, to := range c.sortedPeerIDs() {
		if err := c.Send(to, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Channel) sortedPeerIDs() []types.NodeID {
	c.net.mu.Lock()
	ids := make([]types.NodeID, 0, len(c.net.inbox))
	for id := range c.net.inbox {
		ids = append(ids, id)
	}
	c.net.mu.Unlock()

	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// Listen returns this node's inbox channel. The channel is never closed by
// Close (concurrent senders may still hold a reference to it); consumers
// must select on their own cancellation signal alongside Listen.
func (c *Channel) Listen() <-chan types.Message {
	c.net.mu.Lock()
	ch := c.net.inbox[c.self]
	c.net.mu.Unlock()
	return ch
}

// Close marks this node as terminated: future Sends to it fail with
// ErrTransportFailure instead of blocking or panicking on a closed
// channel.
func (c *Channel) Close() {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.closed[c.self] = true
}
