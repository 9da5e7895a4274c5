// Package hub wires the channel graph for a fixed set of n nodes and
// hands out one fully-assembled communicator stack per node. Hubs do no
// protocol work of their own; they exist only to make the channel graph
// explicit and testable.
package hub

import (
	"context"
	"fmt"

	"github.com/jabolina/go-bcast/pkg/bcast/aggregated"
	"github.com/jabolina/go-bcast/pkg/bcast/communicator"
	"github.com/jabolina/go-bcast/pkg/bcast/fabric"
	"github.com/jabolina/go-bcast/pkg/bcast/logging"
	"github.com/jabolina/go-bcast/pkg/bcast/reliable"
	"github.com/jabolina/go-bcast/pkg/bcast/types"
	"github.com/jabolina/go-bcast/pkg/bcast/witness"
	"github.com/jabolina/relt/pkg/relt"
)

// Node is one participant's fully-assembled stack: a communicator and the
// three layered engines above it, all sharing the same node id and the
// same underlying reliable.Engine (witness and aggregated both
// disseminate through it).
type Node struct {
	ID           types.NodeID
	Communicator *communicator.Communicator
	Reliable     *reliable.Engine
	Witness      *witness.Engine
	Aggregated   *aggregated.Engine
}

// Hub owns the channel graph for n nodes and the n Node stacks wired
// against it.
type Hub struct {
	N          int
	Thresholds types.Thresholds
	Nodes      []*Node

	cancels []context.CancelFunc
}

// defaultInboxBuffer bounds the per-node inbox used by fabric.Channel.
// Large enough that a small cluster never has a Send dropped on a full
// inbox; a production deployment would size this to the expected fan-in.
const defaultInboxBuffer = 256

// NewChannelHub builds an in-process Hub: n nodes fully cross-wired by
// fabric.Channel, the in-memory fabric implementation.
func NewChannelHub(n int) *Hub {
	th := types.NewThresholds(n)
	channels := fabric.NewChannelGraph(n, defaultInboxBuffer)

	h := &Hub{N: n, Thresholds: th}
	for i := 0; i < n; i++ {
		id := types.NodeID(i)
		log := logging.NewDefault(fmt.Sprintf("node-%d", i))
		comm := communicator.New(id, channels[i], log)
		rel := reliable.NewEngine(comm, th, log)
		w := witness.NewEngine(comm, rel, th, n, log)
		a := aggregated.NewEngine(comm, w, rel, th, n, log)

		h.Nodes = append(h.Nodes, &Node{
			ID:           id,
			Communicator: comm,
			Reliable:     rel,
			Witness:      w,
			Aggregated:   a,
		})
	}
	return h
}

// NewReltHub builds a real-deployment Hub: n nodes, each wired to its own
// fabric.Relt over a shared multicast group. cfg must hold n entries, one
// per node, each with a unique Name and the same Exchange group address.
func NewReltHub(n int, cfg []relt.Configuration) (*Hub, error) {
	if len(cfg) != n {
		return nil, fmt.Errorf("hub: need exactly %d relt configurations, got %d", n, len(cfg))
	}

	th := types.NewThresholds(n)
	h := &Hub{N: n, Thresholds: th}
	for i := 0; i < n; i++ {
		id := types.NodeID(i)
		log := logging.NewDefault(fmt.Sprintf("node-%d", i))
		fab, err := fabric.NewReltFromConfig(id, cfg[i], log)
		if err != nil {
			h.Shutdown()
			return nil, fmt.Errorf("hub: failed opening relt fabric for node %d: %w", i, err)
		}

		comm := communicator.New(id, fab, log)
		rel := reliable.NewEngine(comm, th, log)
		w := witness.NewEngine(comm, rel, th, n, log)
		a := aggregated.NewEngine(comm, w, rel, th, n, log)

		h.Nodes = append(h.Nodes, &Node{
			ID:           id,
			Communicator: comm,
			Reliable:     rel,
			Witness:      w,
			Aggregated:   a,
		})
	}
	return h, nil
}

// Start spawns one background task per layer per node (Communicator.Run,
// Reliable.Run, Witness.Run, Aggregated.Run), each derived from its own
// cancellable child of ctx so Shutdown can stop every node independently
// of the others.
func (h *Hub) Start(ctx context.Context) {
	for _, node := range h.Nodes {
		nodeCtx, cancel := context.WithCancel(ctx)
		h.cancels = append(h.cancels, cancel)

		go node.Communicator.Run(nodeCtx)
		go node.Reliable.Run(nodeCtx)
		go node.Witness.Run(nodeCtx)
		go node.Aggregated.Run(nodeCtx)
	}
}

// Shutdown terminates every node's background tasks and closes its
// fabric handle. In-flight outbound messages may or may not reach peers.
// Recv and collect calls are not cancelled by Shutdown: a call on a round
// that has not delivered returns types.ErrCancelled only once the
// caller's own ctx is done.
func (h *Hub) Shutdown() {
	for _, cancel := range h.cancels {
		cancel()
	}
	for _, node := range h.Nodes {
		node.Communicator.Close()
	}
}
