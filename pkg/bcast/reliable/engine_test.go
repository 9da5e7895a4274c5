package reliable_test

import (
	"context"
	"testing"
	"time"

	"github.com/jabolina/go-bcast/pkg/bcast/hub"
	"github.com/jabolina/go-bcast/pkg/bcast/testkit"
	"github.com/jabolina/go-bcast/pkg/bcast/types"
)

// S1: reliable happy path. Node 0 broadcasts "X" for (instance=7, round=0);
// all four nodes must deliver "X".
func TestReliableHappyPath(t *testing.T) {
	h, stop := testkit.StartCluster(4)
	defer stop()

	const instance, round = uint64(7), uint64(0)
	if err := h.Nodes[0].Reliable.ReliableBroadcast(instance, round, []byte("X")); err != nil {
		t.Fatalf("reliable_broadcast: %v", err)
	}

	for i, node := range h.Nodes {
		v, err, ok := testkit.AwaitBytes(func() ([]byte, error) {
			ctx, cancel := context.WithTimeout(context.Background(), testkit.DefaultTimeout)
			defer cancel()
			return node.Reliable.ReliableRecv(ctx, instance, round)
		}, testkit.DefaultTimeout)
		if !ok {
			t.Fatalf("node %d: timed out waiting for delivery", i)
		}
		if err != nil {
			t.Fatalf("node %d: reliable_recv: %v", i, err)
		}
		if string(v) != "X" {
			t.Fatalf("node %d: delivered %q, want X", i, v)
		}
	}
}

// S2: one crashed node. Node 3 never starts its background tasks, so it
// never echoes, votes, or observes delivery. Node 0 broadcasts "Y"; nodes
// 0, 1, 2 must still all deliver it (n=4, t=1: exactly t silent nodes).
func TestReliableWithOneCrashedNode(t *testing.T) {
	h := hub.NewChannelHub(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, node := range h.Nodes {
		if i == 3 {
			continue
		}
		go node.Communicator.Run(ctx)
		go node.Reliable.Run(ctx)
	}

	const instance, round = uint64(1), uint64(0)
	if err := h.Nodes[0].Reliable.ReliableBroadcast(instance, round, []byte("Y")); err != nil {
		t.Fatalf("reliable_broadcast: %v", err)
	}

	for i := 0; i < 3; i++ {
		node := h.Nodes[i]
		v, err, ok := testkit.AwaitBytes(func() ([]byte, error) {
			rctx, rcancel := context.WithTimeout(context.Background(), testkit.DefaultTimeout)
			defer rcancel()
			return node.Reliable.ReliableRecv(rctx, instance, round)
		}, testkit.DefaultTimeout)
		if !ok {
			t.Fatalf("node %d: timed out waiting for delivery", i)
		}
		if err != nil {
			t.Fatalf("node %d: reliable_recv: %v", i, err)
		}
		if string(v) != "Y" {
			t.Fatalf("node %d: delivered %q, want Y", i, v)
		}
	}
}

// S3: a faulty sender equivocates, sending Input "A" directly to nodes 1
// and 2 and Input "B" directly to node 3 (bypassing ReliableBroadcast,
// which would send the same value to everyone). Correct nodes 1, 2, 3 must
// never disagree: whatever they deliver (including nothing at all, if the
// split vote never reaches quorum) must be the same single value.
func TestReliableEquivocationNeverDisagrees(t *testing.T) {
	h := hub.NewChannelHub(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, node := range h.Nodes {
		go node.Communicator.Run(ctx)
		go node.Reliable.Run(ctx)
	}

	const instance, round = uint64(2), uint64(0)
	faulty := h.Nodes[0]
	send := func(to types.NodeID, value string) {
		sig := types.Signal{Kind: types.Input, Sender: faulty.ID, Instance: instance, Round: round, Value: []byte(value)}
		payload, err := types.EncodeSignal(sig)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		inst := instance
		if err := faulty.Communicator.BasicSend(to, payload, types.Reliable, &inst, round); err != nil {
			t.Fatalf("basic_send: %v", err)
		}
	}
	send(1, "A")
	send(2, "A")
	send(3, "B")

	type outcome struct {
		idx int
		val []byte
		ok  bool
	}
	results := make(chan outcome, 3)
	for i := 1; i <= 3; i++ {
		go func(i int) {
			node := h.Nodes[i]
			v, _, ok := testkit.AwaitBytes(func() ([]byte, error) {
				rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer rcancel()
				return node.Reliable.ReliableRecv(rctx, instance, round)
			}, 2*time.Second)
			results <- outcome{i, v, ok}
		}(i)
	}

	delivered := map[string]bool{}
	for i := 0; i < 3; i++ {
		o := <-results
		if o.ok {
			delivered[string(o.val)] = true
		}
	}
	if len(delivered) > 1 {
		t.Fatalf("correct nodes disagree: delivered values %v", delivered)
	}
}

// Replaying an already-processed signal to a correct node must not change
// its state: a duplicate Echo from the same sender counts once.
func TestDuplicateEchoCountsOnce(t *testing.T) {
	h, stop := testkit.StartCluster(4)
	defer stop()

	const instance, round = uint64(3), uint64(0)
	if err := h.Nodes[0].Reliable.ReliableBroadcast(instance, round, []byte("Z")); err != nil {
		t.Fatalf("reliable_broadcast: %v", err)
	}

	// Resend node 1's Echo to node 0 several times; it must not be
	// double-counted toward the vote threshold.
	sig := types.Signal{Kind: types.Echo, Sender: h.Nodes[1].ID, Instance: instance, Round: round, Value: []byte("Z")}
	payload, err := types.EncodeSignal(sig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	inst := instance
	for i := 0; i < 5; i++ {
		if err := h.Nodes[1].Communicator.BasicSend(h.Nodes[0].ID, payload, types.Reliable, &inst, round); err != nil {
			t.Fatalf("basic_send: %v", err)
		}
	}

	v, err, ok := testkit.AwaitBytes(func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(context.Background(), testkit.DefaultTimeout)
		defer cancel()
		return h.Nodes[0].Reliable.ReliableRecv(ctx, instance, round)
	}, testkit.DefaultTimeout)
	if !ok {
		t.Fatalf("node 0: timed out waiting for delivery")
	}
	if err != nil {
		t.Fatalf("node 0: reliable_recv: %v", err)
	}
	if string(v) != "Z" {
		t.Fatalf("node 0: delivered %q, want Z", v)
	}
}
