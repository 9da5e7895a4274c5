package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/jabolina/go-bcast/pkg/bcast/hub"
	"github.com/jabolina/go-bcast/pkg/bcast/testkit"
	"go.uber.org/goleak"
)

// Run a full round through the cluster, shut it down, and verify no
// goroutine the cluster spawned is still alive afterward.
func TestShutdownLeavesNoGoroutinesBehind(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := hub.NewChannelHub(3)
	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)

	if err := h.Nodes[0].Reliable.ReliableBroadcast(0, 0, []byte("leak-check")); err != nil {
		t.Fatalf("reliable_broadcast: %v", err)
	}
	rctx, rcancel := context.WithTimeout(context.Background(), testkit.DefaultTimeout)
	defer rcancel()
	if _, err := h.Nodes[1].Reliable.ReliableRecv(rctx, 0, 0); err != nil {
		t.Fatalf("reliable_recv: %v", err)
	}

	cancel()
	h.Shutdown()
	time.Sleep(50 * time.Millisecond)
}

func TestNewChannelHubWiresEveryNodeToEveryPeer(t *testing.T) {
	h := hub.NewChannelHub(4)
	if len(h.Nodes) != 4 {
		t.Fatalf("got %d nodes, want 4", len(h.Nodes))
	}
	if h.Thresholds.N != 4 || h.Thresholds.T != 1 {
		t.Fatalf("thresholds: got %+v, want N=4 T=1", h.Thresholds)
	}
	for i, node := range h.Nodes {
		if int(node.ID) != i {
			t.Fatalf("node %d has ID %d, want %d", i, node.ID, i)
		}
		if node.Communicator == nil || node.Reliable == nil || node.Witness == nil || node.Aggregated == nil {
			t.Fatalf("node %d: stack incompletely wired", i)
		}
	}
}
