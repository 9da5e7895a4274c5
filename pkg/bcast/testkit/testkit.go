// Package testkit provides small test-support helpers shared across the
// bcast packages' own test suites: spinning up a hub.Hub and waiting on a
// blocking call with a timeout instead of hanging a test forever.
package testkit

import (
	"context"
	"time"

	"github.com/jabolina/go-bcast/pkg/bcast/hub"
	"github.com/jabolina/go-bcast/pkg/bcast/types"
)

// DefaultTimeout bounds how long a scenario test waits for a blocking
// recv/collect call before treating it as a failure instead of hanging.
const DefaultTimeout = 5 * time.Second

// StartCluster builds and starts an n-node in-process hub.Hub, returning
// it alongside a cancel function tests should defer to tear everything
// down.
func StartCluster(n int) (*hub.Hub, context.CancelFunc) {
	h := hub.NewChannelHub(n)
	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	return h, func() {
		cancel()
		h.Shutdown()
	}
}

// AwaitBytes runs fn in its own goroutine and waits up to timeout for it
// to return, failing fast instead of blocking the test runner forever if
// the scenario under test never delivers.
func AwaitBytes(fn func() ([]byte, error), timeout time.Duration) ([]byte, error, bool) {
	type result struct {
		v   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err, true
	case <-time.After(timeout):
		return nil, nil, false
	}
}

// AwaitSet is AwaitBytes for the set-valued collect operations
// (WitnessCollect/AggregatedCollect).
func AwaitSet(fn func() (map[types.NodeID][]byte, error), timeout time.Duration) (map[types.NodeID][]byte, error, bool) {
	type result struct {
		v   map[types.NodeID][]byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err, true
	case <-time.After(timeout):
		return nil, nil, false
	}
}
