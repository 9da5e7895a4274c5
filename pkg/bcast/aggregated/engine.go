// Package aggregated reliably broadcasts *aggregated reports*, sets of
// (sender, witness) pairs over the witnesses validated by the witness
// layer beneath it, and promotes them to *aggregated witnesses* once
// every component witness is itself one this node has locally validated.
// It is the witness automaton one level up, and mirrors the witness
// package's structure deliberately.
package aggregated

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/jabolina/go-bcast/pkg/bcast/communicator"
	"github.com/jabolina/go-bcast/pkg/bcast/logging"
	"github.com/jabolina/go-bcast/pkg/bcast/metrics"
	"github.com/jabolina/go-bcast/pkg/bcast/reliable"
	"github.com/jabolina/go-bcast/pkg/bcast/types"
	"github.com/jabolina/go-bcast/pkg/bcast/witness"
)

// roundState holds everything tracked for one round: the witnesses this
// node has itself validated (fed from the witness layer's stream), the
// aggregated reports awaiting validation, the aggregated witnesses already
// accepted, and whether delivery has fired.
type roundState struct {
	witnessBySender map[types.NodeID]types.Report

	reported         bool
	pendingBySender  map[types.NodeID]types.AggregatedReport
	acceptedBySender map[types.NodeID]types.AggregatedReport

	delivered bool
	result    map[types.NodeID][]byte

	ready          chan struct{}
	waitersSpawned bool
	startedAt      time.Time
}

func newRoundState() *roundState {
	return &roundState{
		witnessBySender:  make(map[types.NodeID]types.Report),
		pendingBySender:  make(map[types.NodeID]types.AggregatedReport),
		acceptedBySender: make(map[types.NodeID]types.AggregatedReport),
		ready:            make(chan struct{}),
		startedAt:        time.Now(),
	}
}

// Engine runs the aggregated layer above a witness.Engine, feeding off
// its validated-witness stream, and reuses the same shared
// reliable.Engine the witness layer does for its own dissemination,
// distinguished by instance numbering (the odd instances to witness's
// even ones).
type Engine struct {
	comm     *communicator.Communicator
	witness  *witness.Engine
	reliable *reliable.Engine
	th       types.Thresholds
	n        int
	log      logging.Logger

	mu     sync.Mutex
	rounds map[uint64]*roundState

	bgCtx  context.Context
	cancel context.CancelFunc
}

// NewEngine builds an aggregated-witness engine bound to a communicator,
// the witness.Engine it subscribes to, and the shared reliable.Engine.
func NewEngine(comm *communicator.Communicator, w *witness.Engine, rel *reliable.Engine, th types.Thresholds, n int, log logging.Logger) *Engine {
	return &Engine{
		comm:     comm,
		witness:  w,
		reliable: rel,
		th:       th,
		n:        n,
		log:      log,
		rounds:   make(map[uint64]*roundState),
	}
}

// aggInstance is the reliable-layer instance this node uses to disseminate
// its own aggregated report: witness's reportInstance with the low bit
// set, so the two layers never collide in the shared reliable.Engine's
// (instance, round) keyspace.
func aggInstance(sender types.NodeID) uint64 {
	return uint64(sender)*2 + 1
}

// Run is the background task driving the aggregated layer. For every
// round referenced, it drains the corresponding witness.Engine stream and,
// lazily, the delivered aggregated reports arriving via the shared
// reliable.Engine.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.bgCtx = ctx
	e.cancel = cancel
	e.mu.Unlock()
	e.spawnPendingWaiters(ctx)
	<-ctx.Done()
}

// Terminate aborts this engine's background task and all pending per-round
// waiters at their next suspension point.
func (e *Engine) Terminate() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AggregatedBroadcast kicks off the whole stack for round by forwarding
// this node's own value into the witness layer. The aggregated layer
// forms its own AggregatedReport automatically, from already-validated
// witnesses, once enough accumulate; there is no separate app-supplied
// aggregated value.
func (e *Engine) AggregatedBroadcast(round uint64, value []byte) error {
	e.ensureRound(round)
	return e.witness.WitnessBroadcast(round, value)
}

// AggregatedCollect blocks until round delivers at this layer, returning
// the final round value set.
func (e *Engine) AggregatedCollect(ctx context.Context, round uint64) (map[types.NodeID][]byte, error) {
	rs := e.ensureRound(round)

	e.mu.Lock()
	if rs.delivered {
		result := rs.result
		e.mu.Unlock()
		return result, nil
	}
	ready := rs.ready
	e.mu.Unlock()

	select {
	case <-ready:
		e.mu.Lock()
		result := rs.result
		e.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return nil, types.ErrCancelled
	}
}

// ensureRound creates round's state on first reference and, exactly once,
// spawns the background goroutines for that round: one draining the
// witness layer's validated-witness stream, and n awaiting each possible
// sender's reliably-broadcast aggregated report. A round referenced
// before Run has started gets its goroutines spawned by Run itself.
func (e *Engine) ensureRound(round uint64) *roundState {
	e.mu.Lock()
	rs, ok := e.rounds[round]
	if !ok {
		rs = newRoundState()
		e.rounds[round] = rs
	}
	bgCtx := e.bgCtx
	spawn := bgCtx != nil && !rs.waitersSpawned
	if spawn {
		rs.waitersSpawned = true
	}
	e.mu.Unlock()

	if spawn {
		e.spawnRoundWaiters(bgCtx, round, rs)
	}
	return rs
}

// spawnPendingWaiters starts the per-round goroutines for every round
// that was referenced before Run set the engine's background context.
func (e *Engine) spawnPendingWaiters(ctx context.Context) {
	e.mu.Lock()
	pending := make(map[uint64]*roundState)
	for round, rs := range e.rounds {
		if !rs.waitersSpawned {
			rs.waitersSpawned = true
			pending[round] = rs
		}
	}
	e.mu.Unlock()

	for round, rs := range pending {
		e.spawnRoundWaiters(ctx, round, rs)
	}
}

func (e *Engine) spawnRoundWaiters(ctx context.Context, round uint64, rs *roundState) {
	go e.drainWitnesses(ctx, round, rs)
	for s := 0; s < e.n; s++ {
		go e.awaitAggReport(ctx, round, types.NodeID(s), rs)
	}
}

// drainWitnesses folds every witness the witness.Engine validates for
// round into this round's local witness set, forming and broadcasting
// this node's own AggregatedReport once enough have accumulated, and
// re-evaluating pending aggregated reports as the set grows.
func (e *Engine) drainWitnesses(ctx context.Context, round uint64, rs *roundState) {
	stream := e.witness.WitnessStream(round)
	for {
		select {
		case <-ctx.Done():
			return
		case sw, ok := <-stream:
			if !ok {
				return
			}
			e.mu.Lock()
			rs.witnessBySender[sw.Sender] = sw.Witness
			e.maybeFormReportLocked(round, rs)
			e.recheckPendingLocked(rs)
			e.mu.Unlock()
		}
	}
}

// awaitAggReport blocks on the shared reliable.Engine for one sender's
// aggregated report for round, then folds it into round state once it
// arrives.
func (e *Engine) awaitAggReport(ctx context.Context, round uint64, sender types.NodeID, rs *roundState) {
	payload, err := e.reliable.ReliableRecv(ctx, aggInstance(sender), round)
	if err != nil {
		return
	}
	agg, err := types.DecodeAggregatedReport(payload)
	if err != nil {
		e.log.Warnf("aggregated: dropping undecodable report from %d round %d: %v", sender, round, err)
		metrics.ObserveDrop(metrics.LayerAggregated, "decode")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rs.pendingBySender[sender] = agg
	e.tryValidateLocked(rs, sender)
}

// maybeFormReportLocked packages this node's locally validated witnesses
// into an AggregatedReport and reliably broadcasts it once at least
// Validity distinct witnesses have been collected. Must be called with
// e.mu held.
func (e *Engine) maybeFormReportLocked(round uint64, rs *roundState) {
	if rs.reported || len(rs.witnessBySender) < e.th.Validity() {
		return
	}
	rs.reported = true

	pairs := make(map[types.NodeID]types.Report, len(rs.witnessBySender))
	for k, v := range rs.witnessBySender {
		pairs[k] = v
	}
	agg := types.AggregatedReport{Tag: types.Unvalidated, Pairs: pairs}

	go e.broadcastAggReport(round, agg)
}

func (e *Engine) broadcastAggReport(round uint64, agg types.AggregatedReport) {
	payload, err := types.EncodeAggregatedReport(agg)
	if err != nil {
		e.log.Errorf("aggregated: failed encoding report for round %d: %v", round, err)
		return
	}
	if err := e.reliable.ReliableBroadcast(aggInstance(e.comm.ID), round, payload); err != nil {
		e.log.Warnf("aggregated: report broadcast for round %d dropped: %v", round, err)
		metrics.ObserveDrop(metrics.LayerAggregated, "transport")
	}
}

// recheckPendingLocked re-evaluates every aggregated report still awaiting
// validation after the local witness set has grown. Must be called with
// e.mu held.
func (e *Engine) recheckPendingLocked(rs *roundState) {
	for sender := range rs.pendingBySender {
		e.tryValidateLocked(rs, sender)
	}
}

// tryValidateLocked attempts to promote sender's pending aggregated report
// to an aggregated witness: every component witness must equal one this
// node has itself validated. Must be called with e.mu held.
func (e *Engine) tryValidateLocked(rs *roundState, sender types.NodeID) {
	agg, ok := rs.pendingBySender[sender]
	if !ok {
		return
	}
	for s, w := range agg.Pairs {
		local, known := rs.witnessBySender[s]
		if !known || !reportEqual(local, w) {
			return
		}
	}

	delete(rs.pendingBySender, sender)
	agg.Tag = types.Validated
	rs.acceptedBySender[sender] = agg

	e.maybeDeliverLocked(rs)
}

// maybeDeliverLocked publishes the final round value set once a Validity
// quorum of aggregated witnesses has accumulated. Must be called with
// e.mu held.
func (e *Engine) maybeDeliverLocked(rs *roundState) {
	if rs.delivered || len(rs.acceptedBySender) < e.th.Validity() {
		return
	}
	rs.delivered = true
	rs.result = unionValues(rs.acceptedBySender)
	close(rs.ready)
	metrics.ObserveDelivery(metrics.LayerAggregated, rs.startedAt)
}

func unionValues(bySender map[types.NodeID]types.AggregatedReport) map[types.NodeID][]byte {
	out := make(map[types.NodeID][]byte)
	for _, agg := range bySender {
		for _, w := range agg.Pairs {
			for s, v := range w.Pairs {
				if _, ok := out[s]; !ok {
					out[s] = v
				}
			}
		}
	}
	return out
}

// reportEqual compares two Reports by value content, ignoring the tag: an
// AggregatedReport's component witness need only match the pairs this node
// itself validated, regardless of which Report instance produced them.
func reportEqual(a, b types.Report) bool {
	if len(a.Pairs) != len(b.Pairs) {
		return false
	}
	for s, v := range a.Pairs {
		ov, ok := b.Pairs[s]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}
