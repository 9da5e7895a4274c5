// Package witness reliably broadcasts *reports* (per-sender value
// collections) and promotes them to *witnesses* once every pair in a
// report is confirmed against this node's own locally received values,
// delivering the union of a quorum of witnesses per round.
package witness

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
)

// SenderWitness is one entry of the validated-witness stream the
// aggregated layer subscribes to: the sender who contributed the witness
// and the witness itself (a Report with Tag == Validated).
type SenderWitness struct {
	Sender  types.NodeID
	Witness types.Report
}

// roundState holds everything tracked for one round: the bag of values
// received from distinct senders, the reports awaiting validation, the
// witnesses already accepted, and whether delivery has fired.
type roundState struct {
	values map[types.NodeID][]byte

	reported        bool
	pendingBySender map[types.NodeID]types.Report
	witnessBySender map[types.NodeID]types.Report

	delivered bool
	result    map[types.NodeID][]byte

	ready          chan struct{}
	waitersSpawned bool
	notify         chan SenderWitness
	startedAt      time.Time
}

func newRoundState(n int) *roundState {
	return &roundState{
		values:          make(map[types.NodeID][]byte),
		pendingBySender: make(map[types.NodeID]types.Report),
		witnessBySender: make(map[types.NodeID]types.Report),
		ready:           make(chan struct{}),
		notify:          make(chan SenderWitness, n),
		startedAt:       time.Now(),
	}
}

// Engine runs the witness layer above a reliable.Engine: its own value
// gossip rides the Witness protocol tag directly, while report
// dissemination rides the shared reliable.Engine, distinguished purely by
// instance numbering.
type Engine struct {
	comm     *communicator.Communicator
	reliable *reliable.Engine
	th       types.Thresholds
	n        int
	log      logging.Logger

	mu     sync.Mutex
	rounds map[uint64]*roundState

	bgCtx  context.Context
	cancel context.CancelFunc
}

// NewEngine builds a witness engine bound to a communicator and the
// reliable.Engine it reuses for report dissemination.
func NewEngine(comm *communicator.Communicator, rel *reliable.Engine, th types.Thresholds, n int, log logging.Logger) *Engine {
	return &Engine{
		comm:     comm,
		reliable: rel,
		th:       th,
		n:        n,
		log:      log,
		rounds:   make(map[uint64]*roundState),
	}
}

// reportInstance is the reliable-layer instance this node uses to
// disseminate its own round report: one instance per (sender, layer) so
// that n nodes broadcasting distinct reports for the same round never
// collide in the shared reliable.Engine's (instance, round) keyspace. The
// low bit distinguishes this layer (0) from the aggregated layer (1) that
// reuses the same scheme one level up.
func reportInstance(sender types.NodeID) uint64 {
	return uint64(sender) * 2
}

// Run is the background task driving the witness layer. It interleaves
// two concurrent drains: raw value gossip (Witness protocol tag) and,
// lazily per round, the delivered reports arriving via the shared
// reliable.Engine.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.bgCtx = ctx
	e.cancel = cancel
	e.mu.Unlock()

	e.spawnPendingWaiters(ctx)

	for {
		msg, err := e.comm.BasicRecvAny(ctx, types.Witness)
		if err != nil {
			return
		}
		rs := e.ensureRound(msg.Round)

		e.mu.Lock()
		if _, seen := rs.values[msg.Sender]; !seen {
			rs.values[msg.Sender] = msg.Payload
			e.maybeFormReportLocked(msg.Round, rs)
			e.recheckPendingLocked(rs)
		}
		e.mu.Unlock()
	}
}

// Terminate aborts this engine's background task and all pending per-round
// report waiters at their next suspension point.
func (e *Engine) Terminate() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WitnessBroadcast gossips this node's own round value to every peer,
// including itself, so value collection can proceed.
func (e *Engine) WitnessBroadcast(round uint64, value []byte) error {
	return e.comm.BasicBroadcast(value, types.Witness, nil, round)
}

// WitnessCollect blocks until round delivers at this layer, returning the
// union of values carried by the witnesses that triggered delivery.
func (e *Engine) WitnessCollect(ctx context.Context, round uint64) (map[types.NodeID][]byte, error) {
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

// WitnessStream returns the channel the aggregated layer subscribes to:
// every witness this node validates for round is pushed here as it
// happens. Buffered to n so a slow subscriber never blocks validation
// itself.
func (e *Engine) WitnessStream(round uint64) <-chan SenderWitness {
	rs := e.ensureRound(round)
	return rs.notify
}

// ensureRound creates round's state on first reference and, exactly once,
// spawns the n goroutines that await each possible sender's
// reliably-broadcast report for this round. These waiters are tied to the
// engine's own background context (set by Run), not to whatever per-call
// ctx a WitnessCollect/WitnessStream caller happens to pass in: a
// caller's deadline must not tear down state other callers still depend
// on. A round referenced before Run has started gets its waiters spawned
// by Run itself.
func (e *Engine) ensureRound(round uint64) *roundState {
	e.mu.Lock()
	rs, ok := e.rounds[round]
	if !ok {
		rs = newRoundState(e.n)
		e.rounds[round] = rs
	}
	bgCtx := e.bgCtx
	spawn := bgCtx != nil && !rs.waitersSpawned
	if spawn {
		rs.waitersSpawned = true
	}
	e.mu.Unlock()

	if spawn {
		for s := 0; s < e.n; s++ {
			go e.awaitReport(bgCtx, round, types.NodeID(s), rs)
		}
	}
	return rs
}

// spawnPendingWaiters starts the report waiters for every round that was
// referenced before Run set the engine's background context.
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
		for s := 0; s < e.n; s++ {
			go e.awaitReport(ctx, round, types.NodeID(s), rs)
		}
	}
}

// awaitReport blocks on the shared reliable.Engine for one sender's report
// for round, then folds it into round state once it arrives.
func (e *Engine) awaitReport(ctx context.Context, round uint64, sender types.NodeID, rs *roundState) {
	payload, err := e.reliable.ReliableRecv(ctx, reportInstance(sender), round)
	if err != nil {
		return
	}
	report, err := types.DecodeReport(payload)
	if err != nil {
		e.log.Warnf("witness: dropping undecodable report from %d round %d: %v", sender, round, err)
		metrics.ObserveDrop(metrics.LayerWitness, "decode")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rs.pendingBySender[sender] = report
	e.tryValidateLocked(rs, sender)
}

// maybeFormReportLocked packages this node's collected pairs into a Report
// and reliably broadcasts it once at least Agreement distinct values have
// been collected. Must be called with e.mu held.
func (e *Engine) maybeFormReportLocked(round uint64, rs *roundState) {
	if rs.reported || len(rs.values) < e.th.Agreement() {
		return
	}
	rs.reported = true

	pairs := make(map[types.NodeID][]byte, len(rs.values))
	for k, v := range rs.values {
		pairs[k] = v
	}
	report := types.Report{Tag: types.Unvalidated, Pairs: pairs}

	go e.broadcastReport(round, report)
}

func (e *Engine) broadcastReport(round uint64, report types.Report) {
	payload, err := types.EncodeReport(report)
	if err != nil {
		e.log.Errorf("witness: failed encoding report for round %d: %v", round, err)
		return
	}
	if err := e.reliable.ReliableBroadcast(reportInstance(e.comm.ID), round, payload); err != nil {
		e.log.Warnf("witness: report broadcast for round %d dropped: %v", round, err)
		metrics.ObserveDrop(metrics.LayerWitness, "transport")
	}
}

// recheckPendingLocked re-evaluates every report still awaiting validation
// after the local value set has grown; a report that failed validation
// earlier may pass now. Must be called with e.mu held.
func (e *Engine) recheckPendingLocked(rs *roundState) {
	for sender := range rs.pendingBySender {
		e.tryValidateLocked(rs, sender)
	}
}

// tryValidateLocked attempts to promote sender's pending report to a
// witness: every (s, v) pair in the report must match a pair already in
// this node's collected value set. Must be called with e.mu held.
func (e *Engine) tryValidateLocked(rs *roundState, sender types.NodeID) {
	report, ok := rs.pendingBySender[sender]
	if !ok {
		return
	}
	for s, v := range report.Pairs {
		local, known := rs.values[s]
		if !known || !bytes.Equal(local, v) {
			return
		}
	}

	delete(rs.pendingBySender, sender)
	report.Tag = types.Validated
	rs.witnessBySender[sender] = report

	select {
	case rs.notify <- SenderWitness{Sender: sender, Witness: report}:
	default:
		e.log.Warnf("witness: validated-witness stream full for sender %d, dropping notification", sender)
	}

	e.maybeDeliverLocked(rs)
}

// maybeDeliverLocked publishes the union of values appearing in the
// accepted witnesses once a Validity quorum has accumulated. Must be
// called with e.mu held.
func (e *Engine) maybeDeliverLocked(rs *roundState) {
	if rs.delivered || len(rs.witnessBySender) < e.th.Validity() {
		return
	}
	rs.delivered = true
	rs.result = unionValues(rs.witnessBySender)
	close(rs.ready)
	metrics.ObserveDelivery(metrics.LayerWitness, rs.startedAt)
}

func unionValues(bySender map[types.NodeID]types.Report) map[types.NodeID][]byte {
	out := make(map[types.NodeID][]byte)
	for _, report := range bySender {
		for s, v := range report.Pairs {
			if _, ok := out[s]; !ok {
				out[s] = v
			}
		}
	}
	return out
}
