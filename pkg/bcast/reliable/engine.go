// Package reliable implements the Bracha-style Input/Echo/Vote threshold
// automaton, one state machine per (instance, round): Idle -> Echoed ->
// Voted -> Delivered, driven by a single background task consuming from
// the communicator's inbound queues.
package reliable

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/jabolina/go-bcast/pkg/bcast/communicator"
	"github.com/jabolina/go-bcast/pkg/bcast/logging"
	"github.com/jabolina/go-bcast/pkg/bcast/metrics"
	"github.com/jabolina/go-bcast/pkg/bcast/types"
)

type instanceRound struct {
	instance uint64
	round    uint64
}

// roundState holds everything tracked for one (instance, round): the
// distinct-sender Echo and Vote sets (keyed by sender, valued by the first
// value seen from them — equivocal resends never count twice), whether an
// Input has been accepted, whether this node has emitted its own Echo or
// Vote, whether delivery has fired, and the value under consideration.
type roundState struct {
	echoBySender map[types.NodeID][]byte
	voteBySender map[types.NodeID][]byte

	initiated bool
	inputSeen bool
	echoed    bool
	voted     bool
	delivered bool

	value []byte

	ready     chan struct{}
	startedAt time.Time
}

func newRoundState() *roundState {
	return &roundState{
		echoBySender: make(map[types.NodeID][]byte),
		voteBySender: make(map[types.NodeID][]byte),
		ready:        make(chan struct{}),
		startedAt:    time.Now(),
	}
}

// Engine runs the reliable broadcast automaton for one node.
type Engine struct {
	comm *communicator.Communicator
	th   types.Thresholds
	log  logging.Logger

	mu     sync.Mutex
	rounds map[instanceRound]*roundState

	cancel context.CancelFunc
}

// NewEngine builds a reliable broadcast engine bound to a communicator.
func NewEngine(comm *communicator.Communicator, th types.Thresholds, log logging.Logger) *Engine {
	return &Engine{
		comm:   comm,
		th:     th,
		log:    log,
		rounds: make(map[instanceRound]*roundState),
	}
}

// Run is the background task that consumes Reliable-tagged Signals from
// the inbound queues and drives the per-(instance,round) automaton until
// ctx is cancelled. Run derives its own cancellable child context so
// Terminate can stop this engine's handle independently of its siblings.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	for {
		msg, err := e.comm.BasicRecvAny(ctx, types.Reliable)
		if err != nil {
			return
		}
		signal, err := types.DecodeSignal(msg.Payload)
		if err != nil {
			e.log.Warnf("reliable: dropping undecodable signal from %d: %v", msg.Sender, err)
			metrics.ObserveDrop(metrics.LayerReliable, "decode")
			continue
		}
		e.handle(signal)
	}
}

// ReliableBroadcast initiates (instance, round) with value. Idempotent: a
// second call on an (instance, round) the node has already initiated is a
// no-op. The Input signal is sent like any other, including to this node
// itself: the initiator's own Echo comes from handle() processing that
// self-delivered Input exactly as it would from any other sender, so
// `initiated` only guards against re-broadcasting, never against the node
// adopting and echoing its own value.
func (e *Engine) ReliableBroadcast(instance, round uint64, value []byte) error {
	ir := instanceRound{instance, round}
	e.mu.Lock()
	rs := e.getOrCreateLocked(ir)
	if rs.initiated {
		e.mu.Unlock()
		return nil
	}
	rs.initiated = true
	e.mu.Unlock()

	return e.broadcastSignal(instance, round, types.Input, value)
}

// ReliableRecv blocks until (instance, round) delivers, returning the
// delivered value, or fails with ctx's cancellation as types.ErrCancelled.
func (e *Engine) ReliableRecv(ctx context.Context, instance, round uint64) ([]byte, error) {
	ir := instanceRound{instance, round}
	e.mu.Lock()
	rs := e.getOrCreateLocked(ir)
	if rs.delivered {
		value := rs.value
		e.mu.Unlock()
		return value, nil
	}
	ready := rs.ready
	e.mu.Unlock()

	select {
	case <-ready:
		e.mu.Lock()
		value := rs.value
		e.mu.Unlock()
		return value, nil
	case <-ctx.Done():
		return nil, types.ErrCancelled
	}
}

// Terminate aborts this engine's background task at its next suspension
// point. It does not wake ReliableRecv callers: a pending call returns
// only once its (instance, round) delivers or its own ctx is done.
func (e *Engine) Terminate() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) getOrCreateLocked(ir instanceRound) *roundState {
	rs, ok := e.rounds[ir]
	if !ok {
		rs = newRoundState()
		e.rounds[ir] = rs
	}
	return rs
}

// handle applies one incoming Signal to its round's state machine and
// cascades through every transition it newly enables.
func (e *Engine) handle(sig types.Signal) {
	ir := instanceRound{sig.Instance, sig.Round}

	e.mu.Lock()
	defer e.mu.Unlock()
	rs := e.getOrCreateLocked(ir)
	if rs.delivered {
		return
	}

	switch sig.Kind {
	case types.Input:
		if rs.inputSeen {
			return
		}
		rs.inputSeen = true
		if rs.value == nil {
			rs.value = sig.Value
		}
		if !rs.echoed {
			rs.echoed = true
			rs.value = sig.Value
			e.emitLocked(sig.Instance, sig.Round, types.Echo, sig.Value)
		}
	case types.Echo:
		if _, seen := rs.echoBySender[sig.Sender]; !seen {
			rs.echoBySender[sig.Sender] = sig.Value
		}
	case types.Vote:
		if _, seen := rs.voteBySender[sig.Sender]; !seen {
			rs.voteBySender[sig.Sender] = sig.Value
		}
	}

	e.advanceLocked(ir, rs)
}

// advanceLocked re-evaluates every threshold transition until none fire
// again. Must be called with e.mu held.
func (e *Engine) advanceLocked(ir instanceRound, rs *roundState) {
	for {
		progressed := false

		if !rs.echoed {
			if v, ok := agreeingValue(rs.echoBySender, e.th.Validity()); ok {
				rs.echoed = true
				rs.value = v
				e.emitLocked(ir.instance, ir.round, types.Echo, v)
				progressed = true
			}
		}

		if rs.echoed && !rs.voted {
			if count(rs.echoBySender, rs.value) >= e.th.Validity() {
				rs.voted = true
				e.emitLocked(ir.instance, ir.round, types.Vote, rs.value)
				progressed = true
			}
		}

		if !rs.voted {
			if v, ok := agreeingValue(rs.voteBySender, e.th.Agreement()); ok {
				rs.voted = true
				rs.value = v
				e.emitLocked(ir.instance, ir.round, types.Vote, v)
				progressed = true
			}
		}

		if rs.voted && !rs.delivered {
			if count(rs.voteBySender, rs.value) >= e.th.Validity() {
				rs.delivered = true
				close(rs.ready)
				metrics.ObserveDelivery(metrics.LayerReliable, rs.startedAt)
				progressed = true
			}
		}

		if !progressed {
			return
		}
	}
}

// emitLocked broadcasts this node's Echo or Vote for (instance, round).
// Called with e.mu held; the outbound send itself never blocks on it.
func (e *Engine) emitLocked(instance, round uint64, kind types.SignalKind, value []byte) {
	sig := types.Signal{Kind: kind, Sender: e.comm.ID, Instance: instance, Round: round, Value: value}
	payload, err := types.EncodeSignal(sig)
	if err != nil {
		e.log.Errorf("reliable: failed encoding %s signal: %v", kind, err)
		return
	}
	inst := instance
	if err := e.comm.BasicBroadcast(payload, types.Reliable, &inst, round); err != nil {
		e.log.Warnf("reliable: %s broadcast for (%d,%d) dropped for some peers: %v", kind, instance, round, err)
		metrics.ObserveDrop(metrics.LayerReliable, "transport")
	}
}

func (e *Engine) broadcastSignal(instance, round uint64, kind types.SignalKind, value []byte) error {
	sig := types.Signal{Kind: kind, Sender: e.comm.ID, Instance: instance, Round: round, Value: value}
	payload, err := types.EncodeSignal(sig)
	if err != nil {
		return err
	}
	inst := instance
	return e.comm.BasicBroadcast(payload, types.Reliable, &inst, round)
}

// agreeingValue returns the first value (by sender-set scan) that at
// least threshold distinct senders in bySender agree on, if any.
func agreeingValue(bySender map[types.NodeID][]byte, threshold int) ([]byte, bool) {
	for _, v := range bySender {
		if count(bySender, v) >= threshold {
			return v, true
		}
	}
	return nil, false
}

func count(bySender map[types.NodeID][]byte, value []byte) int {
	n := 0
	for _, v := range bySender {
		if bytes.Equal(v, value) {
			n++
		}
	}
	return n
}
