// Package queue implements the per-sender, per-(protocol, instance,
// round) inbound buffer every communicator owns: N independent FIFO
// buckets with blocking match-receive, the bottom layer of the
// communication fabric.
package queue

import (
	"context"
	"sync"

	"github.com/jabolina/go-bcast/pkg/bcast/types"
)

// bucketKey identifies one FIFO bucket: all messages from one sender for
// one (protocol, instance, round) tuple. Insertion order within a bucket
// is preserved; there is no ordering across buckets.
type bucketKey struct {
	sender      types.NodeID
	protocol    types.Protocol
	instance    uint64
	hasInstance bool
	round       uint64
}

// waitKey identifies the set of buckets a blocked Recv call is watching:
// every sender for one (protocol, instance, round) tuple.
type waitKey struct {
	protocol    types.Protocol
	instance    uint64
	hasInstance bool
	round       uint64
}

// Queues is BasicQueues: the shared per-sender inbound buffer every
// communicator owns one of.
type Queues struct {
	mu           sync.Mutex
	buckets      map[bucketKey][]types.Message
	waiters      map[waitKey][]chan struct{}
	protoWaiters map[types.Protocol][]chan struct{}
}

// New creates an empty set of queues.
func New() *Queues {
	return &Queues{
		buckets:      make(map[bucketKey][]types.Message),
		waiters:      make(map[waitKey][]chan struct{}),
		protoWaiters: make(map[types.Protocol][]chan struct{}),
	}
}

func toBucketKey(msg types.Message) bucketKey {
	k := bucketKey{sender: msg.Sender, protocol: msg.Protocol, round: msg.Round}
	if msg.Instance != nil {
		k.instance = *msg.Instance
		k.hasInstance = true
	}
	return k
}

func toWaitKey(k bucketKey) waitKey {
	return waitKey{protocol: k.protocol, instance: k.instance, hasInstance: k.hasInstance, round: k.round}
}

// Enqueue appends msg to the bucket keyed by (sender, protocol, instance,
// round) and wakes any Recv call currently watching that tuple.
func (q *Queues) Enqueue(msg types.Message) {
	q.mu.Lock()
	bk := toBucketKey(msg)
	q.buckets[bk] = append(q.buckets[bk], msg)
	wk := toWaitKey(bk)
	waiting := q.waiters[wk]
	delete(q.waiters, wk)
	protoWaiting := q.protoWaiters[bk.protocol]
	delete(q.protoWaiters, bk.protocol)
	q.mu.Unlock()

	for _, ch := range waiting {
		close(ch)
	}
	for _, ch := range protoWaiting {
		close(ch)
	}
}

// Recv blocks until at least one message matching (protocol, instance,
// round[, sender]) is buffered, then removes and returns the oldest one.
// When sender is nil, any sender's bucket may satisfy the call; ties among
// several ready senders break to the lowest NodeID. Recv honors ctx
// cancellation, returning types.ErrCancelled without consuming anything.
func (q *Queues) Recv(ctx context.Context, protocol types.Protocol, instance *uint64, round uint64, sender *types.NodeID) (types.Message, error) {
	wk := waitKey{protocol: protocol, round: round}
	if instance != nil {
		wk.instance = *instance
		wk.hasInstance = true
	}

	for {
		q.mu.Lock()
		if msg, ok := q.popLocked(wk, sender); ok {
			q.mu.Unlock()
			return msg, nil
		}
		ready := make(chan struct{})
		q.waiters[wk] = append(q.waiters[wk], ready)
		q.mu.Unlock()

		select {
		case <-ready:
			// Loop around: re-check, since the wakeup may have been for
			// a sender that doesn't match our filter.
		case <-ctx.Done():
			return types.Message{}, types.ErrCancelled
		}
	}
}

// RecvAny blocks until any message tagged with protocol is buffered, for
// any (instance, round, sender), then removes and returns the head of one
// matching bucket: the lowest round first, then the lowest sender; among
// buckets that differ only by instance the choice is not defined. This is
// the wildcard dispatch primitive a
// per-layer background engine uses instead of addressing a single round
// up front: the engine demultiplexes by (instance, round) internally once
// it has the message's envelope.
func (q *Queues) RecvAny(ctx context.Context, protocol types.Protocol) (types.Message, error) {
	for {
		q.mu.Lock()
		if msg, ok := q.popAnyLocked(protocol); ok {
			q.mu.Unlock()
			return msg, nil
		}
		ready := make(chan struct{})
		q.protoWaiters[protocol] = append(q.protoWaiters[protocol], ready)
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return types.Message{}, types.ErrCancelled
		}
	}
}

func (q *Queues) popAnyLocked(protocol types.Protocol) (types.Message, bool) {
	var chosenKey bucketKey
	var chosen types.Message
	found := false
	for bk, bucket := range q.buckets {
		if len(bucket) == 0 || bk.protocol != protocol {
			continue
		}
		if !found || bk.round < chosenKey.round || (bk.round == chosenKey.round && bk.sender < chosenKey.sender) {
			chosenKey = bk
			chosen = bucket[0]
			found = true
		}
	}
	if !found {
		return types.Message{}, false
	}
	q.buckets[chosenKey] = q.buckets[chosenKey][1:]
	return chosen, true
}

// popLocked must be called with q.mu held. It finds the oldest message
// across the buckets matching wk (optionally restricted to sender),
// removes it, and returns it.
func (q *Queues) popLocked(wk waitKey, sender *types.NodeID) (types.Message, bool) {
	if sender != nil {
		bk := bucketKey{sender: *sender, protocol: wk.protocol, instance: wk.instance, hasInstance: wk.hasInstance, round: wk.round}
		bucket := q.buckets[bk]
		if len(bucket) == 0 {
			return types.Message{}, false
		}
		msg := bucket[0]
		q.buckets[bk] = bucket[1:]
		return msg, true
	}

	var chosenKey bucketKey
	var chosen types.Message
	found := false
	for bk, bucket := range q.buckets {
		if len(bucket) == 0 {
			continue
		}
		if bk.protocol != wk.protocol || bk.round != wk.round || bk.hasInstance != wk.hasInstance {
			continue
		}
		if bk.hasInstance && bk.instance != wk.instance {
			continue
		}
		if !found || bk.sender < chosenKey.sender {
			chosenKey = bk
			chosen = bucket[0]
			found = true
		}
	}
	if !found {
		return types.Message{}, false
	}
	q.buckets[chosenKey] = q.buckets[chosenKey][1:]
	return chosen, true
}
