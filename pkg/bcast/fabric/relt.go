package fabric

import (
	"context"
	"time"

	"github.com/jabolina/go-bcast/pkg/bcast/logging"
	"github.com/jabolina/go-bcast/pkg/bcast/types"
	"github.com/jabolina/relt/pkg/relt"
)

// Relt is a Fabric backed by github.com/jabolina/relt, a reliable
// multicast transport. It is the real-deployment counterpart to Channel:
// every node in the group shares one relt.GroupAddress and relt itself
// provides delivery between correct processes.
type Relt struct {
	log      logging.Logger
	self     types.NodeID
	group    relt.GroupAddress
	relt     *relt.Relt
	producer chan types.Message
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewRelt opens a relt-backed fabric for one node of a group. group
// identifies the shared multicast address every node in the broadcast set
// must use; name must be unique per node.
func NewRelt(self types.NodeID, name, group string, log logging.Logger) (*Relt, error) {
	conf := relt.DefaultReltConfiguration()
	conf.Name = name
	conf.Exchange = relt.GroupAddress(group)
	return NewReltFromConfig(self, *conf, log)
}

// NewReltFromConfig opens a relt-backed fabric from a caller-built
// relt.Configuration, for deployments (e.g. hub.NewReltHub) that need
// to set fields NewRelt doesn't expose directly.
func NewReltFromConfig(self types.NodeID, conf relt.Configuration, log logging.Logger) (*Relt, error) {
	r, err := relt.NewRelt(conf)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	fab := &Relt{
		log:      log,
		self:     self,
		group:    conf.Exchange,
		relt:     r,
		producer: make(chan types.Message, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
	go fab.poll()
	return fab, nil
}

// Send and Broadcast are identical over relt: the group address fans the
// message out to every subscriber, including the sender, so a directed
// Send degrades to the same multicast as Broadcast. Self-delivery happens
// through the same wire round-trip relt performs for every other peer.
func (r *Relt) Send(_ types.NodeID, msg types.Message) error {
	return r.publish(msg)
}

func (r *Relt) Broadcast(msg types.Message) error {
	return r.publish(msg)
}

func (r *Relt) publish(msg types.Message) error {
	data, err := types.EncodeMessage(msg)
	if err != nil {
		r.log.Errorf("failed encoding message %#v: %v", msg, err)
		return types.ErrDecodeFailure
	}
	send := relt.Send{Address: r.group, Data: data}
	if err := r.relt.Broadcast(r.ctx, send); err != nil {
		r.log.Errorf("failed broadcasting message %#v: %v", msg, err)
		return types.ErrTransportFailure
	}
	return nil
}

func (r *Relt) Listen() <-chan types.Message {
	return r.producer
}

func (r *Relt) Close() {
	r.cancel()
	if err := r.relt.Close(); err != nil {
		r.log.Errorf("failed closing relt transport: %v", err)
	}
}

// poll drains the underlying relt consumer and decodes each arriving
// frame into the producer channel.
func (r *Relt) poll() {
	listener, err := r.relt.Consume()
	if err != nil {
		r.log.Errorf("failed opening relt consumer: %v", err)
		return
	}
	for {
		select {
		case <-r.ctx.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			r.consume(recv.Data, recv.Error)
		}
	}
}

func (r *Relt) consume(data []byte, recvErr error) {
	if recvErr != nil {
		r.log.Errorf("failed consuming relt message: %v", recvErr)
		return
	}
	if data == nil {
		return
	}

	msg, err := types.DecodeMessage(data)
	if err != nil {
		r.log.Errorf("failed decoding relt message: %v", err)
		return
	}

	timeout, cancel := context.WithTimeout(r.ctx, 250*time.Millisecond)
	defer cancel()
	select {
	case <-timeout.Done():
		r.log.Warnf("dropped message, producer full: %#v", msg)
	case r.producer <- msg:
	}
}
