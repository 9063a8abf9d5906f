package network

import (
	"context"

	"github.com/jabolina/go-gcs/pkg/gcs/core"
	"github.com/jabolina/go-gcs/pkg/gcs/helper"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
	"github.com/jabolina/relt/pkg/relt"
)

// ReliablePeer holds the parameters to join a group through relt.
type ReliablePeer struct {
	// Unique name of this peer on the broker.
	Name types.Endpoint

	// Group exchange.
	Group types.GroupID

	// Fixed members of the group, in rank order.
	Members []types.Endpoint

	// Broker connection, the relt default local broker when empty.
	URL string
}

// ReliableTransport is an instance of core.Transport on top of the relt
// reliable AMQP exchange. Every member consumes the group exchange, so
// unicast events are published to the group and filtered by destination
// on the receiving side.
type ReliableTransport struct {
	// Transport logger.
	log types.Logger

	// Reliable transport.
	relt *relt.Relt

	// Fixed group view.
	membership *StaticMembership

	// Channel to publish the received events.
	producer chan types.Event

	// The transport context.
	context context.Context

	// The finish function to closing the transport.
	finish context.CancelFunc

	group   types.GroupID
	invoker helper.Invoker
}

var _ core.Transport = (*ReliableTransport)(nil)

// NewReliableTransport connects to the group exchange. The static view
// is the first event on the listener.
func NewReliableTransport(peer ReliablePeer, log types.Logger) (*ReliableTransport, error) {
	membership, err := NewStaticMembership(peer.Group, peer.Name, peer.Members, log)
	if err != nil {
		return nil, err
	}

	conf := relt.DefaultReltConfiguration()
	conf.Name = string(peer.Name)
	conf.Exchange = relt.GroupAddress(peer.Group)
	if peer.URL != "" {
		conf.Url = peer.URL
	}
	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, err
	}

	ctx, done := context.WithCancel(context.Background())
	t := &ReliableTransport{
		log:        log,
		relt:       r,
		membership: membership,
		producer:   make(chan types.Event),
		context:    ctx,
		finish:     done,
		group:      peer.Group,
		invoker:    helper.NewInvoker(),
	}
	t.invoker.Spawn(t.poll)
	return t, nil
}

// Membership returns the fixed membership of the transport.
func (r *ReliableTransport) Membership() *StaticMembership {
	return r.membership
}

func (r *ReliableTransport) apply(event types.Event) error {
	data, err := Encode(event)
	if err != nil {
		r.log.Errorf("failed encoding %s. %v", event, err)
		return err
	}

	m := relt.Send{
		Address: relt.GroupAddress(r.group),
		Data:    data,
	}
	return r.relt.Broadcast(m)
}

// Implements the core.Transport interface.
func (r *ReliableTransport) Broadcast(event types.Event) error {
	event.Dest = nil
	return r.apply(event)
}

// Implements the core.Transport interface.
func (r *ReliableTransport) Unicast(event types.Event, dest []types.Rank) error {
	event.Dest = dest
	return r.apply(event)
}

// Implements the core.Transport interface.
func (r *ReliableTransport) Listen() <-chan types.Event {
	return r.producer
}

// Implements the core.Transport interface.
func (r *ReliableTransport) Close() error {
	r.finish()
	r.relt.Close()
	r.invoker.Stop()
	return nil
}

// Keeps polling until the transport context is cancelled. The
// static view is published before anything received.
func (r *ReliableTransport) poll() {
	listener := r.relt.Consume()
	r.publish(r.membership.View())
	for {
		select {
		case <-r.context.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			r.consume(recv.Data, recv.Error)
		}
	}
}

func (r *ReliableTransport) consume(data []byte, err error) {
	if err != nil {
		r.log.Errorf("failed consuming on %s. %v", r.group, err)
		return
	}

	if data == nil {
		r.log.Warnf("received empty message at %s", r.group)
		return
	}

	event, err := Decode(data)
	if err != nil {
		r.log.Errorf("failed decoding message. %v", err)
		return
	}

	if !addressed(event.Dest, r.membership.Rank()) {
		return
	}
	r.publish(event)
}

func (r *ReliableTransport) publish(event types.Event) {
	select {
	case <-r.context.Done():
	case r.producer <- event:
	}
}

func addressed(dest []types.Rank, self types.Rank) bool {
	if len(dest) == 0 {
		return true
	}
	for _, r := range dest {
		if r == self {
			return true
		}
	}
	return false
}
