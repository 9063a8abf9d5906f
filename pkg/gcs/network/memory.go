package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/jabolina/go-gcs/pkg/gcs/core"
	"github.com/jabolina/go-gcs/pkg/gcs/helper"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// Hub is an in-memory view synchronous group. It holds the mailbox of
// every joined endpoint and acts as both the transport and the
// membership collaborator of their channels.
//
// A view is installed with a Block round: every member that already
// holds a view receives a Block and the hub waits for its BlockOk
// before delivering the new view. Sends and BlockOk of one channel
// share the same ordered outbound queue, so every message sent in the
// old view is on the mailboxes before the new view.
type Hub struct {
	mutex *sync.Mutex

	// Serializes view installations.
	installing *sync.Mutex

	group types.GroupID
	log   types.Logger

	// Last view counter assigned.
	counter uint64

	endpoints map[types.Endpoint]*MemoryEndpoint

	// Installed views, to resolve ranks of a send.
	views map[types.ViewID]*types.ViewState

	// Members still expected to answer the current Block round.
	waiting  map[types.Endpoint]types.ViewID
	answered chan struct{}
}

// NewHub creates an empty group.
func NewHub(group types.GroupID, log types.Logger) *Hub {
	return &Hub{
		mutex:      &sync.Mutex{},
		installing: &sync.Mutex{},
		group:      group,
		log:        log,
		endpoints:  make(map[types.Endpoint]*MemoryEndpoint),
		views:      make(map[types.ViewID]*types.ViewState),
	}
}

// Join creates the endpoint on the hub. It does not receive anything
// until it is part of an installed view.
func (h *Hub) Join(e types.Endpoint) (*MemoryEndpoint, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.endpoints[e]; ok {
		return nil, fmt.Errorf("endpoint %s already joined %s", e, h.group)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MemoryEndpoint{
		hub:      h,
		self:     e,
		mailbox:  newMailbox(),
		producer: make(chan types.Event),
		context:  ctx,
		finish:   cancel,
		invoker:  helper.NewInvoker(),
	}
	h.endpoints[e] = m
	m.invoker.Spawn(m.pump)
	return m, nil
}

// Members returns the endpoints still on the hub.
func (h *Hub) Members() []types.Endpoint {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	var members []types.Endpoint
	for e := range h.endpoints {
		members = append(members, e)
	}
	return members
}

// Left verifies if the endpoint left the group or was closed.
func (h *Hub) Left(e types.Endpoint) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	_, ok := h.endpoints[e]
	return !ok
}

// Install a new view with the given members, in order. Members that
// are not on the hub anymore are skipped.
func (h *Hub) Install(ctx context.Context, members ...types.Endpoint) (*types.ViewState, error) {
	h.installing.Lock()
	defer h.installing.Unlock()

	h.mutex.Lock()
	var alive []types.Endpoint
	for _, e := range members {
		if _, ok := h.endpoints[e]; ok {
			alive = append(alive, e)
		}
	}
	if len(alive) == 0 {
		h.mutex.Unlock()
		return nil, fmt.Errorf("no members to install on %s", h.group)
	}

	h.waiting = make(map[types.Endpoint]types.ViewID)
	h.answered = make(chan struct{})
	for _, e := range alive {
		endpoint := h.endpoints[e]
		if endpoint.view == nil {
			continue
		}
		h.waiting[e] = endpoint.view.ID
		endpoint.mailbox.push(types.Event{
			Kind:   types.KindBlock,
			Group:  h.group,
			ViewID: endpoint.view.ID,
		})
	}
	answered := h.answered
	if len(h.waiting) == 0 {
		close(h.answered)
	}
	h.mutex.Unlock()

	select {
	case <-answered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.counter++
	state := &types.ViewState{
		Group:   h.group,
		ID:      types.ViewID{Counter: h.counter, Coordinator: alive[0]},
		Members: alive,
	}
	h.views[state.ID] = state
	for i, e := range alive {
		endpoint, ok := h.endpoints[e]
		if !ok {
			continue
		}
		endpoint.view = state
		endpoint.mailbox.push(types.Event{
			Kind:   types.KindView,
			Group:  h.group,
			ViewID: state.ID,
			View: &types.View{
				State: state,
				Local: types.LocalState{Rank: types.Rank(i), Self: e},
			},
		})
	}
	h.log.Infof("installed view %s", state)
	return state, nil
}

// Must hold the hub lock.
func (h *Hub) answer(e types.Endpoint, view types.ViewID) {
	expected, ok := h.waiting[e]
	if !ok || expected != view {
		return
	}
	delete(h.waiting, e)
	if len(h.waiting) == 0 {
		close(h.answered)
	}
}

func (h *Hub) send(from *MemoryEndpoint, event types.Event, dest []types.Rank) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.endpoints[from.self]; !ok {
		return types.ErrClosed
	}
	state, ok := h.views[event.ViewID]
	if !ok {
		return fmt.Errorf("unknown view %s", event.ViewID)
	}

	targets := dest
	if len(targets) == 0 {
		targets = make([]types.Rank, state.Size())
		for i := range targets {
			targets[i] = types.Rank(i)
		}
	}
	for _, r := range targets {
		e, ok := state.Member(r)
		if !ok {
			return fmt.Errorf("rank %d not on view %s", r, state)
		}
		endpoint, ok := h.endpoints[e]
		if !ok || endpoint.view == nil || endpoint.view.ID != event.ViewID {
			continue
		}
		endpoint.mailbox.push(event)
	}
	return nil
}

func (h *Hub) remove(e types.Endpoint) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.endpoints[e]; !ok {
		return false
	}
	delete(h.endpoints, e)
	if _, ok := h.waiting[e]; ok {
		delete(h.waiting, e)
		if len(h.waiting) == 0 {
			close(h.answered)
		}
	}
	return true
}

// MemoryEndpoint is a single member of the hub, implementing both
// core.Transport and core.Membership.
type MemoryEndpoint struct {
	hub  *Hub
	self types.Endpoint

	// Last view installed, guarded by the hub lock.
	view *types.ViewState

	mailbox  *mailbox
	producer chan types.Event
	context  context.Context
	finish   context.CancelFunc
	invoker  helper.Invoker
}

var (
	_ core.Transport  = (*MemoryEndpoint)(nil)
	_ core.Membership = (*MemoryEndpoint)(nil)
)

// Endpoint returns the member address.
func (m *MemoryEndpoint) Endpoint() types.Endpoint {
	return m.self
}

// Implements the core.Transport interface.
func (m *MemoryEndpoint) Broadcast(event types.Event) error {
	return m.hub.send(m, event, nil)
}

// Implements the core.Transport interface.
func (m *MemoryEndpoint) Unicast(event types.Event, dest []types.Rank) error {
	if len(dest) == 0 {
		return nil
	}
	return m.hub.send(m, event, dest)
}

// Implements the core.Transport interface.
func (m *MemoryEndpoint) Listen() <-chan types.Event {
	return m.producer
}

// Implements the core.Membership interface.
func (m *MemoryEndpoint) BlockOk(group types.GroupID, view types.ViewID) error {
	if group != m.hub.group {
		return fmt.Errorf("%s is not a member of %s", m.self, group)
	}
	m.hub.mutex.Lock()
	defer m.hub.mutex.Unlock()
	m.hub.answer(m.self, view)
	return nil
}

// Implements the core.Membership interface.
func (m *MemoryEndpoint) Leave(group types.GroupID) error {
	if group != m.hub.group {
		return fmt.Errorf("%s is not a member of %s", m.self, group)
	}
	if m.hub.remove(m.self) {
		m.hub.log.Warnf("%s left %s", m.self, group)
	}
	return nil
}

// Implements the core.Transport interface.
func (m *MemoryEndpoint) Close() error {
	m.hub.remove(m.self)
	m.finish()
	m.mailbox.close()
	m.invoker.Stop()
	return nil
}

// Moves events from the mailbox to the listener, in order.
func (m *MemoryEndpoint) pump() {
	for {
		event, ok := m.mailbox.pop()
		if !ok {
			return
		}
		select {
		case m.producer <- event:
		case <-m.context.Done():
			return
		}
	}
}

// An unbounded FIFO queue, so a sender never blocks on a slow member.
type mailbox struct {
	mutex  *sync.Mutex
	cond   *sync.Cond
	events []types.Event
	closed bool
}

func newMailbox() *mailbox {
	mutex := &sync.Mutex{}
	return &mailbox{mutex: mutex, cond: sync.NewCond(mutex)}
}

func (b *mailbox) push(event types.Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return
	}
	b.events = append(b.events, event)
	b.cond.Signal()
}

// Blocks until an event is available or the mailbox is closed.
func (b *mailbox) pop() (types.Event, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for len(b.events) == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return types.Event{}, false
	}
	event := b.events[0]
	b.events[0] = types.Event{}
	b.events = b.events[1:]
	return event, true
}

func (b *mailbox) close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
