package seto

import (
	"fmt"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/jabolina/go-gcs/pkg/gcs/core"
	"github.com/jabolina/go-gcs/pkg/gcs/metrics"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// Name of the total order layer.
const Name = "seto"

// Delivery stages, as reported on metrics.
const (
	StageOptimistic = "optimistic"
	StageRegular    = "regular"
	StageUniform    = "uniform"
)

// Config for the optimistic total order layer.
type Config struct {
	// Smoothing factor of the delay estimation.
	Alpha float64

	// Interval between uniformity heartbeats.
	UniformPeriod time.Duration

	// Bound on the messages waiting for the total order.
	MaxPending int

	// How long uniform delivered messages are remembered to
	// suppress duplicates.
	RetiredTTL time.Duration
}

// Session implements the sequencer based optimistic total order. The
// sequencer is the member with rank 0 of the current view. Every
// message is delivered three times: optimistic, regular and uniform.
type Session struct {
	config Config

	view    *types.View
	blocked bool

	// Sequence number of the next message sent by this process.
	sendingSN uint64

	// Last global order assigned, only on the sequencer.
	globalSN uint64

	// Last global order regular delivered.
	localSN uint64

	lastSent time.Time
	armed    bool

	delays    *estimator
	uniform   *uniformity
	pending   *pendingStore
	sequenced *orderStore
	delivered []*record
	early     []types.Event
	retired   *ttlcache.Cache
}

var _ core.Session = (*Session)(nil)

// NewSession creates the layer, it holds no view until one is delivered.
func NewSession(config Config) *Session {
	retired := ttlcache.NewCache()
	retired.SetTTL(config.RetiredTTL)
	return &Session{
		config:    config,
		delays:    newEstimator(config.Alpha, 0),
		uniform:   newUniformity(0),
		pending:   newPendingStore(),
		sequenced: newOrderStore(),
		retired:   retired,
	}
}

// Implements the core.Session interface.
func (s *Session) Name() string {
	return Name
}

// Close releases the duplicate suppression cache.
func (s *Session) Close() error {
	s.retired.Close()
	return nil
}

// Implements the core.Session interface.
func (s *Session) Handle(ctx core.Context, event types.Event) error {
	switch event.Kind {
	case types.KindData:
		if event.Direction == types.Down {
			return s.send(ctx, event)
		}
		s.receiveData(ctx, event)
	case types.KindSeqOrder:
		if event.Direction == types.Down {
			ctx.Logger().Errorf("sequencer order going down %s", event)
			ctx.Forward(event)
			return nil
		}
		s.receiveOrder(ctx, event)
	case types.KindUniformInfo:
		if event.Direction == types.Down {
			ctx.Forward(event)
			return nil
		}
		s.receiveUniformity(ctx, event)
	case types.KindView:
		if event.Direction != types.Up || event.View == nil {
			ctx.Forward(event)
			return nil
		}
		s.install(ctx, event)
	case types.KindBlockOk:
		s.blocked = true
		if s.view != nil {
			s.sendUniformity(ctx)
			event.ViewID = s.view.State.ID
		}
		ctx.Forward(event)
	case types.KindReleaseTimer:
		s.release(ctx, event)
	case types.KindUniformTimer:
		s.heartbeat(ctx)
	default:
		ctx.Forward(event)
	}
	return nil
}

// Status of the ordering layer.
type Status struct {
	Blocked   bool   `json:"blocked"`
	Sequencer bool   `json:"sequencer"`
	LocalSN   uint64 `json:"local_sn"`
	Pending   int    `json:"pending"`
	Sequenced int    `json:"sequenced"`
}

// Status returns the layer status, must run on the channel context.
func (s *Session) Status() Status {
	return Status{
		Blocked:   s.blocked,
		Sequencer: s.isSequencer(),
		LocalSN:   s.localSN,
		Pending:   s.pending.Len(),
		Sequenced: s.sequenced.Len(),
	}
}

func (s *Session) isSequencer() bool {
	return s.view != nil && s.view.Local.Rank == 0
}

func (s *Session) self() types.Rank {
	return s.view.Local.Rank
}

func (s *Session) send(ctx core.Context, event types.Event) error {
	if s.view == nil {
		return types.ErrNoView
	}
	if s.blocked {
		return types.ErrBlocked
	}
	if s.pending.Len() >= s.config.MaxPending {
		return types.ErrBackPressure
	}

	header := types.DataHeader{
		Sender: s.self(),
		SN:     s.sendingSN,
		Delay:  s.delays.Outgoing(),
	}
	s.sendingSN++

	event.Group = s.view.State.Group
	event.ViewID = s.view.State.ID
	event.Origin = s.self()
	event.Data = &header
	event.Uniformity = s.uniform.Snapshot()
	event.Timestamp = ctx.Now()
	ctx.Down(event)
	s.lastSent = ctx.Now()
	return nil
}

// Verifies if the event belongs to the installed view. Events of a view
// not installed yet are parked, and events of older views dropped.
func (s *Session) admit(ctx core.Context, event types.Event) bool {
	if s.view != nil && event.ViewID == s.view.State.ID {
		return true
	}

	if s.view != nil && event.ViewID.Counter <= s.view.State.ID.Counter {
		ctx.Metrics().EventDropped(Name, event.Kind.String(), metrics.ReasonStaleView)
		return false
	}

	if len(s.early) >= s.config.MaxPending {
		ctx.Logger().Warnf("dropping %s, too many events ahead of the view", event)
		ctx.Metrics().EventDropped(Name, event.Kind.String(), metrics.ReasonOverflow)
		return false
	}
	s.early = append(s.early, event)
	return false
}

func (s *Session) receiveData(ctx core.Context, event types.Event) {
	if event.Data == nil {
		ctx.Forward(event)
		return
	}
	if !s.admit(ctx, event) {
		return
	}

	header := *event.Data
	if int(header.Sender) < 0 || int(header.Sender) >= s.view.State.Size() {
		ctx.Logger().Warnf("message from unknown rank %d", header.Sender)
		ctx.Metrics().EventDropped(Name, event.Kind.String(), metrics.ReasonUnroutable)
		return
	}

	s.uniform.Merge(event.Uniformity)
	key := header.Key()
	if s.pending.Get(key) != nil || s.isRetired(key) {
		ctx.Metrics().EventDropped(Name, event.Kind.String(), metrics.ReasonDuplicate)
		return
	}

	delay := s.delays.Of(header.Sender)
	r := &record{
		event:  event,
		header: header,
		fast:   ctx.Now().Add(delay),
	}
	s.pending.Add(r)
	ctx.Metrics().PendingMessages(s.pending.Len())

	if !s.blocked {
		if delay <= 0 {
			s.optimistic(ctx, r, true)
		} else {
			ctx.SetTimer(delay, types.Event{
				Kind:      types.KindReleaseTimer,
				Direction: types.Down,
				ViewID:    s.view.State.ID,
				Data:      &header,
			})
		}
	}

	s.deliverRegular(ctx)
	s.deliverUniform(ctx)
}

func (s *Session) release(ctx core.Context, timer types.Event) {
	if s.view == nil || timer.Data == nil || timer.ViewID != s.view.State.ID {
		return
	}
	if r := s.pending.Get(timer.Data.Key()); r != nil {
		s.optimistic(ctx, r, true)
	}
}

// Delivers the message optimistically, at most once. The sequencer
// assigns the next global order when not blocked. Earlier messages of
// the same sender are released first, keeping the order of each sender
// even when its delay estimate shrinks.
func (s *Session) optimistic(ctx core.Context, r *record, sequence bool) {
	if r.optimistic {
		return
	}
	for _, earlier := range s.pending.Earlier(r.header) {
		s.optimistic(ctx, earlier, sequence)
	}
	r.optimistic = true
	ctx.Up(s.notification(types.KindOptimistic, r))
	ctx.Metrics().MessageDelivered(StageOptimistic)

	if !sequence || !s.isSequencer() || s.blocked {
		return
	}

	s.globalSN++
	ctx.Down(types.Event{
		Kind:   types.KindSeqOrder,
		Group:  s.view.State.Group,
		ViewID: s.view.State.ID,
		Origin: s.self(),
		Seq: &types.SeqHeader{
			Sender: r.header.Sender,
			SN:     r.header.SN,
			Order:  s.globalSN,
		},
		Uniformity: s.uniform.Snapshot(),
		Timestamp:  ctx.Now(),
	})
	s.delays.Reported(r.header.Sender, s.self(), r.header.Delay)
}

func (s *Session) receiveOrder(ctx core.Context, event types.Event) {
	if event.Seq == nil {
		ctx.Forward(event)
		return
	}
	if !s.admit(ctx, event) {
		return
	}

	s.uniform.Merge(event.Uniformity)
	header := *event.Seq
	if header.Order <= s.localSN || s.sequenced.Contains(header.Key()) {
		ctx.Metrics().EventDropped(Name, event.Kind.String(), metrics.ReasonDuplicate)
		s.deliverUniform(ctx)
		return
	}

	s.sequenced.Add(&ordered{header: header, received: ctx.Now()})
	s.deliverRegular(ctx)
	s.deliverUniform(ctx)
}

func (s *Session) receiveUniformity(ctx core.Context, event types.Event) {
	if !s.admit(ctx, event) {
		return
	}
	s.uniform.Merge(event.Uniformity)
	s.deliverUniform(ctx)
}

// Regular delivery follows the global order without gaps. An order
// whose message did not arrive yet blocks every later order.
func (s *Session) deliverRegular(ctx core.Context) {
	for {
		next := s.sequenced.Lowest()
		if next == nil {
			return
		}

		key := next.header.Key()
		if next.header.Order <= s.localSN {
			s.sequenced.Remove(key)
			continue
		}
		if next.header.Order != s.localSN+1 {
			return
		}

		r := s.pending.Get(key)
		if r == nil {
			return
		}

		s.sequenced.Remove(key)
		s.optimistic(ctx, r, false)
		s.regular(ctx, r, next.header.Order)
		s.delays.Observe(r.header.Sender, r.fast, next.received)
	}
}

func (s *Session) regular(ctx core.Context, r *record, order uint64) {
	r.regular = true
	r.order = order
	s.localSN = order
	s.uniform.Delivered(int(s.self()), order)
	s.delivered = append(s.delivered, r)
	ctx.Up(s.notification(types.KindRegular, r))
	ctx.Metrics().MessageDelivered(StageRegular)
}

// Uniform delivery follows the regular order, stopping at the first
// order not yet known to a majority.
func (s *Session) deliverUniform(ctx core.Context) {
	i := 0
	for ; i < len(s.delivered); i++ {
		r := s.delivered[i]
		if !s.uniform.IsUniform(r.order) {
			break
		}
		s.uniformDeliver(ctx, r)
	}
	if i > 0 {
		s.delivered = append([]*record(nil), s.delivered[i:]...)
		ctx.Metrics().PendingMessages(s.pending.Len())
	}
}

func (s *Session) uniformDeliver(ctx core.Context, r *record) {
	s.pending.Remove(r.header.Key())
	s.retired.Set(s.retiredKey(r.header.Key()), true)
	ctx.Up(s.notification(types.KindUniform, r))
	ctx.Metrics().MessageDelivered(StageUniform)
}

func (s *Session) heartbeat(ctx core.Context) {
	if s.view == nil || s.blocked || !s.uniform.Changed() {
		return
	}
	if ctx.Now().Sub(s.lastSent) >= s.config.UniformPeriod {
		s.sendUniformity(ctx)
	}
}

func (s *Session) sendUniformity(ctx core.Context) {
	ctx.Down(types.Event{
		Kind:       types.KindUniformInfo,
		Group:      s.view.State.Group,
		ViewID:     s.view.State.ID,
		Origin:     s.self(),
		Uniformity: s.uniform.Snapshot(),
		Timestamp:  ctx.Now(),
	})
	s.uniform.Sent()
}

// Installs the new view. Everything still pending from the previous view
// is delivered first, in an order every surviving member agrees on.
func (s *Session) install(ctx core.Context, event types.Event) {
	if s.view != nil {
		s.flush(ctx)
	}

	s.view = event.View
	size := s.view.State.Size()
	s.blocked = false
	s.sendingSN = 0
	s.globalSN = 0
	s.localSN = 0
	s.delays = newEstimator(s.config.Alpha, size)
	s.uniform = newUniformity(size)
	s.pending = newPendingStore()
	s.sequenced = newOrderStore()
	s.delivered = nil
	ctx.Metrics().PendingMessages(0)
	ctx.Logger().Infof("installed view %s at rank %d", s.view.State, s.self())

	if !s.armed {
		s.armed = true
		ctx.SetPeriodic(s.config.UniformPeriod, types.Event{
			Kind:      types.KindUniformTimer,
			Direction: types.Down,
		})
	}

	ctx.Forward(event)

	early := s.early
	s.early = nil
	for _, e := range early {
		if e.ViewID != s.view.State.ID {
			if e.ViewID.Counter > s.view.State.ID.Counter {
				s.early = append(s.early, e)
			}
			continue
		}
		switch e.Kind {
		case types.KindData:
			s.receiveData(ctx, e)
		case types.KindSeqOrder:
			s.receiveOrder(ctx, e)
		case types.KindUniformInfo:
			s.receiveUniformity(ctx, e)
		}
	}
}

func (s *Session) flush(ctx core.Context) {
	s.deliverRegular(ctx)
	s.deliverUniform(ctx)

	for _, r := range s.delivered {
		s.uniformDeliver(ctx, r)
	}
	s.delivered = nil

	flushed := 0
	for r := s.pending.PopLowest(); r != nil; r = s.pending.PopLowest() {
		s.optimistic(ctx, r, false)
		s.regular(ctx, r, s.localSN+1)
		s.delivered = nil
		s.uniformDeliver(ctx, r)
		flushed++
	}
	if flushed > 0 {
		ctx.Logger().Infof("flushed %d messages without sequencer order on view %s", flushed, s.view.State)
	}
}

func (s *Session) notification(kind types.Kind, r *record) types.Event {
	header := r.header
	e := types.Event{
		Kind:      kind,
		Group:     s.view.State.Group,
		ViewID:    s.view.State.ID,
		Origin:    header.Sender,
		Payload:   r.event.Payload,
		Data:      &header,
		Timestamp: r.event.Timestamp,
	}
	if r.order > 0 {
		e.Seq = &types.SeqHeader{Sender: header.Sender, SN: header.SN, Order: r.order}
	}
	return e
}

func (s *Session) retiredKey(key types.MessageKey) string {
	return fmt.Sprintf("%s/%s", s.view.State.ID, key)
}

func (s *Session) isRetired(key types.MessageKey) bool {
	_, found := s.retired.Get(s.retiredKey(key))
	return found
}
