package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jabolina/go-gcs/pkg/gcs/concurrent"
	"github.com/jabolina/go-gcs/pkg/gcs/helper"
	"github.com/jabolina/go-gcs/pkg/gcs/metrics"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
	"go.uber.org/atomic"
)

const (
	layerTop    = "top"
	layerBottom = "bottom"
)

// Configuration for the channel runtime.
type Config struct {
	// Channel name, used on logs and metrics.
	Name string

	// Group the channel belongs to.
	Group types.GroupID

	// Buffer size of the application delivery channel.
	DeliveryBuffer int

	// How long to wait for the application to consume a notification
	// before dropping it. Zero waits until the channel is closed.
	DeliveryTimeout time.Duration

	// Answer every Block reaching the application with a BlockOk.
	AutoBlockOk bool

	// Channel logger.
	Logger types.Logger

	// Channel metrics.
	Metrics metrics.Scope
}

// An event waiting to be handled by the layer at the given index.
// Index -1 is the bottom of the stack and len(sessions) the top.
type routed struct {
	event types.Event
	at    int
}

// Channel is a stack of sessions bound to one group. All sessions of a
// channel are executed on a single serial context, every input
// (transport, application, timers, administrative calls) is a job
// scheduled into it.
type Channel struct {
	config     Config
	sessions   []Session
	transport  Transport
	membership Membership

	// The serial execution context.
	scheduler concurrent.Scheduler

	// Sends to the collaborators, in the order they were produced.
	outbound concurrent.Scheduler

	// Notifications to the application, in the order they were produced.
	upstream concurrent.Scheduler

	timers  concurrent.Timers
	invoker helper.Invoker

	deliveries chan types.Event
	context    context.Context
	finish     context.CancelFunc
	closed     *atomic.Bool

	// Only touched from the serial context.
	queue []routed
}

// NewChannel creates the channel and starts consuming the transport.
// Sessions are given bottom first.
func NewChannel(config Config, transport Transport, membership Membership, sessions ...Session) (*Channel, error) {
	if len(sessions) == 0 {
		return nil, fmt.Errorf("channel %s requires at least one session", config.Name)
	}
	if transport == nil || membership == nil {
		return nil, fmt.Errorf("channel %s requires transport and membership", config.Name)
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("channel %s requires a logger", config.Name)
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopCollector()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		config:     config,
		sessions:   sessions,
		transport:  transport,
		membership: membership,
		scheduler:  concurrent.NewScheduler(),
		outbound:   concurrent.NewScheduler(),
		upstream:   concurrent.NewScheduler(),
		timers:     concurrent.NewTimers(),
		invoker:    helper.NewInvoker(),
		deliveries: make(chan types.Event, config.DeliveryBuffer),
		context:    ctx,
		finish:     cancel,
		closed:     atomic.NewBool(false),
	}
	c.invoker.Spawn(c.poll)
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.config.Name
}

// Deliveries returns the notifications for the application: views,
// blocks and the optimistic, regular and uniform deliveries. It is
// closed after the channel is closed.
func (c *Channel) Deliveries() <-chan types.Event {
	return c.deliveries
}

// Send injects the event on the top of the stack, going down, and
// returns the error produced by the topmost session.
func (c *Channel) Send(ctx context.Context, event types.Event) error {
	event.Direction = types.Down
	event.Group = c.config.Group
	return c.submit(ctx, func() error {
		return c.run(routed{event: event, at: len(c.sessions) - 1})
	})
}

// Invoke runs the function on the serial context with the context of
// the named session. Events produced by the function are routed before
// the call returns.
func (c *Channel) Invoke(ctx context.Context, layer string, fn func(Context) error) error {
	index := -1
	for i, s := range c.sessions {
		if s.Name() == layer {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("channel %s has no layer %s", c.config.Name, layer)
	}

	return c.submit(ctx, func() error {
		err := fn(&layerContext{channel: c, index: index})
		c.drain()
		return err
	})
}

func (c *Channel) submit(ctx context.Context, fn func() error) error {
	if c.closed.Load() {
		return types.ErrClosed
	}

	response := make(chan error, 1)
	scheduled := c.scheduler.Schedule(func(context.Context) {
		if c.closed.Load() {
			response <- types.ErrClosed
			return
		}
		response <- fn()
	})
	if !scheduled {
		return types.ErrClosed
	}

	select {
	case err := <-response:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the channel, the sessions and the transport. Pending
// work is discarded.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.finish()
	c.timers.Stop()
	c.scheduler.Stop()
	c.outbound.Stop()
	c.upstream.Stop()
	c.invoker.Stop()
	close(c.deliveries)

	var err error
	for _, s := range c.sessions {
		if closer, ok := s.(io.Closer); ok {
			if e := closer.Close(); e != nil {
				err = multierror.Append(err, e)
			}
		}
	}
	if e := c.transport.Close(); e != nil {
		err = multierror.Append(err, e)
	}
	return err
}

// Keeps polling the transport until the channel is closed.
func (c *Channel) poll() {
	listener := c.transport.Listen()
	for {
		select {
		case <-c.context.Done():
			return
		case event, ok := <-listener:
			if !ok {
				return
			}
			event.Direction = types.Up
			c.schedule(routed{event: event, at: 0})
		}
	}
}

func (c *Channel) schedule(r routed) {
	c.scheduler.Schedule(func(context.Context) {
		if c.closed.Load() {
			return
		}
		if err := c.run(r); err != nil {
			c.config.Logger.Warnf("failed handling %s. %v", r.event, err)
		}
	})
}

// Routes the event and every event produced while handling it.
// Returns the error of the first handled event.
func (c *Channel) run(start routed) error {
	err := c.dispatch(start)
	c.drain()
	return err
}

func (c *Channel) drain() {
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue[0] = routed{}
		c.queue = c.queue[1:]
		if err := c.dispatch(next); err != nil {
			c.config.Logger.Warnf("failed handling %s. %v", next.event, err)
		}
	}
}

func (c *Channel) enqueue(event types.Event, at int) {
	c.queue = append(c.queue, routed{event: event, at: at})
}

func (c *Channel) dispatch(r routed) error {
	switch {
	case r.at < 0:
		c.bottom(r.event)
		return nil
	case r.at >= len(c.sessions):
		c.top(r.event)
		return nil
	default:
		session := c.sessions[r.at]
		c.config.Metrics.EventHandled(session.Name(), r.event.Kind.String())
		return session.Handle(&layerContext{channel: c, index: r.at}, r.event)
	}
}

// Events leaving the stack towards the application.
func (c *Channel) top(event types.Event) {
	switch event.Kind {
	case types.KindBlock:
		c.notify(event)
		if c.config.AutoBlockOk {
			c.enqueue(types.Event{
				Kind:      types.KindBlockOk,
				Direction: types.Down,
				Group:     event.Group,
				ViewID:    event.ViewID,
			}, len(c.sessions)-1)
		}
	case types.KindEcho:
		if event.Nested == nil {
			c.drop(layerTop, event, metrics.ReasonUnroutable)
			return
		}
		c.enqueue(event.Nested.Invert(), len(c.sessions)-1)
	case types.KindView, types.KindLeave, types.KindData:
		c.notify(event)
	default:
		if event.Kind.IsDelivery() {
			c.notify(event)
			return
		}
		c.drop(layerTop, event, metrics.ReasonUnroutable)
	}
}

// Events leaving the stack towards the collaborators.
func (c *Channel) bottom(event types.Event) {
	switch {
	case event.Kind.IsGroupSendable():
		c.send(event, func() error {
			if event.IsUnicast() {
				return c.transport.Unicast(event, event.Dest)
			}
			return c.transport.Broadcast(event)
		}, metrics.ReasonTransport)
	case event.Kind == types.KindBlockOk:
		c.send(event, func() error {
			return c.membership.BlockOk(event.Group, event.ViewID)
		}, metrics.ReasonMembership)
	case event.Kind == types.KindLeave:
		c.send(event, func() error {
			return c.membership.Leave(event.Group)
		}, metrics.ReasonMembership)
	case event.Kind == types.KindEcho && event.Nested != nil:
		c.enqueue(event.Nested.Invert(), 0)
	default:
		c.drop(layerBottom, event, metrics.ReasonUnroutable)
	}
}

// Hands the call to the outbound queue, so the serial context never
// blocks on the collaborators.
func (c *Channel) send(event types.Event, call func() error, reason string) {
	c.outbound.Schedule(func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		if err := call(); err != nil {
			c.config.Logger.Errorf("failed sending %s. %v", event, err)
			c.drop(layerBottom, event, reason)
		}
	})
}

func (c *Channel) notify(event types.Event) {
	c.upstream.Schedule(func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}

		var expired <-chan time.Time
		if c.config.DeliveryTimeout > 0 {
			timer := time.NewTimer(c.config.DeliveryTimeout)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case c.deliveries <- event:
		case <-ctx.Done():
		case <-expired:
			c.config.Logger.Warnf("application took too long consuming %s", event)
			c.drop(layerTop, event, metrics.ReasonSlowConsumer)
		}
	})
}

func (c *Channel) drop(layer string, event types.Event, reason string) {
	c.config.Logger.Warnf("dropped %s at %s: %s", event, layer, reason)
	c.config.Metrics.EventDropped(layer, event.Kind.String(), reason)
}

// Only timer kinds go back to the session that armed them.
func (c *Channel) arm(index int, event types.Event, period time.Duration, periodic bool) {
	if !event.Kind.IsTimer() {
		c.config.Logger.Errorf("%s armed a timer with %s", c.sessions[index].Name(), event)
		c.config.Metrics.EventDropped(c.sessions[index].Name(), event.Kind.String(), metrics.ReasonUnroutable)
		return
	}
	fire := func() {
		if c.closed.Load() {
			return
		}
		c.schedule(routed{event: event, at: index})
	}
	if periodic {
		c.timers.Every(period, fire)
		return
	}
	c.timers.After(period, fire)
}

// The Context handed to the session at the index.
type layerContext struct {
	channel *Channel
	index   int
}

// Implements the Context interface.
func (l *layerContext) Up(event types.Event) {
	event.Direction = types.Up
	l.channel.enqueue(event, l.index+1)
}

// Implements the Context interface.
func (l *layerContext) Down(event types.Event) {
	event.Direction = types.Down
	l.channel.enqueue(event, l.index-1)
}

// Implements the Context interface.
func (l *layerContext) Forward(event types.Event) {
	if event.Direction == types.Up {
		l.Up(event)
		return
	}
	l.Down(event)
}

// Implements the Context interface.
func (l *layerContext) Now() time.Time {
	return time.Now()
}

// Implements the Context interface.
func (l *layerContext) SetTimer(after time.Duration, event types.Event) {
	l.channel.arm(l.index, event, after, false)
}

// Implements the Context interface.
func (l *layerContext) SetPeriodic(period time.Duration, event types.Event) {
	l.channel.arm(l.index, event, period, true)
}

// Implements the Context interface.
func (l *layerContext) Logger() types.Logger {
	return l.channel.config.Logger
}

// Implements the Context interface.
func (l *layerContext) Metrics() metrics.Scope {
	return l.channel.config.Metrics
}
