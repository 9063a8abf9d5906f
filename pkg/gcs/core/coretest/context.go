// Package coretest holds helpers to test sessions without a channel.
package coretest

import (
	"io/ioutil"
	"time"

	"github.com/jabolina/go-gcs/pkg/gcs/core"
	"github.com/jabolina/go-gcs/pkg/gcs/definition"
	"github.com/jabolina/go-gcs/pkg/gcs/metrics"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// A timer armed by the session under test.
type Timer struct {
	After    time.Duration
	Periodic bool
	Event    types.Event
}

// Context records everything a session produces. The clock only
// moves when the test advances it.
type Context struct {
	Ups    []types.Event
	Downs  []types.Event
	Timers []Timer
	Clock  time.Time

	log types.Logger
}

var _ core.Context = (*Context)(nil)

// NewContext creates a recording context with a discarding logger.
func NewContext() *Context {
	return &Context{
		Clock: time.Unix(0, 0),
		log:   definition.NewDefaultLoggerTo(ioutil.Discard, "test"),
	}
}

// Advance moves the clock forward.
func (c *Context) Advance(d time.Duration) {
	c.Clock = c.Clock.Add(d)
}

// Reset forgets every recorded event and timer.
func (c *Context) Reset() {
	c.Ups = nil
	c.Downs = nil
	c.Timers = nil
}

// UpKinds returns only the events going up with the given kind.
func (c *Context) UpKinds(kind types.Kind) []types.Event {
	return filter(c.Ups, kind)
}

// DownKinds returns only the events going down with the given kind.
func (c *Context) DownKinds(kind types.Kind) []types.Event {
	return filter(c.Downs, kind)
}

func filter(events []types.Event, kind types.Kind) []types.Event {
	var found []types.Event
	for _, e := range events {
		if e.Kind == kind {
			found = append(found, e)
		}
	}
	return found
}

func (c *Context) Up(event types.Event) {
	event.Direction = types.Up
	c.Ups = append(c.Ups, event)
}

func (c *Context) Down(event types.Event) {
	event.Direction = types.Down
	c.Downs = append(c.Downs, event)
}

func (c *Context) Forward(event types.Event) {
	if event.Direction == types.Up {
		c.Up(event)
		return
	}
	c.Down(event)
}

func (c *Context) Now() time.Time {
	return c.Clock
}

func (c *Context) SetTimer(after time.Duration, event types.Event) {
	c.Timers = append(c.Timers, Timer{After: after, Event: event})
}

func (c *Context) SetPeriodic(period time.Duration, event types.Event) {
	c.Timers = append(c.Timers, Timer{After: period, Periodic: true, Event: event})
}

func (c *Context) Logger() types.Logger {
	return c.log
}

func (c *Context) Metrics() metrics.Scope {
	return metrics.NewNoopCollector()
}
