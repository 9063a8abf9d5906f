package core

import (
	"time"

	"github.com/jabolina/go-gcs/pkg/gcs/metrics"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// Session is a single protocol layer of a channel. Handle is always
// invoked from the channel serial execution context, one event at a
// time and never reentrant, so a session owns its state without locks.
type Session interface {
	// Name used on logs and metrics.
	Name() string

	// Handle a single event. Events the session does not care
	// about must be forwarded unchanged in their direction.
	Handle(ctx Context, event types.Event) error
}

// Context is handed to a session for each event it handles.
type Context interface {
	// Sends the event to the layer above.
	Up(event types.Event)

	// Sends the event to the layer below.
	Down(event types.Event)

	// Forward sends the event further in its own direction.
	Forward(event types.Event)

	// Current time.
	Now() time.Time

	// Deliver the event back to this session once, after the duration.
	SetTimer(after time.Duration, event types.Event)

	// Deliver the event back to this session periodically.
	SetPeriodic(period time.Duration, event types.Event)

	// Channel logger.
	Logger() types.Logger

	// Channel metrics.
	Metrics() metrics.Scope
}
