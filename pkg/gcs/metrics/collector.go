package metrics

// Reasons an event may be dropped by the pipeline.
const (
	ReasonUnroutable   = "unroutable"
	ReasonTransport    = "transport"
	ReasonSlowConsumer = "slow-consumer"
	ReasonStaleView    = "stale-view"
	ReasonDuplicate    = "duplicate"
	ReasonMembership   = "membership"
	ReasonOverflow     = "overflow"
)

// Collector aggregates the metrics of every channel in the process.
type Collector interface {
	// Scope returns the metrics bound to a single channel.
	Scope(channel string) Scope
}

// Scope records the metrics of a single channel.
type Scope interface {
	// An event was handled by the given layer.
	EventHandled(layer string, kind string)

	// An event was dropped, with the reason.
	EventDropped(layer string, kind string, reason string)

	// A message reached the given delivery stage.
	MessageDelivered(stage string)

	// A view was delivered to the application.
	ViewDelivered(primary bool)

	// Current number of records waiting for the total order.
	PendingMessages(n int)

	// Current primary counter.
	PrimaryCounter(counter uint64)
}
