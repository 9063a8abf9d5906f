package metrics

// NoopCollector discards every metric.
type NoopCollector struct{}

var _ Collector = (*NoopCollector)(nil)
var _ Scope = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (n *NoopCollector) Scope(string) Scope                  { return n }
func (n *NoopCollector) EventHandled(string, string)         {}
func (n *NoopCollector) EventDropped(string, string, string) {}
func (n *NoopCollector) MessageDelivered(string)             {}
func (n *NoopCollector) ViewDelivered(bool)                  {}
func (n *NoopCollector) PendingMessages(int)                 {}
func (n *NoopCollector) PrimaryCounter(uint64)               {}
