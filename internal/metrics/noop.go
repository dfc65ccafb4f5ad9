package metrics

// NoopCollector discards every measurement
type NoopCollector struct{}

// NewNoopCollector creates a no-op collector
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (n *NoopCollector) SessionOpened(graphID string)                {}
func (n *NoopCollector) SessionClosed(graphID string, reason string) {}
func (n *NoopCollector) MessageReceived(messageType string)          {}
func (n *NoopCollector) OperationSubmitted(status string)            {}
func (n *NoopCollector) RateLimited(category string)                 {}
func (n *NoopCollector) BroadcastDropped()                           {}
func (n *NoopCollector) SequencerLatency(seconds float64)            {}
