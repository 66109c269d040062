package rabbitmq

import "time"

// MetricsRecorder receives counters from the connection manager, publisher
// and consumer. Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	PublishObserved(exchange string, persistent bool, err error)
	DeliveryObserved(queue string, acked bool, duration time.Duration)
	StateChanged(state State)
	ReconnectAttempted(attempt int)
	ChannelRecovered()
}

type noopMetrics struct{}

func (noopMetrics) PublishObserved(string, bool, error)           {}
func (noopMetrics) DeliveryObserved(string, bool, time.Duration) {}
func (noopMetrics) StateChanged(State)                           {}
func (noopMetrics) ReconnectAttempted(int)                       {}
func (noopMetrics) ChannelRecovered()                            {}
