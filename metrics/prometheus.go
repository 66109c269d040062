// Package metrics exposes client counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shopfront/eventbus/internal/rabbitmq"
)

const namespace = "eventbus"

// Collector records client activity on its own registry. It satisfies the
// client's MetricsRecorder.
type Collector struct {
	reg *prometheus.Registry

	Published         *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	ConnectionState   prometheus.Gauge
	Reconnects        prometheus.Counter
	ChannelRecoveries prometheus.Counter
}

// NewCollector creates a collector labelled with the service name.
func NewCollector(service string) *Collector {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	c := &Collector{
		reg: reg,
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "published_total",
			Help:        "Messages published, by exchange, delivery mode and outcome",
			ConstLabels: labels,
		}, []string{"exchange", "persistent", "outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "deliveries_total",
			Help:        "Messages delivered to handlers, by queue and acknowledgement",
			ConstLabels: labels,
		}, []string{"queue", "result"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "handler_duration_seconds",
			Help:        "Time spent in message handlers",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"queue"}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connection_state",
			Help:        "0 disconnected, 1 connecting, 2 connected",
			ConstLabels: labels,
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnect_attempts_total",
			Help:        "Failed connection attempts followed by a retry",
			ConstLabels: labels,
		}),
		ChannelRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "channel_recoveries_total",
			Help:        "Channels reopened on a live connection",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(c.Published, c.Deliveries, c.HandlerDuration,
		c.ConnectionState, c.Reconnects, c.ChannelRecoveries)
	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) PublishObserved(exchange string, persistent bool, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if exchange == "" {
		exchange = "(default)"
	}
	c.Published.WithLabelValues(exchange, strconv.FormatBool(persistent), outcome).Inc()
}

func (c *Collector) DeliveryObserved(queue string, acked bool, duration time.Duration) {
	result := "ack"
	if !acked {
		result = "nack"
	}
	c.Deliveries.WithLabelValues(queue, result).Inc()
	c.HandlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (c *Collector) StateChanged(state rabbitmq.State) {
	c.ConnectionState.Set(float64(state))
}

func (c *Collector) ReconnectAttempted(int) {
	c.Reconnects.Inc()
}

func (c *Collector) ChannelRecovered() {
	c.ChannelRecoveries.Inc()
}

var _ rabbitmq.MetricsRecorder = (*Collector)(nil)
