package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/eventbus/internal/rabbitmq"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorRecordsClientActivity(t *testing.T) {
	c := NewCollector("cart-service")

	c.PublishObserved("product-events", true, nil)
	c.PublishObserved("product-events", true, nil)
	c.PublishObserved("", false, errors.New("channel closed"))
	c.DeliveryObserved("search-indexer", true, 20*time.Millisecond)
	c.DeliveryObserved("search-indexer", false, time.Millisecond)
	c.StateChanged(rabbitmq.StateConnected)
	c.ReconnectAttempted(1)
	c.ReconnectAttempted(2)
	c.ChannelRecovered()

	body := scrape(t, c)
	assert.Contains(t, body, `eventbus_published_total{exchange="product-events",outcome="ok",persistent="true",service="cart-service"} 2`)
	assert.Contains(t, body, `eventbus_published_total{exchange="(default)",outcome="error",persistent="false",service="cart-service"} 1`)
	assert.Contains(t, body, `eventbus_deliveries_total{queue="search-indexer",result="ack",service="cart-service"} 1`)
	assert.Contains(t, body, `eventbus_deliveries_total{queue="search-indexer",result="nack",service="cart-service"} 1`)
	assert.Contains(t, body, `eventbus_handler_duration_seconds_count{queue="search-indexer",service="cart-service"} 2`)
	assert.Contains(t, body, `eventbus_connection_state{service="cart-service"} 2`)
	assert.Contains(t, body, `eventbus_reconnect_attempts_total{service="cart-service"} 2`)
	assert.Contains(t, body, `eventbus_channel_recoveries_total{service="cart-service"} 1`)
}

func TestCollectorRegistriesAreIndependent(t *testing.T) {
	first := NewCollector("a")
	second := NewCollector("b")

	first.ChannelRecovered()

	families, err := second.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "eventbus_channel_recoveries_total" {
			assert.Zero(t, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
}
