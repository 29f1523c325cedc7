package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveDispatch("request", false, time.Millisecond)
	c.ChainFailed("f")
	c.NodeVisited("middleware", "executed")
	c.Deployed(true, 1, 1)
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCollectorRecords(t *testing.T) {
	c := New()
	c.ObserveDispatch("request", false, time.Millisecond)
	c.ObserveDispatch("request", true, time.Millisecond)
	c.NodeVisited("middleware", "shared")
	c.ChainFailed("users")
	c.Deployed(true, 3, 5)
	c.Deployed(false, 0, 0)

	body := scrape(t, c)
	assert.Contains(t, body, `sentientflow_dispatches_total{status="ok",style="request"} 1`)
	assert.Contains(t, body, `sentientflow_dispatches_total{status="partial_failure",style="request"} 1`)
	assert.Contains(t, body, `sentientflow_node_runs_total{kind="middleware",outcome="shared"} 1`)
	assert.Contains(t, body, `sentientflow_chain_failures_total{flow="users"} 1`)
	assert.Contains(t, body, `sentientflow_deployments_total{status="failed"} 1`)
	assert.Contains(t, body, "sentientflow_active_routes 3")
	assert.Contains(t, body, "sentientflow_active_stacks 5")
}

func TestFuncMetrics(t *testing.T) {
	c := New()
	c.GaugeFunc("ws_clients", "clients", func() float64 { return 2 })
	c.CounterFunc("events_total", "events", func() float64 { return 7 })
	c.BuildInfo("1.2.3")

	body := scrape(t, c)
	assert.Contains(t, body, "sentientflow_ws_clients 2")
	assert.Contains(t, body, "sentientflow_events_total 7")
	assert.Contains(t, body, `sentientflow_build_info{version="1.2.3"} 1`)
}
