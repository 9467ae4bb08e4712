package transport

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics is the transport-level counter set exposed on /metrics in
// Prometheus text exposition format. Counters only; room-level state is
// observable through the masc://status resource instead.
type Metrics struct {
	httpRequests atomic.Int64
	mcpRequests  atomic.Int64
	mcpErrors    atomic.Int64
	sseConnects  atomic.Int64
	wsConnects   atomic.Int64
}

// NewMetrics creates a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncHTTPRequests() { m.httpRequests.Add(1) }
func (m *Metrics) IncMCPRequests()  { m.mcpRequests.Add(1) }
func (m *Metrics) IncMCPErrors()    { m.mcpErrors.Add(1) }
func (m *Metrics) IncSSEConnects()  { m.sseConnects.Add(1) }
func (m *Metrics) IncWSConnects()   { m.wsConnects.Add(1) }

// Render produces the exposition body. activeSubscribers is sampled at
// render time from the event hub.
func (m *Metrics) Render(activeSubscribers int) string {
	var b strings.Builder
	counter := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
	}
	counter("masc_http_requests_total", "HTTP requests received.", m.httpRequests.Load())
	counter("masc_mcp_requests_total", "JSON-RPC messages processed.", m.mcpRequests.Load())
	counter("masc_mcp_errors_total", "JSON-RPC error responses produced.", m.mcpErrors.Load())
	counter("masc_sse_connections_total", "SSE connections accepted.", m.sseConnects.Load())
	counter("masc_ws_connections_total", "WebSocket connections accepted.", m.wsConnects.Load())
	fmt.Fprintf(&b, "# HELP masc_event_subscribers Active event stream subscribers.\n"+
		"# TYPE masc_event_subscribers gauge\nmasc_event_subscribers %d\n", activeSubscribers)
	return b.String()
}
