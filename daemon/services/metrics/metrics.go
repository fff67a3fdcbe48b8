// Package metrics exposes a Prometheus endpoint reporting the live state
// of the runtime: active, created and terminated sessions, and outbound
// requests awaiting a response. Session counts are kept current
// reactively, by subscribing to domain.SessionTopic; the pending-request
// gauge is set through SetRequestsPending, which daemon/cmd/serve.go
// calls from a 5-second polling ticker.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruaan-deysel/mcp-runtime/daemon/domain"
)

// Source reports point-in-time counts pulled from the running transport
// when polled. The Streamable HTTP transport and its stateless
// counterpart both satisfy this trivially.
type Source interface {
	SessionCount() int
	PendingCount() int
}

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_sessions_active",
		Help: "Number of live Streamable HTTP sessions",
	})
	sessionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_sessions_created_total",
		Help: "Total number of sessions created since startup",
	})
	sessionsTerminatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_sessions_terminated_total",
		Help: "Total number of sessions terminated since startup",
	})
	requestsPendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_requests_pending",
		Help: "Number of outbound requests awaiting a response",
	})
)

// Registry is a custom Prometheus registry scoped to this package's
// metrics, so the process's default registry stays free of runtime
// internals the operator didn't ask for.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		sessionsActive,
		sessionsCreatedTotal,
		sessionsTerminatedTotal,
		requestsPendingGauge,
	)
}

// Collector watches the shared event hub and a polled Source, keeping
// the registered gauges current.
type Collector struct {
	hub    *domain.EventBus
	source Source
}

// NewCollector builds a Collector. hub may be nil, in which case session
// counts are left at their zero value and only reported via
// RefreshFromSource (if source is non-nil).
func NewCollector(hub *domain.EventBus, source Source) *Collector {
	return &Collector{hub: hub, source: source}
}

// Run subscribes to session lifecycle events and updates the counters
// until ctx is cancelled. Intended to run in its own goroutine for the
// lifetime of the server.
func (c *Collector) Run(ctx context.Context) {
	if c.hub == nil {
		<-ctx.Done()
		return
	}
	ch := c.hub.SubTopics(domain.SessionTopic)
	defer c.hub.Unsub(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			evt, ok := msg.(domain.SessionEvent)
			if !ok {
				continue
			}
			switch evt.Kind {
			case domain.SessionCreated:
				sessionsActive.Inc()
				sessionsCreatedTotal.Inc()
			case domain.SessionTerminated:
				sessionsActive.Dec()
				sessionsTerminatedTotal.Inc()
			}
		}
	}
}

// RefreshFromSource reconciles the active-session gauge against the
// transport's own count, correcting for any lifecycle event this
// collector missed (e.g. one dropped because the collector's subscriber
// buffer on the event hub was full).
func (c *Collector) RefreshFromSource() {
	if c.source == nil {
		return
	}
	sessionsActive.Set(float64(c.source.SessionCount()))
}

// SetRequestsPending reports the current number of outbound requests
// awaiting a response, summed across all sessions.
func SetRequestsPending(n int) {
	requestsPendingGauge.Set(float64(n))
}

// Handler serves the registered metrics in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
