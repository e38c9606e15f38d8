// Package metrics exposes Prometheus instrumentation for the API, the
// notification pipeline and the tenancy workflows.
package metrics

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	IssuesCreatedTotal     prometheus.Counter
	IssueNumberRetries     prometheus.Counter
	InvitationsTotal       *prometheus.CounterVec
	AccessDeniedTotal      prometheus.Counter
	NotificationsTotal     *prometheus.CounterVec
	RealtimeClients        prometheus.Gauge
	InvitationsExpiredLast prometheus.Gauge
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "issuehub_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "issuehub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		IssuesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "issuehub_issues_created_total",
			Help: "Issues created",
		}),
		IssueNumberRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "issuehub_issue_number_retries_total",
			Help: "Issue inserts retried after an issue number collision",
		}),
		InvitationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "issuehub_invitations_total",
				Help: "Invitation state transitions",
			},
			[]string{"status"},
		),
		AccessDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "issuehub_access_denied_total",
			Help: "Requests rejected by tenant authorization",
		}),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "issuehub_notifications_total",
				Help: "Notification deliveries by kind, sink and result",
			},
			[]string{"kind", "sink", "result"},
		),
		RealtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "issuehub_realtime_clients",
			Help: "Connected realtime subscribers",
		}),
		InvitationsExpiredLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "issuehub_invitations_expired_last_sweep",
			Help: "Invitations expired by the most recent sweep",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.IssuesCreatedTotal,
		m.IssueNumberRetries,
		m.InvitationsTotal,
		m.AccessDeniedTotal,
		m.NotificationsTotal,
		m.RealtimeClients,
		m.InvitationsExpiredLast,
	)
	return m
}

var current = New(prometheus.NewRegistry())

// Init replaces the process-wide metrics with ones registered on registry,
// adding Go runtime and process collectors.
func Init(registry *prometheus.Registry) *Metrics {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	current = New(registry)
	return current
}

func Get() *Metrics { return current }

// RegisterDB exposes connection pool stats for db.
func (m *Metrics) RegisterDB(db *sql.DB) {
	m.registry.MustRegister(collectors.NewDBStatsCollector(db, "issuehub"))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// Middleware records request count and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func IssueCreated()            { current.IssuesCreatedTotal.Inc() }
func IssueNumberRetry()        { current.IssueNumberRetries.Inc() }
func Invitation(status string) { current.InvitationsTotal.WithLabelValues(status).Inc() }
func AccessDenied()            { current.AccessDeniedTotal.Inc() }

func Notification(kind, sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	current.NotificationsTotal.WithLabelValues(kind, sink, result).Inc()
}

func SetRealtimeClients(n int) { current.RealtimeClients.Set(float64(n)) }

// InvitationsSwept records one expiry sweep that moved n invitations.
func InvitationsSwept(n int64) {
	current.InvitationsExpiredLast.Set(float64(n))
	current.InvitationsTotal.WithLabelValues("EXPIRED").Add(float64(n))
}
