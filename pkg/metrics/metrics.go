package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crisisbridge"

// Metrics 指标管理器。所有方法允许 nil 接收者，未启用指标时直接传 nil
type Metrics struct {
	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 数据库指标
	dbQueryDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec

	// 业务指标
	alertsCreated       *prometheus.CounterVec
	phaseTransitions    *prometheus.CounterVec
	tierNotifications   *prometheus.CounterVec
	sendAttempts        *prometheus.CounterVec
	responses           *prometheus.CounterVec
	exhausted           *prometheus.CounterVec
	timeToFirstResponse *prometheus.HistogramVec
	sweepDuration       prometheus.Histogram
	sweepProcessed      *prometheus.CounterVec
	archived            prometheus.Counter
}

// NewMetrics 创建指标管理器，reg 为 nil 时注册到默认 registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		dbQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "table"}),

		cacheHitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		}, []string{"cache"}),

		cacheMissesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		}, []string{"cache"}),

		alertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Crisis alerts accepted, by severity",
		}, []string{"severity"}),

		phaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_phase_transitions_total",
			Help:      "Applied escalation state machine transitions",
		}, []string{"from", "to"}),

		tierNotifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_notifications_total",
			Help:      "Per responder notification outcome, by tier",
		}, []string{"tier", "status"}),

		sendAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_send_attempts_total",
			Help:      "Individual SMS send calls, by result",
		}, []string{"result"}),

		responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Supporter responses, by type and effect",
		}, []string{"type", "effect", "channel"}),

		exhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_exhausted_total",
			Help:      "Alerts that ran out of responders",
		}, []string{"reason"}),

		timeToFirstResponse: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_response_seconds",
			Help:      "Time from alert creation to the first qualifying response",
			Buckets:   []float64{5, 10, 15, 30, 45, 60, 90, 120, 300, 600},
		}, []string{"severity"}),

		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one deadline sweep",
			Buckets:   prometheus.DefBuckets,
		}),

		sweepProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_alerts_total",
			Help:      "Alerts picked up by the sweep, by kind",
		}, []string{"kind"}),

		archived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_archived_total",
			Help:      "Resolved alerts exported to object storage",
		}),
	}
}

// RecordHTTPRequest 记录HTTP请求指标
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDBQuery 记录数据库查询指标
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordCacheHit 记录缓存命中
func (m *Metrics) RecordCacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (m *Metrics) RecordCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMissesTotal.WithLabelValues(cache).Inc()
}

func (m *Metrics) AlertCreated(severity string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(severity).Inc()
}

func (m *Metrics) PhaseTransition(from, to string) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) TierNotification(tier, status string) {
	if m == nil {
		return
	}
	m.tierNotifications.WithLabelValues(tier, status).Inc()
}

// SendAttempt result: ok / error / timeout
func (m *Metrics) SendAttempt(result string) {
	if m == nil {
		return
	}
	m.sendAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Response(typ, effect, channel string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(typ, effect, channel).Inc()
}

func (m *Metrics) Exhausted(reason string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(reason).Inc()
}

func (m *Metrics) FirstResponse(severity string, d time.Duration) {
	if m == nil {
		return
	}
	m.timeToFirstResponse.WithLabelValues(severity).Observe(d.Seconds())
}

func (m *Metrics) Sweep(d time.Duration, due, stalled int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	m.sweepProcessed.WithLabelValues("due").Add(float64(due))
	m.sweepProcessed.WithLabelValues("stalled").Add(float64(stalled))
}

func (m *Metrics) Archived(n int) {
	if m == nil {
		return
	}
	m.archived.Add(float64(n))
}
