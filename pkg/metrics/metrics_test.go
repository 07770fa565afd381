package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CrisisBridge/pkg/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.AlertCreated("high")
	m.Sweep(time.Second, 1, 2)
	m.RecordCacheHit("directory")
}

func TestBusinessCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.AlertCreated("critical")
	m.AlertCreated("critical")
	m.Exhausted("tiers_exhausted")
	m.Response("on_my_way", "accepted", "sms")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsCreated.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exhausted.WithLabelValues("tiers_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("on_my_way", "accepted", "sms")))
}

func TestMonitorMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	r := gin.New()
	r.Use(MonitorMiddleware(m))
	r.GET("/api/alerts/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", Handler(reg))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/alerts/abc", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/alerts/:id", "200")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "crisisbridge_http_requests_total"))
}

func TestGormPluginRecordsQueries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	db, err := util.InitDatabase("sqlite", "file::memory:", logger.Silent)
	require.NoError(t, err)
	require.NoError(t, db.Use(&GormPlugin{Metrics: m}))

	type sample struct{ ID int }
	require.NoError(t, db.AutoMigrate(&sample{}))
	require.NoError(t, db.Create(&sample{ID: 1}).Error)
	var got []sample
	require.NoError(t, db.Find(&got).Error)

	assert.GreaterOrEqual(t, testutil.CollectAndCount(m.dbQueryDuration), 2)
}
