package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func init() { gin.SetMode(gin.TestMode) }

func TestIdempotencyReturns200OnDuplicate(t *testing.T) {
	calls := 0
	r := gin.New()
	r.POST("/hook", IdempotencyMiddleware(IdempotencyConfig{}), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{"id":"m-1"}`))
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 1, calls)
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	calls := 0
	r := gin.New()
	r.POST("/hook", IdempotencyMiddleware(IdempotencyConfig{}), func(c *gin.Context) {
		calls++
		if calls == 1 {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		req.Header.Set("Idempotency-Key", "k1")
		r.ServeHTTP(w, req)
	}
	assert.Equal(t, 2, calls)
}

func TestSignVerify(t *testing.T) {
	r := gin.New()
	r.POST("/webhooks/sms/status", SignVerifyMiddleware("s3cret", time.Minute), func(c *gin.Context) {
		b, _ := c.GetRawData()
		c.String(http.StatusOK, string(b))
	})

	body := `{"deliveryId":"d-1","status":"delivered"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/status", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, GenerateSignature(http.MethodPost, "/webhooks/sms/status", []byte(body), ts, "s3cret"))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.String())

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhooks/sms/status", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "deadbeef")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	old := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhooks/sms/status", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, old)
	req.Header.Set(HeaderSignature, GenerateSignature(http.MethodPost, "/webhooks/sms/status", []byte(body), old, "s3cret"))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimiterDeniesOverLimit(t *testing.T) {
	obs := NewPrometheusObserver(prometheus.NewRegistry())
	rl := NewRateLimiter(RateLimiterConfig{Rate: "2-M", AddHeaders: true, SkipPaths: []string{"/health"}}, nil).WithObserver(obs)

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/api/alerts/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := []int{}
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/alerts/x", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.deny.WithLabelValues("/api/alerts/:id")))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestIdempotencyKeyFromMessageID(t *testing.T) {
	calls := 0
	r := gin.New()
	r.POST("/reply", IdempotencyMiddleware(IdempotencyConfig{KeyFunc: BodyFieldKey("messageId", "MessageSid")}), func(c *gin.Context) {
		calls++
		c.Status(http.StatusOK)
	})
	send := func(body, contentType string) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/reply", strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	// 没有消息 ID 的相同回复不能被当成重投
	send(`{"from":"+15550000001","body":"1"}`, "application/json")
	send(`{"from":"+15550000001","body":"1"}`, "application/json")
	assert.Equal(t, 2, calls)

	send(`{"from":"+15550000001","body":"1","messageId":"m-1"}`, "application/json")
	send(`{"from":"+15550000001","body":"1","messageId":"m-1"}`, "application/json")
	assert.Equal(t, 3, calls)

	send("From=%2B15550000001&Body=1&MessageSid=SM9", "application/x-www-form-urlencoded")
	send("From=%2B15550000001&Body=1&MessageSid=SM9", "application/x-www-form-urlencoded")
	assert.Equal(t, 4, calls)
}
