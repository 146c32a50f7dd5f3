package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"admitflow/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func serve(r *gin.Engine, method, path, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":1234"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := gin.New()
	r.Use(rateLimit(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 60, Burst: 2, Whitelist: []string{"10.0.0.9"}}, clk.Now))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	assert.Equal(t, http.StatusOK, serve(r, "GET", "/ping", "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, serve(r, "GET", "/ping", "10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, "GET", "/ping", "10.0.0.1").Code)

	// other clients have their own bucket
	assert.Equal(t, http.StatusOK, serve(r, "GET", "/ping", "10.0.0.2").Code)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(r, "GET", "/ping", "10.0.0.9").Code, "whitelisted")
	}

	clk.now = clk.now.Add(time.Second)
	assert.Equal(t, http.StatusOK, serve(r, "GET", "/ping", "10.0.0.1").Code, "one token refilled")
	assert.Equal(t, http.StatusTooManyRequests, serve(r, "GET", "/ping", "10.0.0.1").Code)
}

func TestRateLimit_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(&config.Config{}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, serve(r, "GET", "/ping", "10.0.0.1").Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	r := gin.New()
	r.Use(RequestLogger(quiet), CORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://portal.example.org"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("OPTIONS", "/ping", nil)
	req.Header.Set("Origin", "https://portal.example.org")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://portal.example.org", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
