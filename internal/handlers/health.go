package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"admitflow/internal/integrations"
	"admitflow/internal/metrics"

	"github.com/gin-gonic/gin"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler 健康检查与指标
type HealthHandler struct {
	db       Pinger
	feed     interface{ GetClientCount() int }
	breakers *integrations.Breakers
	version  string
	started  time.Time
}

func NewHealthHandler(db Pinger, feed interface{ GetClientCount() int }, breakers *integrations.Breakers, version string) *HealthHandler {
	return &HealthHandler{db: db, feed: feed, breakers: breakers, version: version, started: time.Now()}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	GoVersion string                 `json:"go_version"`
	Services  map[string]ServiceInfo `json:"services"`
}

// ServiceInfo 依赖服务状态
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// Health GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		GoVersion: runtime.Version(),
		Services:  make(map[string]ServiceInfo),
	}

	start := time.Now()
	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Services["database"] = ServiceInfo{Status: "unhealthy", Error: err.Error()}
	} else {
		resp.Services["database"] = ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	}

	if h.breakers != nil {
		states := h.breakers.Snapshot()
		info := ServiceInfo{Status: "healthy", Details: states}
		for _, s := range states {
			if s == integrations.BreakerOpen.String() {
				// 外部接口熔断只降级，不影响整体可用性
				info.Status = "degraded"
				if resp.Status == "healthy" {
					resp.Status = "degraded"
				}
			}
		}
		resp.Services["outbound_http"] = info
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// Ready GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Not ready", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Metrics GET /metrics，Prometheus 文本格式
func (h *HealthHandler) Metrics(c *gin.Context) {
	gauges := []metrics.Gauge{
		{Name: "admitflow_uptime_seconds", Help: "Seconds since the process started", Value: time.Since(h.started).Seconds()},
	}
	if h.feed != nil {
		gauges = append(gauges, metrics.Gauge{Name: "admitflow_feed_clients", Help: "Connected execution feed clients", Value: float64(h.feed.GetClientCount())})
	}
	if h.breakers != nil {
		open := 0
		for _, s := range h.breakers.Snapshot() {
			if s == integrations.BreakerOpen.String() {
				open++
			}
		}
		gauges = append(gauges, metrics.Gauge{Name: "admitflow_open_circuit_breakers", Help: "Outbound hosts with an open circuit", Value: float64(open)})
	}
	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	c.Status(http.StatusOK)
	metrics.WritePrometheus(c.Writer, gauges...)
}
