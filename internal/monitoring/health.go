package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/quarrel-decode/internal/logger"
	"github.com/23skdu/quarrel-decode/internal/metrics"
)

const (
	Version = "0.1.0"

	maxAlerts      = 100
	maxPerfHistory = 1000
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// EngineInfo describes the loaded model and the active session.
type EngineInfo struct {
	ModelLoaded      bool    `json:"model_loaded"`
	ModelPath        string  `json:"model_path"`
	Architecture     string  `json:"architecture"`
	NumLayers        int     `json:"num_layers"`
	NumHeads         int     `json:"num_heads"`
	NumKVHeads       int     `json:"num_kv_heads"`
	ContextLength    int     `json:"context_length"`
	SessionPositions int     `json:"session_positions"`
	ContextUsagePct  float64 `json:"context_usage_pct"`
}

type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	NanCount        int       `json:"nan_count"`
	TotalTokens     int64     `json:"total_tokens"`
	LastInference   time.Time `json:"last_inference"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, numerics, performance
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
}

// HealthMonitor collects inference and numerics events and serves them over
// HTTP next to the Prometheus registry.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	listener  net.Listener

	mu            sync.RWMutex
	alerts        []Alert
	lastInference time.Time
	perfHistory   []PerfPoint
	nanCount      int
	engine        EngineInfo
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime:   time.Now(),
		alerts:      make([]Alert, 0),
		perfHistory: make([]PerfPoint, 0),
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start listens on addr and serves in the background. Addr reports the bound
// address once Start returns.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	hm.listener = ln
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Health monitor stopped", "addr", addr, err)
		}
	}()
	logger.Log.Info("Health monitor listening", "addr", ln.Addr().String())
	return nil
}

func (hm *HealthMonitor) Addr() string {
	if hm.listener == nil {
		return ""
	}
	return hm.listener.Addr().String()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) SetEngineInfo(info EngineInfo) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	positions := hm.engine.SessionPositions
	hm.engine = info
	hm.engine.SessionPositions = positions
	hm.updateContextUsage()
}

// SetSessionPositions records how much of the context window the active
// session has consumed.
func (hm *HealthMonitor) SetSessionPositions(positions int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.engine.SessionPositions = positions
	hm.updateContextUsage()
}

func (hm *HealthMonitor) updateContextUsage() {
	if hm.engine.ContextLength > 0 {
		hm.engine.ContextUsagePct = float64(hm.engine.SessionPositions) / float64(hm.engine.ContextLength) * 100
	}
}

// RecordInference records a generation run for throughput tracking. The
// Prometheus counters are fed by the engine itself.
func (hm *HealthMonitor) RecordInference(tokens int, duration time.Duration) {
	point := PerfPoint{Timestamp: time.Now(), Tokens: tokens, Duration: duration}
	hm.mu.Lock()
	hm.lastInference = point.Timestamp
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	hm.checkPerformanceAlerts(point)
}

// RecordLogitAudit raises a critical alert when a step produced non-finite
// logits.
func (hm *HealthMonitor) RecordLogitAudit(max float32, nans, infs int) {
	if nans == 0 && infs == 0 {
		return
	}
	hm.mu.Lock()
	hm.nanCount += nans
	hm.mu.Unlock()
	hm.AddAlert("critical", "numerics", fmt.Sprintf("Non-finite logits: %d NaN, %d Inf (max %g)", nans, infs, max))
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Failed to write response", "error", err.Error())
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot. Any unresolved critical alert
// makes the system critical, an unresolved error makes it degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Engine:      hm.engine,
		Performance: hm.performanceInfo(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{NanCount: hm.nanCount, TotalTokens: metrics.TotalTokens(), LastInference: hm.lastInference}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens int
	var totalDuration time.Duration
	perToken := make([]float64, 0, len(hm.perfHistory))
	for _, point := range hm.perfHistory {
		totalTokens += point.Tokens
		totalDuration += point.Duration
		perToken = append(perToken, latencyPerTokenMs(point))
	}
	sort.Float64s(perToken)

	p95 := int(float64(len(perToken)) * 0.95)
	if p95 >= len(perToken) {
		p95 = len(perToken) - 1
	}
	if totalTokens > 0 {
		info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(totalTokens) / 1e6
	}
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	info.P95LatencyMs = perToken[p95]
	return info
}

func latencyPerTokenMs(p PerfPoint) float64 {
	ms := float64(p.Duration.Nanoseconds()) / 1e6
	if p.Tokens > 0 {
		ms /= float64(p.Tokens)
	}
	return ms
}

func (hm *HealthMonitor) checkPerformanceAlerts(point PerfPoint) {
	if point.Duration <= 0 || point.Tokens == 0 {
		return
	}
	tokensPerSecond := float64(point.Tokens) / point.Duration.Seconds()
	if tokensPerSecond < 1.0 {
		hm.AddAlert("warning", "performance", fmt.Sprintf("Low throughput: %.2f tokens/sec", tokensPerSecond))
	}
	if ms := latencyPerTokenMs(point); ms > 5000 || math.IsInf(ms, 0) {
		hm.AddAlert("error", "performance", fmt.Sprintf("High step latency: %.2f ms", ms))
	}
}
