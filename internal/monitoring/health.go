// Package monitoring serves health, status and Prometheus endpoints for a
// running cluster.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/metrics"
)

const Version = "0.1.0"

const (
	maxHistory = 1000
	maxAlerts  = 100
)

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Cluster     ClusterInfo     `json:"cluster"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type ClusterInfo struct {
	TPSize      int    `json:"tp_size"`
	Precision   string `json:"precision"`
	Projection  string `json:"projection"`
	TotalTokens int64  `json:"total_tokens"`
}

type PerformanceInfo struct {
	Steps           int       `json:"steps"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	Failures        int       `json:"failures"`
	LastStep        time.Time `json:"last_step"`
}

type Alert struct {
	Level     string    `json:"level"` // warning, error, critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type perfPoint struct {
	tokens   int
	duration time.Duration
}

// HealthMonitor tracks step throughput and failures. A critical alert marks
// the process unhealthy; an error alert marks it degraded.
type HealthMonitor struct {
	startTime time.Time
	info      ClusterInfo
	server    *http.Server
	listener  net.Listener

	mu       sync.RWMutex
	alerts   []Alert
	history  []perfPoint
	failures int
	lastStep time.Time
}

func NewHealthMonitor(info ClusterInfo) *HealthMonitor {
	return &HealthMonitor{startTime: time.Now(), info: info}
}

// Handler routes /health, /healthz, /status, /metrics and /admin/alerts.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves in the background.
func (hm *HealthMonitor) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitoring listen %s: %w", addr, err)
	}
	hm.listener = lis
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("health monitor listening", "addr", lis.Addr().String())
	go func() {
		if err := hm.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("health monitor stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
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

// SetProjection records the projection strategy once the cluster is built.
func (hm *HealthMonitor) SetProjection(strategy string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.info.Projection = strategy
}

// RecordStep records one successful cluster step.
func (hm *HealthMonitor) RecordStep(tokens int, duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.lastStep = time.Now()
	hm.history = append(hm.history, perfPoint{tokens: tokens, duration: duration})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	if ms := float64(duration.Nanoseconds()) / 1e6; ms > 5000 {
		hm.addAlertLocked("warning", "performance", fmt.Sprintf("slow step: %.2f ms", ms))
	}
}

// RecordFailure raises a critical alert. A failed step leaves the collective
// group aborted, so the cluster cannot recover.
func (hm *HealthMonitor) RecordFailure(err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.failures++
	hm.addAlertLocked("critical", "cluster", err.Error())
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{Level: level, Component: component, Message: message, Timestamp: time.Now()})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	info := hm.info
	info.TotalTokens = metrics.TotalTokens()

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(hm.startTime).Round(time.Second).String(),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		},
		Cluster:     info,
		Performance: hm.performanceLocked(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	perf := PerformanceInfo{Steps: len(hm.history), Failures: hm.failures, LastStep: hm.lastStep}
	if len(hm.history) == 0 {
		return perf
	}
	var tokens int
	var total time.Duration
	latencies := make([]float64, 0, len(hm.history))
	for _, p := range hm.history {
		tokens += p.tokens
		total += p.duration
		latencies = append(latencies, float64(p.duration.Nanoseconds())/1e6)
	}
	slices.Sort(latencies)
	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)

	perf.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	perf.P95LatencyMs = latencies[p95]
	if total > 0 {
		perf.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return perf
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		hm.mu.RLock()
		alerts := slices.Clone(hm.alerts)
		hm.mu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(alerts)
	case http.MethodDelete:
		hm.mu.Lock()
		hm.alerts = hm.alerts[:0]
		hm.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
