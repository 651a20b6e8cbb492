package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultMaxEffectiveCFG is the effective weight above which a step raises a
// warning.
const DefaultMaxEffectiveCFG = 50.0

// HealthStatus is the body served on /health and /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Guidance  GuidanceInfo  `json:"guidance"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo describes the host process.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// GuidanceInfo aggregates every observed step since start.
type GuidanceInfo struct {
	Steps        int64            `json:"steps"`
	Errors       int64            `json:"errors"`
	ErrorRate    float64          `json:"error_rate"`
	NonFinite    int64            `json:"non_finite"`
	StepsByName  map[string]int64 `json:"steps_by_policy"`
	MinPhi       float64          `json:"min_effective_cfg"`
	MaxPhi       float64          `json:"max_effective_cfg"`
	LastPhi      []float64        `json:"last_effective_cfg,omitempty"`
	LastSigma    []float64        `json:"last_sigma,omitempty"`
	LastStepTime time.Time        `json:"last_step"`
}

// Alert is a warning raised by an observed step or failure.
type Alert struct {
	ID         uint64     `json:"id"`
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // policy name or system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor observes guided steps and serves their health over HTTP.
// It implements guidance.Observer and guidance.ErrorObserver.
type HealthMonitor struct {
	startTime time.Time
	version   string
	maxPhi    float64
	server    *http.Server

	mu      sync.RWMutex
	alerts  []Alert
	lastID  uint64
	info    GuidanceInfo
	seenPhi bool
}

func NewHealthMonitor(version string) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		version:   version,
		maxPhi:    DefaultMaxEffectiveCFG,
		info:      GuidanceInfo{StepsByName: make(map[string]int64)},
	}
}

// SetMaxEffectiveCFG changes the warning threshold for phi.
func (hm *HealthMonitor) SetMaxEffectiveCFG(v float64) {
	hm.mu.Lock()
	hm.maxPhi = v
	hm.mu.Unlock()
}

// Handler returns the monitor's HTTP routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	return mux
}

// Start serves Handler on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	logger.Log.Info("health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Observe records one successful step.
func (hm *HealthMonitor) Observe(policy string, res *guidance.Result) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	info := &hm.info
	info.Steps++
	info.StepsByName[policy]++
	info.LastStepTime = time.Now()
	info.LastPhi = append(info.LastPhi[:0], res.Phi...)
	info.LastSigma = append(info.LastSigma[:0], res.Sigma...)

	var nonFinite int
	for _, p := range res.Phi {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			nonFinite++
			continue
		}
		if !hm.seenPhi {
			info.MinPhi, info.MaxPhi = p, p
			hm.seenPhi = true
		}
		info.MinPhi = math.Min(info.MinPhi, p)
		info.MaxPhi = math.Max(info.MaxPhi, p)
		if p > hm.maxPhi {
			hm.addAlert("warning", policy, fmt.Sprintf("High effective cfg: %.2f", p))
		}
	}
	if nonFinite > 0 {
		info.NonFinite += int64(nonFinite)
		// keep JSON encodable
		info.LastPhi = nil
		hm.addAlert("error", policy, fmt.Sprintf("Non-finite effective cfg in %d batch elements", nonFinite))
	}
}

// ObserveError records a failed step.
func (hm *HealthMonitor) ObserveError(policy string, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.info.Errors++
	hm.addAlert("error", policy, err.Error())
}

// AddAlert records an alert, logs it at warn level and returns its ID.
func (hm *HealthMonitor) AddAlert(level, component, message string) uint64 {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.addAlert(level, component, message)
}

func (hm *HealthMonitor) addAlert(level, component, message string) uint64 {
	hm.lastID++
	hm.alerts = append(hm.alerts, Alert{
		ID:        hm.lastID,
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})

	// bounded ring
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert", "id", hm.lastID, "level", level, "component", component, "message", message)
	return hm.lastID
}

// ResolveAlert marks the alert with the given ID as resolved. It reports
// false when no retained alert has that ID.
func (hm *HealthMonitor) ResolveAlert(id uint64) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	for i := range hm.alerts {
		if hm.alerts[i].ID == id {
			if !hm.alerts[i].Resolved {
				now := time.Now()
				hm.alerts[i].Resolved = true
				hm.alerts[i].ResolvedAt = &now
			}
			return true
		}
	}
	return false
}

// Status returns a snapshot of the current health.
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

	info := hm.info
	info.StepsByName = make(map[string]int64, len(hm.info.StepsByName))
	for k, v := range hm.info.StepsByName {
		info.StepsByName[k] = v
	}
	info.LastPhi = append([]float64(nil), hm.info.LastPhi...)
	info.LastSigma = append([]float64(nil), hm.info.LastSigma...)
	if total := info.Steps + info.Errors; total > 0 {
		info.ErrorRate = float64(info.Errors) / float64(total)
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Guidance:  info,
		Alerts:    append([]Alert(nil), hm.alerts...),
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

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

// handleAlerts lists alerts on GET and clears them on DELETE.
func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		hm.mu.RLock()
		alerts := append([]Alert{}, hm.alerts...)
		hm.mu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(alerts)
	case http.MethodDelete:
		hm.mu.Lock()
		n := len(hm.alerts)
		hm.alerts = nil
		hm.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"cleared": n})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
