package api

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Check probes one dependency. Critical dependencies make the service
// unhealthy when down; the rest only degrade it.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// WatcherStatusData is the watch folder's state as shown on /health.
type WatcherStatusData struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	FilesSubmitted int64  `json:"files_submitted"`
	FilesSkipped   int64  `json:"files_skipped"`
	FilesFailed    int64  `json:"files_failed"`
}

// WatcherStatusProvider is implemented by the watch folder.
type WatcherStatusProvider interface {
	Status() *WatcherStatusData
}

type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Checks        map[string]string  `json:"checks"`
	Watcher       *WatcherStatusData `json:"watcher,omitempty"`
}

type HealthHandler struct {
	checks    []Check
	watcher   WatcherStatusProvider
	version   string
	startTime time.Time
	timeout   time.Duration
}

func NewHealthHandler(checks []Check, watcher WatcherStatusProvider, version string, startTime time.Time) *HealthHandler {
	sorted := append([]Check(nil), checks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &HealthHandler{
		checks:    sorted,
		watcher:   watcher,
		version:   version,
		startTime: startTime,
		timeout:   3 * time.Second,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	status := "healthy"
	httpStatus := http.StatusOK

	for _, c := range h.checks {
		if err := c.Probe(ctx); err != nil {
			checks[c.Name] = "error"
			if c.Critical {
				status = "unhealthy"
				httpStatus = http.StatusServiceUnavailable
			} else if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		checks[c.Name] = "ok"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.watcher != nil {
		resp.Watcher = h.watcher.Status()
	}
	WriteJSON(w, httpStatus, resp)
}
