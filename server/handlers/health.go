package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthAPI provides HTTP handlers for health checks and version information.
type HealthAPI struct {
	version         string
	buildTime       string
	gitCommit       string
	buildType       string
	protocolVersion string
	processStart    time.Time
	pinger          func(context.Context) error
	connections     func() int
}

// HealthAPIOptions configures the health API.
type HealthAPIOptions struct {
	Version         string
	BuildTime       string
	GitCommit       string
	BuildType       string
	ProtocolVersion string
	ProcessStart    time.Time
	// Pinger checks the database; a failing ping makes /health report unhealthy.
	Pinger func(context.Context) error
	// Connections reports connected devices.
	Connections func() int
}

// NewHealthAPI creates a new health API instance.
func NewHealthAPI(opts HealthAPIOptions) *HealthAPI {
	return &HealthAPI{
		version:         opts.Version,
		buildTime:       opts.BuildTime,
		gitCommit:       opts.GitCommit,
		buildType:       opts.BuildType,
		protocolVersion: opts.ProtocolVersion,
		processStart:    opts.ProcessStart,
		pinger:          opts.Pinger,
		connections:     opts.Connections,
	}
}

// RegisterRoutes registers the health and version routes.
func (api *HealthAPI) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		mux = http.DefaultServeMux
	}
	mux.HandleFunc("GET /health", api.HandleHealth)
	mux.HandleFunc("GET /api/version", api.HandleVersion)
}

// HandleHealth handles GET /health. It is public for load balancers and
// container orchestrators.
func (api *HealthAPI) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	status := http.StatusOK
	if api.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := api.pinger(ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			resp["status"] = "unhealthy"
			resp["error"] = "database unavailable"
		}
	}
	if api.connections != nil {
		resp["connected_devices"] = api.connections()
	}
	writeJSON(w, status, resp)
}

// HandleVersion handles GET /api/version.
func (api *HealthAPI) HandleVersion(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"version":          api.version,
		"build_time":       api.buildTime,
		"git_commit":       api.gitCommit,
		"build_type":       api.buildType,
		"protocol_version": api.protocolVersion,
		"go_version":       runtime.Version(),
		"os":               runtime.GOOS,
		"arch":             runtime.GOARCH,
		"uptime":           time.Since(api.processStart).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunHealthCheck probes the local /health endpoint on port.
// Returns nil on success.
func RunHealthCheck(port int) error {
	if port <= 0 {
		return fmt.Errorf("no health endpoint to probe")
	}
	return probeHealthEndpoint(fmt.Sprintf("http://127.0.0.1:%d/health", port))
}

// probeHealthEndpoint sends a GET request to the health endpoint and validates the response.
func probeHealthEndpoint(endpoint string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if payload.Status != "healthy" {
		return fmt.Errorf("unhealthy status: %s", payload.Status)
	}
	return nil
}
