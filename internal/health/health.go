// Package health provides the HTTP liveness handler served alongside
// /metrics while a provisioning run is in flight.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/scotthogan/ec2-github-runner/internal/buildinfo"
)

// ServiceName identifies this tool in health responses.
const ServiceName = "ec2-github-runner"

// Response is the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	RunnerLabel  string    `json:"runner_label,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to health check requests with build info, the enabled
// compute engine, and the runner label being provisioned or torn down.
// The status is always "healthy" (200 OK) since this is a liveness check
// with no external dependencies to verify.
func Handler(engine, runnerLabel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			RunnerLabel:  runnerLabel,
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
