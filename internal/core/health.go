package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the whole health check.
const healthCheckTimeout = 2 * time.Second

// HealthCheck checks one dependency (Postgres, Redis).
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a ping function to HealthCheck.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (p CheckFunc) Name() string                    { return p.CheckName }
func (p CheckFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs all checks concurrently under a 2-second deadline.
// It returns 200 when every check passes and 503 otherwise; checks that do
// not finish in time are reported as timed out.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}

	if len(s.HealthChecks) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	type checkResult struct {
		name string
		err  error
	}

	results := make(chan checkResult, len(s.HealthChecks))
	for _, check := range s.HealthChecks {
		go func(p HealthCheck) {
			var err error
			func() {
				defer func() {
					if rvr := recover(); rvr != nil {
						err = fmt.Errorf("check panicked: %v", rvr)
					}
				}()
				err = p.Check(ctx)
			}()
			results <- checkResult{name: p.Name(), err: err}
		}(check)
	}

	resp.Components = make(map[string]componentStatus, len(s.HealthChecks))
	for _, check := range s.HealthChecks {
		resp.Components[check.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
	}

collect:
	for range s.HealthChecks {
		select {
		case res := <-results:
			if res.err != nil {
				resp.Components[res.name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
			} else {
				resp.Components[res.name] = componentStatus{Status: "healthy"}
			}
		case <-ctx.Done():
			break collect
		}
	}

	for _, c := range resp.Components {
		if c.Status != "healthy" {
			resp.Status = "unhealthy"
			JSON(w, r, http.StatusServiceUnavailable, resp)
			return
		}
	}
	JSON(w, r, http.StatusOK, resp)
}
