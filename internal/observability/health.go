package observability

import (
	"context"
	"encoding/json"
	"net/http"
)

const (
	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"
)

// ReadyCheck probes one subsystem, returning nil when it is ready.
type ReadyCheck func(ctx context.Context) error

// NamedCheck pairs a ReadyCheck with the subsystem name it covers, so the
// readiness payload tells the operator which dependency is down.
type NamedCheck struct {
	Name  string
	Check ReadyCheck
}

// Check builds a NamedCheck.
func Check(name string, check ReadyCheck) NamedCheck {
	return NamedCheck{Name: name, Check: check}
}

// healthResponse is the body of /healthz and /readyz.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler serves liveness at /healthz. The process answering at all is
// the signal; the handler always returns HTTP 200.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeHealth(rw, http.StatusOK, healthResponse{Status: healthStatusOK})
	})
}

// ReadyHandler serves readiness at /readyz. It runs every check and reports
// each one by name; any failure turns the response into HTTP 503 with the
// failing check's error in the payload.
func ReadyHandler(checks ...NamedCheck) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		resp := healthResponse{Status: healthStatusOK}
		status := http.StatusOK

		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}

		for _, nc := range checks {
			if err := nc.Check(hr.Context()); err != nil {
				resp.Checks[nc.Name] = err.Error()
				resp.Status = healthStatusUnavailable
				status = http.StatusServiceUnavailable

				continue
			}

			resp.Checks[nc.Name] = healthStatusOK
		}

		writeHealth(rw, status, resp)
	})
}

func writeHealth(rw http.ResponseWriter, status int, resp healthResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	if _, err := rw.Write(data); err != nil {
		return
	}
}
