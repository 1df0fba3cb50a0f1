package monitor

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"
)

const apiKeyHeader = "X-Shigoto-API-Key"

// setupRoutes registers all HTTP routes on the monitor's mux.
func (m *Monitor) setupRoutes() {
	// Health: no auth required
	m.mux.HandleFunc("GET /health", m.handleHealth)

	m.mux.HandleFunc("GET /api/v1/nodes", m.requireAPIKey(m.handleListNodes))
	m.mux.HandleFunc("GET /api/v1/nodes/{name}", m.requireAPIKey(m.handleGetNode))
	m.mux.HandleFunc("GET /api/v1/channels", m.requireAPIKey(m.handleListChannels))
	m.mux.HandleFunc("GET /api/v1/channels/{name}", m.requireAPIKey(m.handleGetChannel))
	m.mux.HandleFunc("GET /api/v1/stats", m.requireAPIKey(m.handleStats))
}

// response is the standard JSON envelope for successful responses.
type response struct {
	Data any `json:"data"`
}

// errorResponse is the standard JSON envelope for errors.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// requireAPIKey rejects requests without a configured key. With no keys
// configured every request passes.
func (m *Monitor) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(m.cfg.APIKeys) == 0 {
			next(w, r)
			return
		}
		if got := r.Header.Get(apiKeyHeader); got != "" {
			for _, k := range m.cfg.APIKeys {
				if subtle.ConstantTimeCompare([]byte(got), []byte(k)) == 1 {
					next(w, r)
					return
				}
			}
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", "UNAUTHORIZED")
	}
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if m.rc != nil {
		if err := m.rc.Ping(r.Context()); err != nil {
			status, code = "redis unreachable", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"uptime": time.Since(m.startedAt).Truncate(time.Second).String(),
	})
}
