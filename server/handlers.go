package server

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealthz answers liveness probes; the process being up is enough.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz runs the readiness checks in order and reports the first failure.
func (h Health) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.Ready {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h Health) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.Status(r.Context()))
}
