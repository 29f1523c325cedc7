package api

import (
	"encoding/json"
	"net/http"
	"sync"
)

// readinessState tracks the optional dependencies reported by main.
type readinessState struct {
	mu                sync.RWMutex
	mqttConnected     bool
	mqttOptional      bool
	postgresConnected bool
	postgresOptional  bool
}

var readiness = &readinessState{mqttOptional: true, postgresOptional: true}

// SetMQTTState records broker connectivity. An optional broker never
// makes the service unready.
func SetMQTTState(connected, optional bool) {
	readiness.mu.Lock()
	readiness.mqttConnected = connected
	readiness.mqttOptional = optional
	readiness.mu.Unlock()
}

// SetPostgresState records database connectivity.
func SetPostgresState(connected, optional bool) {
	readiness.mu.Lock()
	readiness.postgresConnected = connected
	readiness.postgresOptional = optional
	readiness.mu.Unlock()
}

func mqttConnected() bool {
	readiness.mu.RLock()
	defer readiness.mu.RUnlock()
	return readiness.mqttConnected
}

func postgresConnected() bool {
	readiness.mu.RLock()
	defer readiness.mu.RUnlock()
	return readiness.postgresConnected
}

type CheckResult struct {
	Status string `json:"status"`
}

type ReadinessResponse struct {
	Ready       bool                   `json:"ready"`
	Checks      map[string]CheckResult `json:"checks"`
	NotReadyMsg string                 `json:"message,omitempty"`
}

func dependencyCheck(connected, optional bool) (CheckResult, bool) {
	switch {
	case connected:
		return CheckResult{Status: "ok"}, true
	case optional:
		return CheckResult{Status: "unavailable"}, true
	default:
		return CheckResult{Status: "not_connected"}, false
	}
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{Ready: true, Checks: map[string]CheckResult{}}

	if s.engine.Ready() {
		resp.Checks["flows"] = CheckResult{Status: "ok"}
	} else {
		resp.Checks["flows"] = CheckResult{Status: "not_ready"}
		resp.Ready = false
	}

	readiness.mu.RLock()
	mqtt, mqttOK := dependencyCheck(readiness.mqttConnected, readiness.mqttOptional)
	pg, pgOK := dependencyCheck(readiness.postgresConnected, readiness.postgresOptional)
	readiness.mu.RUnlock()
	resp.Checks["mqtt"] = mqtt
	resp.Checks["postgres"] = pg
	resp.Ready = resp.Ready && mqttOK && pgOK

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		resp.NotReadyMsg = "one or more required checks failed"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
