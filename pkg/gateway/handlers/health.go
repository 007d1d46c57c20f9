package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/galaxtel/audiobridge/pkg/bridge/config"
	"github.com/galaxtel/audiobridge/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		AuthEnabled bool     `json:"auth_enabled"`
		Monitor     bool     `json:"monitor_enabled"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	if h.Config.PollInterval <= 0 {
		issues = append(issues, "poll interval must be > 0")
	}
	if h.Config.CaptureInterval <= 0 {
		issues = append(issues, "capture interval must be > 0")
	}
	if h.Config.UploadWorkers <= 0 {
		issues = append(issues, "upload workers must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "websocket timeouts must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          ok,
		Draining:    draining,
		AuthEnabled: len(h.Config.APIKeys) > 0,
		Monitor:     h.Config.EnableEventMonitor,
		Issues:      issues,
	})
}
