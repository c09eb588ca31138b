package hub

import (
	"encoding/json"
	"net/http"
)

// statusResponse is the read-only diagnostics surface an out-of-scope UI
// polls: clients count, per-client bandwidth/latency, active routes, and
// per-transfer send progress for hub-originated transfers.
type statusResponse struct {
	ClientCount int             `json:"client_count"`
	Clients     []clientSummary `json:"clients"`
	Routes      []routeSummary  `json:"routes"`
}

type clientSummary struct {
	ID            string  `json:"id"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
	LatencyMs     float64 `json:"latency_ms"`
}

type routeSummary struct {
	TransferID    string  `json:"transfer_id"`
	Filename      string  `json:"filename"`
	HubOriginated bool    `json:"hub_originated"`
	SendProgress  float64 `json:"send_progress,omitempty"`
	AckProgress   float64 `json:"ack_progress,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleStatus handles GET /status: a snapshot of the hub's client count and
// active transfer routes. Read-only; transfers are created over the
// peer-session wire protocol, not HTTP, so there is no session-creation
// surface here.
func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	resp := statusResponse{
		ClientCount: len(h.clients),
		Clients:     make([]clientSummary, 0, len(h.clients)),
		Routes:      make([]routeSummary, 0, len(h.routes)),
	}
	for id, c := range h.clients {
		bw, latency := c.session.Telemetry().Snapshot()
		resp.Clients = append(resp.Clients, clientSummary{ID: id, BandwidthMbps: bw, LatencyMs: latency})
	}
	for id, route := range h.routes {
		summary := routeSummary{
			TransferID:    id,
			Filename:      route.Filename,
			HubOriginated: route.IsHubOriginated(),
		}
		if route.IsHubOriginated() {
			if task, ok := h.engine.OutgoingTask(id); ok {
				summary.SendProgress = task.Progress() * 100
				summary.AckProgress = task.AckProgress() * 100
			}
		}
		resp.Routes = append(resp.Routes, summary)
	}
	h.mu.RUnlock()

	writeJSON(w, http.StatusOK, resp)
}
