package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"arena-relay/internal/node"
	"arena-relay/internal/wire"
)

// intentRequest is the body of POST /api/intent
type intentRequest struct {
	Action string    `json:"action"`
	Aim    wire.Vec2 `json:"aim"`
}

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.node.View())
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"clientId":  h.node.ClientID(),
		"node":      h.node.Stats(),
		"relay":     h.bus.Stats(),
		"rateLimit": h.rl.Stats(),
	}
	if h.hub != nil {
		stats["spectators"] = h.hub.ClientCount()
	}
	writeJSON(w, stats)
}

func (h *routerHandlers) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	action, ok := wire.ParseAction(req.Action, req.Aim)
	if !ok {
		writeError(w, "Unknown action: "+req.Action, http.StatusBadRequest)
		return
	}

	if err := h.node.Submit(action); err != nil {
		if errors.Is(err, node.ErrBusy) {
			writeError(w, "Action queue full", http.StatusServiceUnavailable)
			return
		}
		h.log.Warn("Intent rejected", zap.Error(err))
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	RecordIntent(action.Type().String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"action": action.Type().String()})
}

// Helper functions (package-level for reuse)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
