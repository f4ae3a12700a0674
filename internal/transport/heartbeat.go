package transport

import (
	"net/http"
)

// (GET /api/v1/admin/heartbeat)
func (h *Handler) HeartbeatStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.HeartbeatStatus(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, http.StatusOK)
}

// (POST /api/v1/admin/heartbeat/check)
func (h *Handler) RunHeartbeatCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunHeartbeatCheck(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, result, http.StatusOK)
}
