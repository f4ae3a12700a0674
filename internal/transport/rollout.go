package transport

import (
	"io"
	"net/http"

	"github.com/samber/lo"

	api "github.com/flockctl/flockctl/api/v1"
)

// (GET /api/v1/rollouts)
func (h *Handler) ListRollouts(w http.ResponseWriter, r *http.Request) {
	var statuses []api.RolloutStatus
	for _, raw := range queryValues(r, "status") {
		status := api.RolloutStatus(raw)
		if !lo.Contains(api.KnownRolloutStatuses, status) {
			h.writeInvalidInput(w, "unknown rollout status %q", raw)
			return
		}
		statuses = append(statuses, status)
	}
	rollouts, err := h.service.ListRollouts(r.Context(), statuses)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, rollouts, http.StatusOK)
}

// (GET /api/v1/rollouts/{id})
func (h *Handler) GetRollout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	rollout, err := h.service.GetRollout(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, rollout, http.StatusOK)
}

// (GET /api/v1/rollouts/{id}/devices)
func (h *Handler) ListRolloutDevices(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	devices, err := h.service.ListRolloutDevices(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, devices, http.StatusOK)
}

// (POST /api/v1/rollouts/trigger)
// A trigger that matches no enabled policy, or whose image runs on no
// device, creates nothing and answers 204.
func (h *Handler) TriggerRollout(w http.ResponseWriter, r *http.Request) {
	var req api.TriggerRolloutRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	rollout, err := h.service.TriggerRollout(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rollout == nil {
		writeJSON(w, nil, http.StatusNoContent)
		return
	}
	writeJSON(w, rollout, http.StatusCreated)
}

// (POST /api/v1/rollouts/{id}/start)
func (h *Handler) StartRollout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	rollout, err := h.service.StartRollout(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, rollout, http.StatusOK)
}

// (POST /api/v1/rollouts/{id}/pause)
func (h *Handler) PauseRollout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req api.PauseRolloutRequest
	if !h.decodeBodyOrEmpty(w, r, &req) {
		return
	}
	rollout, err := h.service.PauseRollout(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, rollout, http.StatusOK)
}

// (POST /api/v1/rollouts/{id}/resume)
func (h *Handler) ResumeRollout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req api.ResumeRolloutRequest
	if !h.decodeBodyOrEmpty(w, r, &req) {
		return
	}
	rollout, err := h.service.ResumeRollout(r.Context(), id, req.Acknowledged)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, rollout, http.StatusOK)
}

// (POST /api/v1/rollouts/{id}/cancel)
func (h *Handler) CancelRollout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req api.CancelRolloutRequest
	if !h.decodeBodyOrEmpty(w, r, &req) {
		return
	}
	rollout, err := h.service.CancelRollout(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, rollout, http.StatusOK)
}

// (POST /api/v1/rollouts/{id}/rollback-all)
func (h *Handler) RollbackRollout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req api.RollbackRolloutRequest
	if !h.decodeBodyOrEmpty(w, r, &req) {
		return
	}
	rollout, err := h.service.RollbackRollout(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, rollout, http.StatusOK)
}

// (POST /api/v1/rollouts/{id}/rollback-batch)
func (h *Handler) RollbackRolloutBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req api.RollbackBatchRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	rollout, err := h.service.RollbackRolloutBatch(r.Context(), id, req.Batch, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, rollout, http.StatusOK)
}

// (POST /api/v1/rollouts/{id}/rollback-device)
func (h *Handler) RollbackRolloutDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req api.RollbackDeviceRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	status, err := h.service.RollbackRolloutDevice(r.Context(), id, req.DeviceUUID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, http.StatusOK)
}

// (POST /api/v1/webhooks/docker-registry)
func (h *Handler) RegistryWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeInvalidInput(w, "cannot read webhook payload: %v", err)
		return
	}
	resp, err := h.service.ProcessRegistryWebhook(r.Context(), body, r.Header.Get("X-Hub-Signature"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, resp, http.StatusOK)
}
