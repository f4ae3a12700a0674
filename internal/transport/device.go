package transport

import (
	"io"
	"net/http"

	api "github.com/flockctl/flockctl/api/v1"
)

// (POST /api/v1/devices)
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterDeviceRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	device, err := h.service.RegisterDevice(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, device, http.StatusCreated)
}

// (GET /api/v1/devices)
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.service.ListDevices(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, devices, http.StatusOK)
}

// (GET /api/v1/devices/{uuid})
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	device, err := h.service.GetDevice(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, device, http.StatusOK)
}

// (PATCH /api/v1/devices/{uuid}/active)
func (h *Handler) SetDeviceActive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	var req api.SetDeviceActiveRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	device, err := h.service.SetDeviceActive(r.Context(), id, *req.IsActive)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, device, http.StatusOK)
}

// (DELETE /api/v1/devices/{uuid})
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	if err := h.service.DeleteDevice(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, nil, http.StatusNoContent)
}

// (GET /api/v1/devices/{uuid}/current-state)
func (h *Handler) GetDeviceCurrentState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	doc, version, reportedAt, err := h.service.GetDeviceCurrentState(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := api.CurrentStateResponse{DeviceUUID: id, Version: version, State: doc}
	if !reportedAt.IsZero() {
		resp.ReportedAt = &reportedAt
	}
	writeJSON(w, resp, http.StatusOK)
}

// (POST /api/v1/device/{uuid}/logs)
func (h *Handler) UploadDeviceLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	size, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		h.writeInvalidInput(w, "cannot read log upload: %v", err)
		return
	}
	if err := h.service.AcceptDeviceLogs(r.Context(), id, size); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, nil, http.StatusNoContent)
}
