package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/auth"
	"github.com/flockctl/flockctl/internal/flerrors"
)

// The device-facing state surface exchanges documents in their wire form: an
// object keyed by the device uuid, apps keyed by stringified app id. The
// operator-facing target-state routes carry the bare document, since the
// device is already named in the path.

// (GET /api/v1/device/{uuid}/state)
func (h *Handler) GetDeviceState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	doc, version, err := h.service.GetDeviceState(r.Context(), id, r.Header.Get("If-None-Match"))
	if err != nil {
		if errors.Is(err, flerrors.ErrNotModified) {
			w.Header().Set("ETag", etagHeader(version))
			writeJSON(w, nil, http.StatusNotModified)
			return
		}
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etagHeader(version))
	writeJSON(w, map[string]*api.StateDocument{id.String(): doc}, http.StatusOK)
}

// (PATCH /api/v1/device/state)
func (h *Handler) ReportCurrentState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeInvalidInput(w, "cannot read request body: %v", err)
		return
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.writeInvalidInput(w, "cannot decode current-state document: %v", err)
		return
	}
	if len(envelope) != 1 {
		h.writeInvalidInput(w, "current-state document must contain exactly one device entry, got %d", len(envelope))
		return
	}
	for key, rawDoc := range envelope {
		id, err := uuid.Parse(key)
		if err != nil {
			h.writeInvalidInput(w, "document key is not a device uuid: %q", key)
			return
		}
		if !h.identityOwnsDevice(r, id) {
			writeJSON(w, api.NewError(api.ErrorKindForbidden, "token does not match reported device"), http.StatusForbidden)
			return
		}
		if err := api.CheckLegacyImageKeys(rawDoc); err != nil {
			h.writeInvalidInput(w, "%v", err)
			return
		}
		var doc api.StateDocument
		if err := json.Unmarshal(rawDoc, &doc); err != nil {
			h.writeInvalidInput(w, "cannot decode current-state document: %v", err)
			return
		}
		if err := h.service.ReportCurrentState(r.Context(), id, &doc); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, nil, http.StatusNoContent)
}

// (POST /api/v1/devices/{uuid}/target-state)
// (PUT  /api/v1/devices/{uuid}/target-state)
func (h *Handler) ReplaceTargetState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeInvalidInput(w, "cannot read request body: %v", err)
		return
	}
	if err := api.CheckLegacyImageKeys(body); err != nil {
		h.writeInvalidInput(w, "%v", err)
		return
	}
	var doc api.StateDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		h.writeInvalidInput(w, "cannot decode target-state document: %v", err)
		return
	}
	version, err := h.service.ReplaceTargetState(r.Context(), id, &doc, r.Header.Get("If-Match"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etagHeader(version))
	writeJSON(w, api.TargetStateResponse{DeviceUUID: id, Version: version}, http.StatusOK)
}

// (POST /api/v1/devices/{uuid}/apps)
func (h *Handler) AddApp(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeInvalidInput(w, "cannot read request body: %v", err)
		return
	}
	if err := api.CheckLegacyAppImageKeys(body); err != nil {
		h.writeInvalidInput(w, "%v", err)
		return
	}
	var req api.AddAppRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeInvalidInput(w, "cannot decode request body: %v", err)
		return
	}
	if !h.validateRequest(w, &req) {
		return
	}
	doc, version, err := h.service.UpsertApp(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etagHeader(version))
	writeJSON(w, api.TargetStateResponse{DeviceUUID: id, Version: version, State: doc}, http.StatusOK)
}

// (PATCH /api/v1/devices/{uuid}/apps/{appId})
func (h *Handler) PatchApp(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	appID, ok := h.int64Param(w, r, "appId")
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeInvalidInput(w, "cannot read request body: %v", err)
		return
	}
	if err := api.CheckLegacyAppImageKeys(body); err != nil {
		h.writeInvalidInput(w, "%v", err)
		return
	}
	var req api.PatchAppRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeInvalidInput(w, "cannot decode request body: %v", err)
		return
	}
	if !h.validateRequest(w, &req) {
		return
	}
	doc, version, err := h.service.PatchApp(r.Context(), id, appID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etagHeader(version))
	writeJSON(w, api.TargetStateResponse{DeviceUUID: id, Version: version, State: doc}, http.StatusOK)
}

// (DELETE /api/v1/devices/{uuid}/apps/{appId})
func (h *Handler) RemoveApp(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	appID, ok := h.int64Param(w, r, "appId")
	if !ok {
		return
	}
	doc, version, err := h.service.RemoveApp(r.Context(), id, appID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etagHeader(version))
	writeJSON(w, api.TargetStateResponse{DeviceUUID: id, Version: version, State: doc}, http.StatusOK)
}

// identityOwnsDevice reports whether the authenticated identity, if any, is
// the named device. Operator identities and disabled auth always pass.
func (h *Handler) identityOwnsDevice(r *http.Request, id uuid.UUID) bool {
	identity, err := auth.GetIdentity(r.Context())
	if err != nil {
		return true
	}
	return identity.Kind != auth.KindDevice || identity.DeviceID == id
}
