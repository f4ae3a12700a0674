package transport

import (
	"net/http"

	api "github.com/flockctl/flockctl/api/v1"
)

// (GET /api/v1/applications)
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.service.ListApplications(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, apps, http.StatusOK)
}

// (POST /api/v1/applications)
func (h *Handler) CreateApplication(w http.ResponseWriter, r *http.Request) {
	var req api.CreateApplicationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	app, err := h.service.CreateApplication(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, api.CreateApplicationResponse{AppID: app.AppID}, http.StatusCreated)
}

// (GET /api/v1/applications/{id})
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	appID, ok := h.int64Param(w, r, "id")
	if !ok {
		return
	}
	app, err := h.service.GetApplication(r.Context(), appID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, app, http.StatusOK)
}

// (PATCH /api/v1/applications/{id})
func (h *Handler) PatchApplication(w http.ResponseWriter, r *http.Request) {
	appID, ok := h.int64Param(w, r, "id")
	if !ok {
		return
	}
	var req api.PatchApplicationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	app, err := h.service.PatchApplication(r.Context(), appID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, app, http.StatusOK)
}

// (DELETE /api/v1/applications/{id})
func (h *Handler) DeleteApplication(w http.ResponseWriter, r *http.Request) {
	appID, ok := h.int64Param(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteApplication(r.Context(), appID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, nil, http.StatusNoContent)
}

// (POST /api/v1/apps/next-id)
func (h *Handler) NextAppID(w http.ResponseWriter, r *http.Request) {
	var req api.NextAppIDRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	appID, err := h.service.NextAppID(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, api.NextAppIDResponse{AppID: appID}, http.StatusOK)
}

// (POST /api/v1/services/next-id)
func (h *Handler) NextServiceID(w http.ResponseWriter, r *http.Request) {
	var req api.NextServiceIDRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	serviceID, err := h.service.NextServiceID(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, api.NextServiceIDResponse{ServiceID: serviceID}, http.StatusOK)
}

// (GET /api/v1/ids)
func (h *Handler) ListRegisteredIDs(w http.ResponseWriter, r *http.Request) {
	var kind *api.IDKind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k := api.IDKind(raw)
		if k != api.IDKindApp && k != api.IDKindService {
			h.writeInvalidInput(w, "unknown id kind %q", raw)
			return
		}
		kind = &k
	}
	entries, err := h.service.ListRegisteredIDs(r.Context(), kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, entries, http.StatusOK)
}
