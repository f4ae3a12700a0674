package transport

import (
	"net/http"

	api "github.com/flockctl/flockctl/api/v1"
)

// (GET /api/v1/image-policies)
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.ListPolicies(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, policies, http.StatusOK)
}

// (POST /api/v1/image-policies)
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req api.CreatePolicyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	policy, err := h.service.CreatePolicy(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, policy, http.StatusCreated)
}

// (GET /api/v1/image-policies/{id})
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	policy, err := h.service.GetPolicy(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, policy, http.StatusOK)
}

// (PATCH /api/v1/image-policies/{id})
func (h *Handler) PatchPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req api.PatchPolicyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	policy, err := h.service.PatchPolicy(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, policy, http.StatusOK)
}

// (DELETE /api/v1/image-policies/{id})
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeletePolicy(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, nil, http.StatusNoContent)
}
