package transport

import (
	"net/http"

	"github.com/samber/lo"

	api "github.com/flockctl/flockctl/api/v1"
)

// (POST /api/v1/jobs/execute)
func (h *Handler) ExecuteJob(w http.ResponseWriter, r *http.Request) {
	var req api.ExecuteJobRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	job, err := h.service.ExecuteJob(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, api.ExecuteJobResponse{JobID: job.JobID}, http.StatusCreated)
}

// (GET /api/v1/jobs)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []api.JobStatus
	for _, raw := range queryValues(r, "status") {
		status := api.JobStatus(raw)
		if !lo.Contains(api.KnownJobStatuses, status) {
			h.writeInvalidInput(w, "unknown job status %q", raw)
			return
		}
		statuses = append(statuses, status)
	}
	jobs, err := h.service.ListJobs(r.Context(), statuses)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, jobs, http.StatusOK)
}

// (GET /api/v1/jobs/{id})
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	job, err := h.service.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, job, http.StatusOK)
}

// (GET /api/v1/jobs/{id}/devices)
func (h *Handler) ListJobDevices(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	statuses, err := h.service.ListJobDevices(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, statuses, http.StatusOK)
}

// (POST /api/v1/jobs/{id}/cancel)
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	job, err := h.service.CancelJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, job, http.StatusOK)
}

// (GET /api/v1/jobs/templates)
func (h *Handler) ListJobTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.service.ListJobTemplates(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, templates, http.StatusOK)
}

// (POST /api/v1/jobs/templates)
func (h *Handler) CreateJobTemplate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateJobTemplateRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	template, err := h.service.CreateJobTemplate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, template, http.StatusCreated)
}

// (GET /api/v1/jobs/templates/{id})
func (h *Handler) GetJobTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	template, err := h.service.GetJobTemplate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, template, http.StatusOK)
}

// (DELETE /api/v1/jobs/templates/{id})
func (h *Handler) DeleteJobTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteJobTemplate(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, nil, http.StatusNoContent)
}

// (GET /api/v1/devices/{uuid}/jobs/next)
// No queued work answers 200 with an empty object, so devices poll with a
// single code path.
func (h *Handler) NextDeviceJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	job, err := h.service.NextJobForDevice(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, struct{}{}, http.StatusOK)
		return
	}
	resp := api.NextJobResponse{JobID: job.JobID, JobName: job.JobName}
	if job.Document != nil {
		resp.Document = *job.Document
	}
	writeJSON(w, resp, http.StatusOK)
}

// (PATCH /api/v1/devices/{uuid}/jobs/{jobId}/status)
func (h *Handler) ReportDeviceJobStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.uuidParam(w, r, "uuid")
	if !ok {
		return
	}
	jobID, ok := h.uuidParam(w, r, "jobId")
	if !ok {
		return
	}
	var req api.ReportJobStatusRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	status, err := h.service.ReportJobStatus(r.Context(), deviceID, jobID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, http.StatusOK)
}
