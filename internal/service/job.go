package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/events"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Device-reported stdout/stderr are capped; the control plane records a
// tail for diagnosis, it is not a log collector.
const maxJobOutputBytes = 64 * 1024

// ExecuteJob materializes a job into one QUEUED row per target device. The
// document comes from exactly one of an inline body or a stored template;
// the timeout resolves request > template > default.
func (h *ServiceHandler) ExecuteJob(ctx context.Context, req api.ExecuteJobRequest) (*api.Job, error) {
	if req.TemplateID == nil && req.Document == nil {
		return nil, fmt.Errorf("%w: either template_id or job_document must be given", flerrors.ErrInvalidInput)
	}
	if req.TemplateID != nil && req.Document != nil {
		return nil, fmt.Errorf("%w: template_id and job_document are mutually exclusive", flerrors.ErrInvalidInput)
	}

	targets := lo.Uniq(req.TargetDevices)
	var created *api.Job
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		document := req.Document
		timeout := req.TimeoutSeconds
		if req.TemplateID != nil {
			template, err := tx.Job().GetTemplate(ctx, *req.TemplateID)
			if err != nil {
				if errors.Is(err, flerrors.ErrNotFound) {
					return fmt.Errorf("%w: job template %s", flerrors.ErrNotFound, *req.TemplateID)
				}
				return err
			}
			document = template.Document
			if timeout == 0 {
				timeout = template.TimeoutSeconds
			}
		}
		if timeout == 0 {
			timeout = api.DefaultJobTimeoutSeconds
		}
		if document == nil {
			return fmt.Errorf("%w: template %s has no job document", flerrors.ErrInvalidInput, *req.TemplateID)
		}
		if err := invalidInput(document.Validate()); err != nil {
			return err
		}

		for _, deviceID := range targets {
			device, err := tx.Device().Get(ctx, deviceID)
			if err != nil {
				if errors.Is(err, flerrors.ErrNotFound) {
					return fmt.Errorf("%w: target device %s is not registered", flerrors.ErrInvalidInput, deviceID)
				}
				return err
			}
			if !device.Active {
				return fmt.Errorf("%w: target device %s is deactivated", flerrors.ErrInvalidInput, deviceID)
			}
		}

		now := time.Now().UTC()
		job := &api.Job{
			JobID:          uuid.New(),
			JobName:        req.JobName,
			TemplateID:     req.TemplateID,
			Document:       document,
			TargetType:     req.TargetType,
			TargetDevices:  targets,
			TimeoutSeconds: timeout,
			Status:         api.JobStatusPending,
			Counters:       api.JobCounters{Total: len(targets), Queued: len(targets)},
		}
		var err error
		created, err = tx.Job().Create(ctx, job, now)
		if err != nil {
			return err
		}
		return h.publish(ctx, tx, events.JobCreated(created.JobID, created.JobName, len(targets)))
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (h *ServiceHandler) GetJob(ctx context.Context, id uuid.UUID) (*api.Job, error) {
	return h.store.Job().Get(ctx, id)
}

func (h *ServiceHandler) ListJobs(ctx context.Context, statuses []api.JobStatus) ([]api.Job, error) {
	return h.store.Job().List(ctx, statuses, maxRecordsPerListRequest)
}

func (h *ServiceHandler) ListJobDevices(ctx context.Context, id uuid.UUID) ([]api.DeviceJobStatus, error) {
	if _, err := h.store.Job().Get(ctx, id); err != nil {
		return nil, err
	}
	return h.store.Job().ListDeviceStatuses(ctx, id)
}

// CancelJob flips the job's remaining QUEUED and IN_PROGRESS rows to
// CANCELLED. Work a device already finished stays finished, and cancelling
// a settled job is a no-op rather than an error.
func (h *ServiceHandler) CancelJob(ctx context.Context, id uuid.UUID) (*api.Job, error) {
	var job *api.Job
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		if _, err := tx.Job().Get(ctx, id); err != nil {
			return err
		}
		if _, err := tx.Job().CancelRemaining(ctx, id, time.Now().UTC()); err != nil {
			return err
		}
		var err error
		job, err = h.recomputeJobAggregate(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// NextJobForDevice hands the device its oldest queued job, if any. The
// claim respects the one-IN_PROGRESS-per-device rule; a device that never
// reported back on its current job gets nothing until the timeout sweep
// clears it. A nil job with nil error means no work.
func (h *ServiceHandler) NextJobForDevice(ctx context.Context, deviceID uuid.UUID) (*api.Job, error) {
	if err := h.requireActiveDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	h.recorder.Record(deviceID)

	var job *api.Job
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		claimed, err := tx.Job().ClaimNext(ctx, deviceID, time.Now().UTC())
		if err != nil {
			if errors.Is(err, flerrors.ErrNotFound) {
				return nil
			}
			return err
		}
		if _, err := h.recomputeJobAggregate(ctx, tx, claimed.JobID); err != nil {
			return err
		}
		job = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReportJobStatus applies a device's status update. Terminal rows are
// immutable: repeating the same terminal status is acknowledged as a no-op
// so devices can retry lost responses, while a different one is refused.
func (h *ServiceHandler) ReportJobStatus(ctx context.Context, deviceID, jobID uuid.UUID, req api.ReportJobStatusRequest) (*api.DeviceJobStatus, error) {
	if err := h.requireActiveDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	h.recorder.Record(deviceID)

	var status *api.DeviceJobStatus
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		current, err := tx.Job().GetDeviceStatusForUpdate(ctx, jobID, deviceID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			if current.Status == req.Status {
				status = current
				return nil
			}
			return fmt.Errorf("%w: device %s already reported %s for job %s", flerrors.ErrJobFinalized, deviceID, current.Status, jobID)
		}

		now := time.Now().UTC()
		current.Status = req.Status
		current.ExitCode = req.ExitCode
		current.Stdout = truncateOutput(req.Stdout)
		current.Stderr = truncateOutput(req.Stderr)
		if req.StatusDetails != nil {
			current.StatusDetails = req.StatusDetails
		}
		if current.StartedAt == nil {
			current.StartedAt = &now
		}
		if req.Status.IsTerminal() {
			current.CompletedAt = &now
		}
		if err := tx.Job().UpdateDeviceStatus(ctx, current); err != nil {
			return err
		}
		if _, err := h.recomputeJobAggregate(ctx, tx, jobID); err != nil {
			return err
		}
		status = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// SweepJobTimeouts expires IN_PROGRESS rows past their job's timeout,
// emitting job.timed_out per expired device and refreshing the touched
// aggregates. Returns how many rows expired.
func (h *ServiceHandler) SweepJobTimeouts(ctx context.Context) (int, error) {
	var swept []api.DeviceJobStatus
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		var err error
		swept, err = tx.Job().SweepTimeouts(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		timeouts := map[uuid.UUID]int{}
		for _, row := range swept {
			if _, ok := timeouts[row.JobID]; !ok {
				job, err := tx.Job().Get(ctx, row.JobID)
				if err != nil {
					return err
				}
				timeouts[row.JobID] = job.TimeoutSeconds
			}
			if err := h.publish(ctx, tx, events.JobTimedOut(row.JobID, row.DeviceUUID, timeouts[row.JobID])); err != nil {
				return err
			}
		}
		for jobID := range timeouts {
			if _, err := h.recomputeJobAggregate(ctx, tx, jobID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(swept), nil
}

// recomputeJobAggregate rebuilds the parent job's counters and status from
// its per-device rows and returns the refreshed job.
func (h *ServiceHandler) recomputeJobAggregate(ctx context.Context, tx store.Store, jobID uuid.UUID) (*api.Job, error) {
	counts, err := tx.Job().CountDeviceStatuses(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counters := api.JobCounters{
		Queued:     counts[api.JobStateQueued],
		InProgress: counts[api.JobStateInProgress],
		Succeeded:  counts[api.JobStateSucceeded],
		Failed:     counts[api.JobStateFailed],
		TimedOut:   counts[api.JobStateTimedOut],
		Cancelled:  counts[api.JobStateCancelled],
	}
	counters.Total = counters.Queued + counters.InProgress + counters.Succeeded +
		counters.Failed + counters.TimedOut + counters.Cancelled
	if err := tx.Job().UpdateAggregate(ctx, jobID, deriveJobStatus(counters), counters); err != nil {
		return nil, err
	}
	return tx.Job().Get(ctx, jobID)
}

// deriveJobStatus maps per-device counts to the parent status. Once every
// row is terminal the order of precedence is: all succeeded, then partial
// success, then all cancelled, then timeouts, then failure.
func deriveJobStatus(c api.JobCounters) api.JobStatus {
	switch {
	case c.Total == 0:
		// Every target was deleted out from under the job.
		return api.JobStatusCancelled
	case c.Queued == c.Total:
		return api.JobStatusPending
	case c.Queued > 0 || c.InProgress > 0:
		return api.JobStatusInProgress
	case c.Succeeded == c.Total:
		return api.JobStatusSucceeded
	case c.Succeeded > 0:
		return api.JobStatusPartiallyFailed
	case c.Cancelled == c.Total:
		return api.JobStatusCancelled
	case c.TimedOut > 0 && c.Failed == 0:
		return api.JobStatusTimedOut
	default:
		return api.JobStatusFailed
	}
}

func truncateOutput(s string) string {
	if len(s) <= maxJobOutputBytes {
		return s
	}
	return s[len(s)-maxJobOutputBytes:]
}

// CreateJobTemplate stores a reusable job document under a unique name.
func (h *ServiceHandler) CreateJobTemplate(ctx context.Context, req api.CreateJobTemplateRequest) (*api.JobTemplate, error) {
	if err := invalidInput(req.Document.Validate()); err != nil {
		return nil, err
	}
	template := &api.JobTemplate{
		TemplateID:     uuid.New(),
		Name:           req.Name,
		Description:    req.Description,
		Document:       &req.Document,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	created, err := h.store.Job().CreateTemplate(ctx, template)
	if err != nil {
		if errors.Is(err, flerrors.ErrDuplicateName) {
			return nil, fmt.Errorf("%w: a template named %q already exists", flerrors.ErrConflict, req.Name)
		}
		return nil, err
	}
	return created, nil
}

func (h *ServiceHandler) GetJobTemplate(ctx context.Context, id uuid.UUID) (*api.JobTemplate, error) {
	return h.store.Job().GetTemplate(ctx, id)
}

func (h *ServiceHandler) ListJobTemplates(ctx context.Context) ([]api.JobTemplate, error) {
	return h.store.Job().ListTemplates(ctx)
}

// DeleteJobTemplate removes a template. Jobs created from it captured the
// document at execution time and are unaffected.
func (h *ServiceHandler) DeleteJobTemplate(ctx context.Context, id uuid.UUID) error {
	return h.store.Job().DeleteTemplate(ctx, id)
}
