package service

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var _ = Describe("Job dispatch", func() {
	var (
		ctx context.Context
		ts  *TestStore
		h   *ServiceHandler
		dev *api.Device
	)

	BeforeEach(func() {
		ctx = context.Background()
		ts = NewTestStore()
		h = newTestHandler(ts)
		dev = registerTestDevice(h, "edge-jobs")
	})

	executeJob := func(targets ...uuid.UUID) *api.Job {
		job, err := h.ExecuteJob(ctx, api.ExecuteJobRequest{
			JobName:       "restart-agent",
			Document:      validJobDocument(),
			TargetType:    api.JobTargetDevice,
			TargetDevices: targets,
		})
		Expect(err).ToNot(HaveOccurred())
		return job
	}

	Describe("ExecuteJob", func() {
		It("queues one row per target and starts pending", func() {
			job := executeJob(dev.UUID)
			Expect(job.Status).To(Equal(api.JobStatusPending))
			Expect(job.Counters.Total).To(Equal(1))
			Expect(job.Counters.Queued).To(Equal(1))
			Expect(job.TimeoutSeconds).To(Equal(api.DefaultJobTimeoutSeconds))
			Expect(ts.EventTypes()).To(ContainElement(api.EventJobCreated))

			rows, err := h.ListJobDevices(ctx, job.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].Status).To(Equal(api.JobStateQueued))
		})

		It("deduplicates repeated targets", func() {
			job := executeJob(dev.UUID, dev.UUID)
			Expect(job.Counters.Total).To(Equal(1))
		})

		It("requires exactly one of template and document", func() {
			_, err := h.ExecuteJob(ctx, api.ExecuteJobRequest{
				JobName:       "restart-agent",
				TargetType:    api.JobTargetDevice,
				TargetDevices: []uuid.UUID{dev.UUID},
			})
			Expect(err).To(MatchError(flerrors.ErrInvalidInput))

			template, err := h.CreateJobTemplate(ctx, api.CreateJobTemplateRequest{Name: "restart", Document: *validJobDocument()})
			Expect(err).ToNot(HaveOccurred())

			_, err = h.ExecuteJob(ctx, api.ExecuteJobRequest{
				JobName:       "restart-agent",
				TemplateID:    &template.TemplateID,
				Document:      validJobDocument(),
				TargetType:    api.JobTargetDevice,
				TargetDevices: []uuid.UUID{dev.UUID},
			})
			Expect(err).To(MatchError(flerrors.ErrInvalidInput))
		})

		It("resolves document and timeout from the template", func() {
			template, err := h.CreateJobTemplate(ctx, api.CreateJobTemplateRequest{
				Name:           "restart",
				Document:       *validJobDocument(),
				TimeoutSeconds: 120,
			})
			Expect(err).ToNot(HaveOccurred())

			job, err := h.ExecuteJob(ctx, api.ExecuteJobRequest{
				JobName:       "restart-agent",
				TemplateID:    &template.TemplateID,
				TargetType:    api.JobTargetDevice,
				TargetDevices: []uuid.UUID{dev.UUID},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(job.TimeoutSeconds).To(Equal(120))
			Expect(job.Document).ToNot(BeNil())

			// An explicit request timeout wins over the template's.
			job, err = h.ExecuteJob(ctx, api.ExecuteJobRequest{
				JobName:        "restart-agent-slow",
				TemplateID:     &template.TemplateID,
				TargetType:     api.JobTargetDevice,
				TargetDevices:  []uuid.UUID{dev.UUID},
				TimeoutSeconds: 900,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(job.TimeoutSeconds).To(Equal(900))
		})

		It("refuses unknown templates", func() {
			missing := uuid.New()
			_, err := h.ExecuteJob(ctx, api.ExecuteJobRequest{
				JobName:       "restart-agent",
				TemplateID:    &missing,
				TargetType:    api.JobTargetDevice,
				TargetDevices: []uuid.UUID{dev.UUID},
			})
			Expect(err).To(MatchError(flerrors.ErrNotFound))
		})

		It("refuses unregistered and deactivated targets", func() {
			_, err := h.ExecuteJob(ctx, api.ExecuteJobRequest{
				JobName:       "restart-agent",
				Document:      validJobDocument(),
				TargetType:    api.JobTargetDevice,
				TargetDevices: []uuid.UUID{uuid.New()},
			})
			Expect(err).To(MatchError(flerrors.ErrInvalidInput))

			_, err = h.SetDeviceActive(ctx, dev.UUID, false)
			Expect(err).ToNot(HaveOccurred())
			_, err = h.ExecuteJob(ctx, api.ExecuteJobRequest{
				JobName:       "restart-agent",
				Document:      validJobDocument(),
				TargetType:    api.JobTargetDevice,
				TargetDevices: []uuid.UUID{dev.UUID},
			})
			Expect(err).To(MatchError(flerrors.ErrInvalidInput))
		})

		It("rejects documents with no steps", func() {
			_, err := h.ExecuteJob(ctx, api.ExecuteJobRequest{
				JobName:       "noop",
				Document:      &api.JobDocument{Version: "1.0"},
				TargetType:    api.JobTargetDevice,
				TargetDevices: []uuid.UUID{dev.UUID},
			})
			Expect(err).To(MatchError(flerrors.ErrInvalidInput))
		})
	})

	Describe("NextJobForDevice", func() {
		It("returns nil when nothing is queued", func() {
			job, err := h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).ToNot(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("claims the oldest queued job and moves the aggregate to in progress", func() {
			first := executeJob(dev.UUID)
			time.Sleep(2 * time.Millisecond)
			executeJob(dev.UUID)

			claimed, err := h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).ToNot(HaveOccurred())
			Expect(claimed).ToNot(BeNil())
			Expect(claimed.JobID).To(Equal(first.JobID))

			refreshed, err := h.GetJob(ctx, first.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(refreshed.Status).To(Equal(api.JobStatusInProgress))
			Expect(refreshed.Counters.InProgress).To(Equal(1))
		})

		It("withholds further work while one job is in progress", func() {
			executeJob(dev.UUID)
			executeJob(dev.UUID)

			_, err := h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).ToNot(HaveOccurred())

			second, err := h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).ToNot(HaveOccurred())
			Expect(second).To(BeNil())
		})

		It("refuses deactivated devices", func() {
			_, err := h.SetDeviceActive(ctx, dev.UUID, false)
			Expect(err).ToNot(HaveOccurred())
			_, err = h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).To(MatchError(flerrors.ErrDeviceInactive))
		})
	})

	Describe("ReportJobStatus", func() {
		var job *api.Job

		BeforeEach(func() {
			job = executeJob(dev.UUID)
			_, err := h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).ToNot(HaveOccurred())
		})

		It("applies a terminal report and completes the job", func() {
			status, err := h.ReportJobStatus(ctx, dev.UUID, job.JobID, api.ReportJobStatusRequest{
				Status:   api.JobStateSucceeded,
				ExitCode: lo.ToPtr(0),
				Stdout:   "agent restarted",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Status).To(Equal(api.JobStateSucceeded))
			Expect(status.CompletedAt).ToNot(BeNil())

			refreshed, err := h.GetJob(ctx, job.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(refreshed.Status).To(Equal(api.JobStatusSucceeded))
			Expect(refreshed.Counters.Succeeded).To(Equal(1))
		})

		It("acknowledges a repeated identical terminal report", func() {
			_, err := h.ReportJobStatus(ctx, dev.UUID, job.JobID, api.ReportJobStatusRequest{Status: api.JobStateSucceeded})
			Expect(err).ToNot(HaveOccurred())

			status, err := h.ReportJobStatus(ctx, dev.UUID, job.JobID, api.ReportJobStatusRequest{Status: api.JobStateSucceeded})
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Status).To(Equal(api.JobStateSucceeded))
		})

		It("refuses to rewrite a terminal row with a different status", func() {
			_, err := h.ReportJobStatus(ctx, dev.UUID, job.JobID, api.ReportJobStatusRequest{Status: api.JobStateSucceeded})
			Expect(err).ToNot(HaveOccurred())

			_, err = h.ReportJobStatus(ctx, dev.UUID, job.JobID, api.ReportJobStatusRequest{Status: api.JobStateFailed})
			Expect(err).To(MatchError(flerrors.ErrJobFinalized))
		})

		It("keeps only the tail of oversized output", func() {
			huge := strings.Repeat("x", maxJobOutputBytes+10) + "tail-marker"
			status, err := h.ReportJobStatus(ctx, dev.UUID, job.JobID, api.ReportJobStatusRequest{
				Status: api.JobStateFailed,
				Stderr: huge,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(len(status.Stderr)).To(Equal(maxJobOutputBytes))
			Expect(strings.HasSuffix(status.Stderr, "tail-marker")).To(BeTrue())
		})

		It("errors for a device that is not a target", func() {
			other := registerTestDevice(h, "edge-other")
			_, err := h.ReportJobStatus(ctx, other.UUID, job.JobID, api.ReportJobStatusRequest{Status: api.JobStateSucceeded})
			Expect(err).To(MatchError(flerrors.ErrNotFound))
		})
	})

	Describe("CancelJob", func() {
		It("cancels remaining rows and keeps finished work", func() {
			other := registerTestDevice(h, "edge-cancel")
			job := executeJob(dev.UUID, other.UUID)

			_, err := h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).ToNot(HaveOccurred())
			_, err = h.ReportJobStatus(ctx, dev.UUID, job.JobID, api.ReportJobStatusRequest{Status: api.JobStateSucceeded})
			Expect(err).ToNot(HaveOccurred())

			cancelled, err := h.CancelJob(ctx, job.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(cancelled.Counters.Succeeded).To(Equal(1))
			Expect(cancelled.Counters.Cancelled).To(Equal(1))
			Expect(cancelled.Status).To(Equal(api.JobStatusPartiallyFailed))
		})

		It("is a no-op on a settled job", func() {
			job := executeJob(dev.UUID)
			_, err := h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).ToNot(HaveOccurred())
			_, err = h.ReportJobStatus(ctx, dev.UUID, job.JobID, api.ReportJobStatusRequest{Status: api.JobStateSucceeded})
			Expect(err).ToNot(HaveOccurred())

			cancelled, err := h.CancelJob(ctx, job.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(cancelled.Status).To(Equal(api.JobStatusSucceeded))
		})
	})

	Describe("SweepJobTimeouts", func() {
		It("expires rows past their timeout and emits events", func() {
			job := executeJob(dev.UUID)
			_, err := h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).ToNot(HaveOccurred())
			ts.BackdateJobStart(job.JobID, dev.UUID, time.Duration(job.TimeoutSeconds+30)*time.Second)

			n, err := h.SweepJobTimeouts(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))

			refreshed, err := h.GetJob(ctx, job.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(refreshed.Status).To(Equal(api.JobStatusTimedOut))
			Expect(refreshed.Counters.TimedOut).To(Equal(1))
			Expect(ts.EventTypes()).To(ContainElement(api.EventJobTimedOut))
		})

		It("leaves rows inside their window alone", func() {
			executeJob(dev.UUID)
			_, err := h.NextJobForDevice(ctx, dev.UUID)
			Expect(err).ToNot(HaveOccurred())

			n, err := h.SweepJobTimeouts(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})

	Describe("aggregate derivation", func() {
		report := func(device uuid.UUID, jobID uuid.UUID, state api.DeviceJobState) {
			_, err := h.NextJobForDevice(ctx, device)
			Expect(err).ToNot(HaveOccurred())
			_, err = h.ReportJobStatus(ctx, device, jobID, api.ReportJobStatusRequest{Status: state})
			Expect(err).ToNot(HaveOccurred())
		}

		It("reports partial failure when outcomes are mixed", func() {
			a := registerTestDevice(h, "edge-agg-a")
			b := registerTestDevice(h, "edge-agg-b")
			job := executeJob(a.UUID, b.UUID)

			report(a.UUID, job.JobID, api.JobStateSucceeded)
			report(b.UUID, job.JobID, api.JobStateFailed)

			refreshed, err := h.GetJob(ctx, job.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(refreshed.Status).To(Equal(api.JobStatusPartiallyFailed))
		})

		It("reports failed when nothing succeeded", func() {
			a := registerTestDevice(h, "edge-agg-c")
			job := executeJob(a.UUID)
			report(a.UUID, job.JobID, api.JobStateFailed)

			refreshed, err := h.GetJob(ctx, job.JobID)
			Expect(err).ToNot(HaveOccurred())
			Expect(refreshed.Status).To(Equal(api.JobStatusFailed))
		})
	})

	Describe("job templates", func() {
		It("enforces unique names", func() {
			_, err := h.CreateJobTemplate(ctx, api.CreateJobTemplateRequest{Name: "restart", Document: *validJobDocument()})
			Expect(err).ToNot(HaveOccurred())
			_, err = h.CreateJobTemplate(ctx, api.CreateJobTemplateRequest{Name: "restart", Document: *validJobDocument()})
			Expect(err).To(MatchError(flerrors.ErrConflict))
		})

		It("rejects invalid documents", func() {
			_, err := h.CreateJobTemplate(ctx, api.CreateJobTemplateRequest{
				Name:     "broken",
				Document: api.JobDocument{Steps: []api.JobStep{{Action: api.JobAction{Type: "format-disk"}}}},
			})
			Expect(err).To(MatchError(flerrors.ErrInvalidInput))
		})

		It("lists and deletes", func() {
			template, err := h.CreateJobTemplate(ctx, api.CreateJobTemplateRequest{Name: "restart", Document: *validJobDocument()})
			Expect(err).ToNot(HaveOccurred())

			templates, err := h.ListJobTemplates(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(templates).To(HaveLen(1))

			Expect(h.DeleteJobTemplate(ctx, template.TemplateID)).To(Succeed())
			_, err = h.GetJobTemplate(ctx, template.TemplateID)
			Expect(err).To(MatchError(flerrors.ErrNotFound))
		})
	})
})
