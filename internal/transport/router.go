package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flockctl/flockctl/internal/auth"
)

// RouterConfig carries the cross-cutting pieces the route tree hangs
// handlers behind. Auth is required; a disabled validator passes every
// request through. WebhookLimiter, when set, rate-limits the registry
// webhook independently of the general limiter.
type RouterConfig struct {
	Auth           *auth.Validator
	WebhookLimiter func(http.Handler) http.Handler
}

// RegisterRoutes mounts the full API surface on r. The server mounts r
// under /api/{version}.
func (h *Handler) RegisterRoutes(r chi.Router, cfg RouterConfig) {
	v := cfg.Auth

	// Device-facing state surface. The bare /device/state report names its
	// device in the body envelope instead of the path.
	r.Route("/device", func(r chi.Router) {
		r.With(v.RequireDevice).Patch("/state", h.ReportCurrentState)
		r.Route("/{uuid}", func(r chi.Router) {
			r.Use(v.RequireDevice)
			r.Get("/state", h.GetDeviceState)
			r.Post("/logs", h.UploadDeviceLogs)
		})
	})

	r.Route("/devices", func(r chi.Router) {
		r.With(v.RequireOperator).Get("/", h.ListDevices)
		r.With(v.RequireOperator).Post("/", h.RegisterDevice)
		r.Route("/{uuid}", func(r chi.Router) {
			op := r.With(v.RequireOperator)
			op.Get("/", h.GetDevice)
			op.Patch("/active", h.SetDeviceActive)
			op.Delete("/", h.DeleteDevice)
			op.Get("/current-state", h.GetDeviceCurrentState)
			op.Post("/target-state", h.ReplaceTargetState)
			op.Put("/target-state", h.ReplaceTargetState)
			op.Post("/apps", h.AddApp)
			op.Patch("/apps/{appId}", h.PatchApp)
			op.Delete("/apps/{appId}", h.RemoveApp)

			dev := r.With(v.RequireDevice)
			dev.Get("/jobs/next", h.NextDeviceJob)
			dev.Patch("/jobs/{jobId}/status", h.ReportDeviceJobStatus)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(v.RequireOperator)

		r.Route("/applications", func(r chi.Router) {
			r.Get("/", h.ListApplications)
			r.Post("/", h.CreateApplication)
			r.Get("/{id}", h.GetApplication)
			r.Patch("/{id}", h.PatchApplication)
			r.Delete("/{id}", h.DeleteApplication)
		})
		r.Post("/apps/next-id", h.NextAppID)
		r.Post("/services/next-id", h.NextServiceID)
		r.Get("/ids", h.ListRegisteredIDs)

		r.Route("/image-policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Post("/", h.CreatePolicy)
			r.Get("/{id}", h.GetPolicy)
			r.Patch("/{id}", h.PatchPolicy)
			r.Delete("/{id}", h.DeletePolicy)
		})

		r.Route("/rollouts", func(r chi.Router) {
			r.Get("/", h.ListRollouts)
			r.Post("/trigger", h.TriggerRollout)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRollout)
				r.Get("/devices", h.ListRolloutDevices)
				r.Post("/start", h.StartRollout)
				r.Post("/pause", h.PauseRollout)
				r.Post("/resume", h.ResumeRollout)
				r.Post("/cancel", h.CancelRollout)
				r.Post("/rollback-all", h.RollbackRollout)
				r.Post("/rollback-batch", h.RollbackRolloutBatch)
				r.Post("/rollback-device", h.RollbackRolloutDevice)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/execute", h.ExecuteJob)
			r.Route("/templates", func(r chi.Router) {
				r.Get("/", h.ListJobTemplates)
				r.Post("/", h.CreateJobTemplate)
				r.Get("/{id}", h.GetJobTemplate)
				r.Delete("/{id}", h.DeleteJobTemplate)
			})
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Get("/devices", h.ListJobDevices)
				r.Post("/cancel", h.CancelJob)
			})
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Get("/stats", h.EventStats)
		})

		r.Route("/admin/heartbeat", func(r chi.Router) {
			r.Get("/", h.HeartbeatStatus)
			r.Post("/check", h.RunHeartbeatCheck)
		})
	})

	r.Group(func(r chi.Router) {
		if cfg.WebhookLimiter != nil {
			r.Use(cfg.WebhookLimiter)
		}
		r.Post("/webhooks/docker-registry", h.RegistryWebhook)
	})
}
