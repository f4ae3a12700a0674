package service

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var _ = Describe("Target state", func() {
	var (
		ctx    context.Context
		ts     *TestStore
		h      *ServiceHandler
		device *api.Device
	)

	BeforeEach(func() {
		ctx = context.Background()
		ts = NewTestStore()
		h = newTestHandler(ts)
		device = registerTestDevice(h, "edge-state")
	})

	Context("for a device with no target yet", func() {
		It("serves an empty document at version 0", func() {
			doc, version, err := h.GetDeviceState(ctx, device.UUID, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(version).To(BeZero())
			Expect(doc.Apps).To(BeEmpty())
		})

		It("returns 304 semantics when If-None-Match names version 0", func() {
			_, version, err := h.GetDeviceState(ctx, device.UUID, `"0"`)
			Expect(err).To(MatchError(flerrors.ErrNotModified))
			Expect(version).To(BeZero())
		})
	})

	Context("replacing the whole document", func() {
		It("bumps the version on every write", func() {
			v1, err := h.ReplaceTargetState(ctx, device.UUID, validStateDocument(), "")
			Expect(err).ToNot(HaveOccurred())
			Expect(v1).To(Equal(int64(1)))

			v2, err := h.ReplaceTargetState(ctx, device.UUID, validStateDocument(), "")
			Expect(err).ToNot(HaveOccurred())
			Expect(v2).To(Equal(int64(2)))

			doc, version, err := h.GetDeviceState(ctx, device.UUID, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(version).To(Equal(int64(2)))
			Expect(doc.Apps).To(HaveKey(int64(1000)))
			Expect(ts.EventTypes()).To(ContainElement(api.EventTargetStateUpdated))
		})

		It("honors If-Match and refuses a stale version", func() {
			_, err := h.ReplaceTargetState(ctx, device.UUID, validStateDocument(), "")
			Expect(err).ToNot(HaveOccurred())

			_, err = h.ReplaceTargetState(ctx, device.UUID, validStateDocument(), `"1"`)
			Expect(err).ToNot(HaveOccurred())

			_, err = h.ReplaceTargetState(ctx, device.UUID, validStateDocument(), `"1"`)
			Expect(err).To(MatchError(flerrors.ErrVersionConflict))
		})

		It("rejects a document that reports device-only fields", func() {
			doc := validStateDocument()
			doc.DeviceInfo = &api.DeviceInfo{IPAddress: "10.0.0.9"}
			_, err := h.ReplaceTargetState(ctx, device.UUID, doc, "")
			Expect(err).To(MatchError(flerrors.ErrInvalidInput))
		})

		It("rejects app ids below the allocator floor", func() {
			doc := &api.StateDocument{
				Apps: map[int64]api.AppState{
					7: {AppID: 7, Services: []api.ServiceState{{ServiceID: 1, ServiceName: "svc", ImageName: "acme/svc:1"}}},
				},
			}
			_, err := h.ReplaceTargetState(ctx, device.UUID, doc, "")
			Expect(err).To(MatchError(flerrors.ErrInvalidInput))
		})
	})

	Context("conditional reads", func() {
		BeforeEach(func() {
			_, err := h.ReplaceTargetState(ctx, device.UUID, validStateDocument(), "")
			Expect(err).ToNot(HaveOccurred())
		})

		It("short-circuits when If-None-Match hits the current version", func() {
			_, version, err := h.GetDeviceState(ctx, device.UUID, `"1"`)
			Expect(err).To(MatchError(flerrors.ErrNotModified))
			Expect(version).To(Equal(int64(1)))
		})

		It("serves the document when If-None-Match is stale", func() {
			doc, _, err := h.GetDeviceState(ctx, device.UUID, `"0"`)
			Expect(err).ToNot(HaveOccurred())
			Expect(doc).ToNot(BeNil())
		})

		It("tolerates weak validators", func() {
			_, _, err := h.GetDeviceState(ctx, device.UUID, `W/"1"`)
			Expect(err).To(MatchError(flerrors.ErrNotModified))
		})
	})

	Context("per-app mutations", func() {
		It("adds an app and reports it as added", func() {
			doc, version, err := h.UpsertApp(ctx, device.UUID, api.AddAppRequest{
				AppID:   1000,
				AppName: "telemetry",
				Services: []api.ServiceState{
					{ServiceID: 1, ServiceName: "collector", ImageName: "acme/collector:2"},
				},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(version).To(Equal(int64(1)))
			Expect(doc.Apps).To(HaveKey(int64(1000)))
			Expect(ts.EventTypes()).To(ContainElement(api.EventTargetStateAppAdded))
		})

		It("replaces an existing app and reports it as updated", func() {
			req := api.AddAppRequest{
				AppID:    1000,
				AppName:  "telemetry",
				Services: []api.ServiceState{{ServiceID: 1, ServiceName: "collector", ImageName: "acme/collector:2"}},
			}
			_, _, err := h.UpsertApp(ctx, device.UUID, req)
			Expect(err).ToNot(HaveOccurred())

			req.Services[0].ImageName = "acme/collector:3"
			doc, version, err := h.UpsertApp(ctx, device.UUID, req)
			Expect(err).ToNot(HaveOccurred())
			Expect(version).To(Equal(int64(2)))
			Expect(doc.Apps[1000].Services[0].ImageName).To(Equal("acme/collector:3"))
			Expect(ts.EventTypes()).To(ContainElement(api.EventTargetStateAppUpdated))
		})

		It("fills the app name from the catalog when omitted", func() {
			created, err := h.CreateApplication(ctx, api.CreateApplicationRequest{AppName: "telemetry", Slug: "telemetry"})
			Expect(err).ToNot(HaveOccurred())

			doc, _, err := h.UpsertApp(ctx, device.UUID, api.AddAppRequest{
				AppID:    created.AppID,
				Services: []api.ServiceState{{ServiceID: 1, ServiceName: "collector", ImageName: "acme/collector:2"}},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.Apps[created.AppID].AppName).To(Equal("telemetry"))
		})

		It("patches services and merges config keys", func() {
			_, _, err := h.UpsertApp(ctx, device.UUID, api.AddAppRequest{
				AppID:    1000,
				AppName:  "telemetry",
				Services: []api.ServiceState{{ServiceID: 1, ServiceName: "collector", ImageName: "acme/collector:2"}},
			})
			Expect(err).ToNot(HaveOccurred())

			doc, version, err := h.PatchApp(ctx, device.UUID, 1000, api.PatchAppRequest{
				Services: []api.ServiceState{{ServiceID: 1, ServiceName: "collector", ImageName: "acme/collector:4"}},
				Config:   map[string]string{"LOG_LEVEL": "debug"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(version).To(Equal(int64(2)))
			Expect(doc.Apps[1000].Services[0].ImageName).To(Equal("acme/collector:4"))
			Expect(doc.Config).To(HaveKeyWithValue("LOG_LEVEL", "debug"))

			doc, _, err = h.PatchApp(ctx, device.UUID, 1000, api.PatchAppRequest{
				Config: map[string]string{"REGION": "eu-west"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.Config).To(HaveKeyWithValue("LOG_LEVEL", "debug"))
			Expect(doc.Config).To(HaveKeyWithValue("REGION", "eu-west"))
		})

		It("refuses to patch an app that is not deployed", func() {
			_, _, err := h.PatchApp(ctx, device.UUID, 1000, api.PatchAppRequest{AppName: lo.ToPtr("x")})
			Expect(err).To(MatchError(flerrors.ErrAppNotInState))
		})

		It("removes a deployed app", func() {
			_, _, err := h.UpsertApp(ctx, device.UUID, api.AddAppRequest{
				AppID:    1000,
				AppName:  "telemetry",
				Services: []api.ServiceState{{ServiceID: 1, ServiceName: "collector", ImageName: "acme/collector:2"}},
			})
			Expect(err).ToNot(HaveOccurred())

			doc, version, err := h.RemoveApp(ctx, device.UUID, 1000)
			Expect(err).ToNot(HaveOccurred())
			Expect(version).To(Equal(int64(2)))
			Expect(doc.Apps).ToNot(HaveKey(int64(1000)))
			Expect(ts.EventTypes()).To(ContainElement(api.EventTargetStateAppRemoved))
		})

		It("refuses to remove an app that is not deployed", func() {
			_, _, err := h.RemoveApp(ctx, device.UUID, 1000)
			Expect(err).To(MatchError(flerrors.ErrAppNotInState))
		})
	})

	Context("current state reporting", func() {
		It("stores the report and lifts device info onto the record", func() {
			report := &api.StateDocument{
				Apps: map[int64]api.AppState{
					1000: {
						AppID: 1000,
						Services: []api.ServiceState{
							{ServiceID: 1, ServiceName: "collector", ImageName: "acme/collector:2", Status: "running", ContainerID: "abc123"},
						},
					},
				},
				DeviceInfo: &api.DeviceInfo{IPAddress: "10.1.2.3", OSVersion: "os-7.1", AgentVersion: "0.9.2"},
			}
			Expect(h.ReportCurrentState(ctx, device.UUID, report)).To(Succeed())

			doc, version, reportedAt, err := h.GetDeviceCurrentState(ctx, device.UUID)
			Expect(err).ToNot(HaveOccurred())
			Expect(version).To(Equal(int64(1)))
			Expect(reportedAt).ToNot(BeZero())
			Expect(doc.Apps[1000].Services[0].Status).To(Equal("running"))

			refreshed, err := h.GetDevice(ctx, device.UUID)
			Expect(err).ToNot(HaveOccurred())
			Expect(refreshed.IPAddress).To(Equal("10.1.2.3"))
			Expect(refreshed.AgentVersion).To(Equal("0.9.2"))
			Expect(ts.EventTypes()).To(ContainElement(api.EventCurrentStateUpdated))
		})

		It("rejects reports from deactivated devices", func() {
			_, err := h.SetDeviceActive(ctx, device.UUID, false)
			Expect(err).ToNot(HaveOccurred())

			err = h.ReportCurrentState(ctx, device.UUID, &api.StateDocument{Apps: map[int64]api.AppState{}})
			Expect(err).To(MatchError(flerrors.ErrDeviceInactive))
		})

		It("has nothing for a device that never reported", func() {
			_, _, _, err := h.GetDeviceCurrentState(ctx, device.UUID)
			Expect(err).To(MatchError(flerrors.ErrNotFound))
		})
	})

	Context("for an unknown device", func() {
		It("refuses every state operation", func() {
			ghost := uuid.New()
			_, _, err := h.GetDeviceState(ctx, ghost, "")
			Expect(err).To(MatchError(flerrors.ErrNotFound))
			_, err = h.ReplaceTargetState(ctx, ghost, validStateDocument(), "")
			Expect(err).To(MatchError(flerrors.ErrNotFound))
			err = h.ReportCurrentState(ctx, ghost, &api.StateDocument{Apps: map[int64]api.AppState{}})
			Expect(err).To(MatchError(flerrors.ErrNotFound))
		})
	})
})
