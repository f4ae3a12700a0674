package service

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/rollout"
	"github.com/google/uuid"
)

var _ = Describe("Rollout control", func() {
	var (
		ctx     context.Context
		ts      *TestStore
		handler *ServiceHandler
		device  *api.Device
	)

	deploy := func(tag string) *api.Device {
		d := registerTestDevice(handler, "edge-0")
		doc := &api.StateDocument{
			Apps: map[int64]api.AppState{
				1000: {
					AppID:   1000,
					AppName: "collector",
					Services: []api.ServiceState{{
						ServiceID:   1,
						ServiceName: "main",
						ImageName:   "acme/collector:" + tag,
					}},
				},
			},
		}
		_, err := handler.ReplaceTargetState(ctx, d.UUID, doc, "")
		Expect(err).ToNot(HaveOccurred())
		return d
	}

	createPolicy := func(pattern string) *api.RolloutPolicy {
		policy, err := handler.CreatePolicy(ctx, api.CreatePolicyRequest{
			ImagePattern: pattern,
			Strategy:     api.RolloutStrategyManual,
		})
		Expect(err).ToNot(HaveOccurred())
		return policy
	}

	trigger := func() *api.Rollout {
		created, err := handler.TriggerRollout(ctx, api.TriggerRolloutRequest{
			Image: "acme/collector",
			Tag:   "1.4.0",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).ToNot(BeNil())
		return created
	}

	BeforeEach(func() {
		ctx = context.Background()
		ts = NewTestStore()
		handler = newRolloutTestHandler(ts, stubChecker{}, "")
		device = nil
	})

	It("creates a pending rollout for an operator trigger", func() {
		createPolicy("acme/*")
		deploy("1.2.0")

		created := trigger()
		Expect(created.Status).To(Equal(api.RolloutStatusPending))
		Expect(created.TriggeredBy).To(Equal("operator"))
		Expect(created.NewTag).To(Equal("1.4.0"))
		Expect(created.OldTag).ToNot(BeNil())
		Expect(*created.OldTag).To(Equal("1.2.0"))
	})

	It("derives the tag from the image reference when the request omits it", func() {
		createPolicy("acme/*")
		deploy("1.2.0")

		created, err := handler.TriggerRollout(ctx, api.TriggerRolloutRequest{Image: "acme/collector:2.0.0"})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).ToNot(BeNil())
		Expect(created.ImageName).To(Equal("acme/collector"))
		Expect(created.NewTag).To(Equal("2.0.0"))
	})

	It("rejects an image reference that does not parse", func() {
		_, err := handler.TriggerRollout(ctx, api.TriggerRolloutRequest{Image: "   "})
		Expect(err).To(MatchError(flerrors.ErrInvalidInput))
	})

	It("honors an explicit policy override over pattern matching", func() {
		createPolicy("acme/*")
		override := createPolicy("other/*")
		deploy("1.2.0")

		created, err := handler.TriggerRollout(ctx, api.TriggerRolloutRequest{
			Image:    "acme/collector",
			Tag:      "1.4.0",
			PolicyID: &override.ID,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).ToNot(BeNil())
		Expect(created.PolicyID).ToNot(BeNil())
		Expect(*created.PolicyID).To(Equal(override.ID))
	})

	It("refuses a disabled policy override", func() {
		policy := createPolicy("acme/*")
		deploy("1.2.0")

		_, err := handler.PatchPolicy(ctx, policy.ID, api.PatchPolicyRequest{Enabled: lo.ToPtr(false)})
		Expect(err).ToNot(HaveOccurred())

		_, err = handler.TriggerRollout(ctx, api.TriggerRolloutRequest{
			Image:    "acme/collector",
			Tag:      "1.4.0",
			PolicyID: &policy.ID,
		})
		Expect(err).To(MatchError(flerrors.ErrInvalidInput))
	})

	It("starts a manual rollout and rewrites device targets", func() {
		createPolicy("acme/*")
		device = deploy("1.2.0")
		created := trigger()

		started, err := handler.StartRollout(ctx, created.RolloutID)
		Expect(err).ToNot(HaveOccurred())
		Expect(started.Status).To(Equal(api.RolloutStatusRunning))
		Expect(started.CurrentBatch).To(Equal(1))
		Expect(started.StartedAt).ToNot(BeNil())
		Expect(started.Counters.Updated).To(Equal(1))

		doc, version, err := handler.GetDeviceState(ctx, device.UUID, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(version).To(Equal(int64(2)))
		Expect(doc.Apps[1000].Services[0].ImageName).To(Equal("acme/collector:1.4.0"))

		statuses, err := handler.ListRolloutDevices(ctx, created.RolloutID)
		Expect(err).ToNot(HaveOccurred())
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].Status).To(Equal(api.DeviceUpdateUpdating))
		Expect(statuses[0].NewImageTag).To(Equal("1.4.0"))
		Expect(statuses[0].UpdateStartedAt).ToNot(BeNil())
		Expect(ts.EventTypes()).To(ContainElement(api.EventRolloutBatchStarted))

		chain, err := handler.ListEvents(ctx, EventQuery{CorrelationID: &created.RolloutID})
		Expect(err).ToNot(HaveOccurred())
		Expect(chain).To(HaveLen(2))
		Expect(chain[0].Type).To(Equal(api.EventRolloutCreated))
		Expect(chain[1].Type).To(Equal(api.EventRolloutBatchStarted))
	})

	It("requires acknowledgement before resuming a paused rollout", func() {
		createPolicy("acme/*")
		deploy("1.2.0")
		created := trigger()

		_, err := handler.StartRollout(ctx, created.RolloutID)
		Expect(err).ToNot(HaveOccurred())

		paused, err := handler.PauseRollout(ctx, created.RolloutID, "probe flaps under investigation")
		Expect(err).ToNot(HaveOccurred())
		Expect(paused.Status).To(Equal(api.RolloutStatusPaused))
		Expect(paused.StatusReason).To(Equal("probe flaps under investigation"))
		Expect(ts.EventTypes()).To(ContainElement(api.EventRolloutPaused))

		_, err = handler.ResumeRollout(ctx, created.RolloutID, false)
		Expect(err).To(MatchError(flerrors.ErrInvalidInput))

		resumed, err := handler.ResumeRollout(ctx, created.RolloutID, true)
		Expect(err).ToNot(HaveOccurred())
		Expect(resumed.Status).To(Equal(api.RolloutStatusRunning))
		Expect(resumed.StatusReason).To(BeEmpty())
		Expect(ts.EventTypes()).To(ContainElement(api.EventRolloutResumed))
	})

	It("cancels a running rollout but keeps tracking devices in flight", func() {
		createPolicy("acme/*")
		deploy("1.2.0")
		created := trigger()

		_, err := handler.StartRollout(ctx, created.RolloutID)
		Expect(err).ToNot(HaveOccurred())

		cancelled, err := handler.CancelRollout(ctx, created.RolloutID, "bad tag")
		Expect(err).ToNot(HaveOccurred())
		Expect(cancelled.Status).To(Equal(api.RolloutStatusCancelled))
		Expect(cancelled.StatusReason).To(Equal("bad tag"))
		Expect(cancelled.FinishedAt).To(BeNil())

		listed, err := handler.ListRollouts(ctx, []api.RolloutStatus{api.RolloutStatusCancelled})
		Expect(err).ToNot(HaveOccurred())
		Expect(listed).To(HaveLen(1))
		Expect(listed[0].RolloutID).To(Equal(created.RolloutID))
	})

	It("returns not found for an unknown rollout id", func() {
		_, err := handler.GetRollout(ctx, uuid.New())
		Expect(err).To(MatchError(flerrors.ErrNotFound))

		_, err = handler.ListRolloutDevices(ctx, uuid.New())
		Expect(err).To(MatchError(flerrors.ErrNotFound))
	})
})

var _ = Describe("Rollout progression", func() {
	var (
		ctx     context.Context
		ts      *TestStore
		handler *ServiceHandler
		orch    *rollout.Orchestrator
	)

	collectorDoc := func(tag string) *api.StateDocument {
		return &api.StateDocument{
			Apps: map[int64]api.AppState{
				1000: {
					AppID:   1000,
					AppName: "collector",
					Services: []api.ServiceState{{
						ServiceID:   1,
						ServiceName: "main",
						ImageName:   "acme/collector:" + tag,
					}},
				},
			},
		}
	}

	deployDevice := func(name, tag string) *api.Device {
		d := registerTestDevice(handler, name)
		_, err := handler.ReplaceTargetState(ctx, d.UUID, collectorDoc(tag), "")
		Expect(err).ToNot(HaveOccurred())
		return d
	}

	reportRunning := func(id uuid.UUID, tag string) {
		Expect(handler.ReportCurrentState(ctx, id, collectorDoc(tag))).To(Succeed())
	}

	trigger := func() *api.Rollout {
		created, err := handler.TriggerRollout(ctx, api.TriggerRolloutRequest{
			Image: "acme/collector",
			Tag:   "1.4.0",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).ToNot(BeNil())
		return created
	}

	makeBatchEligible := func(id uuid.UUID) {
		ro, err := ts.Rollout().Get(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		ro.NextBatchEligibleAt = lo.ToPtr(time.Now().UTC().Add(-time.Minute))
		Expect(ts.Rollout().Update(ctx, ro)).To(Succeed())
	}

	statusByBatch := func(id uuid.UUID, batch int) api.DeviceRolloutStatus {
		statuses, err := handler.ListRolloutDevices(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		match, ok := lo.Find(statuses, func(d api.DeviceRolloutStatus) bool { return d.BatchNumber == batch })
		Expect(ok).To(BeTrue())
		return match
	}

	BeforeEach(func() {
		ctx = context.Background()
		ts = NewTestStore()
	})

	It("carries a staged rollout across batches to completion", func() {
		handler, orch = newTickTestHandler(ts, stubChecker{})
		_, err := handler.CreatePolicy(ctx, api.CreatePolicyRequest{
			ImagePattern:    "acme/*",
			Strategy:        api.RolloutStrategyStaged,
			StagedFractions: []float64{0.5, 1.0},
		})
		Expect(err).ToNot(HaveOccurred())
		deployDevice("edge-a", "1.2.0")
		deployDevice("edge-b", "1.2.0")

		created := trigger()
		Expect(created.Status).To(Equal(api.RolloutStatusRunning))
		Expect(created.CurrentBatch).To(Equal(1))
		Expect(created.TotalDevices).To(Equal(2))

		first := statusByBatch(created.RolloutID, 1)
		Expect(first.Status).To(Equal(api.DeviceUpdateUpdating))
		Expect(statusByBatch(created.RolloutID, 2).Status).To(Equal(api.DeviceUpdateScheduled))

		// The first device reports the new tag and succeeds, but the batch
		// delay keeps the second batch from starting yet.
		reportRunning(first.DeviceUUID, "1.4.0")
		Expect(orch.Tick(ctx)).To(Succeed())

		ro, err := handler.GetRollout(ctx, created.RolloutID)
		Expect(err).ToNot(HaveOccurred())
		Expect(ro.Status).To(Equal(api.RolloutStatusRunning))
		Expect(ro.CurrentBatch).To(Equal(1))
		Expect(ro.Counters.Succeeded).To(Equal(1))
		Expect(statusByBatch(created.RolloutID, 1).Status).To(Equal(api.DeviceUpdateSucceeded))

		makeBatchEligible(created.RolloutID)
		Expect(orch.Tick(ctx)).To(Succeed())

		ro, err = handler.GetRollout(ctx, created.RolloutID)
		Expect(err).ToNot(HaveOccurred())
		Expect(ro.CurrentBatch).To(Equal(2))
		second := statusByBatch(created.RolloutID, 2)
		Expect(second.Status).To(Equal(api.DeviceUpdateUpdating))

		doc, _, err := handler.GetDeviceState(ctx, second.DeviceUUID, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(doc.Apps[1000].Services[0].ImageName).To(Equal("acme/collector:1.4.0"))

		// The final batch settles and the rollout completes without waiting
		// out another delay.
		reportRunning(second.DeviceUUID, "1.4.0")
		Expect(orch.Tick(ctx)).To(Succeed())

		ro, err = handler.GetRollout(ctx, created.RolloutID)
		Expect(err).ToNot(HaveOccurred())
		Expect(ro.Status).To(Equal(api.RolloutStatusCompleted))
		Expect(ro.FinishedAt).ToNot(BeNil())
		Expect(ro.Counters.Succeeded).To(Equal(2))
		Expect(ro.Counters.Failed).To(BeZero())
		Expect(ts.EventTypes()).To(ContainElement(api.EventRolloutCompleted))
	})

	It("rolls back a failing device and pauses on the failure rate", func() {
		handler, orch = newTickTestHandler(ts, stubChecker{err: errors.New("connection refused")})
		_, err := handler.CreatePolicy(ctx, api.CreatePolicyRequest{
			ImagePattern:    "acme/*",
			Strategy:        api.RolloutStrategyStaged,
			StagedFractions: []float64{1.0},
			MaxFailureRate:  lo.ToPtr(0.25),
			AutoRollback:    true,
			HealthCheck: &api.HealthCheckSpec{
				Type:     api.HealthCheckHTTP,
				Endpoint: "http://{device_ip}:8080/healthz",
			},
		})
		Expect(err).ToNot(HaveOccurred())
		device := deployDevice("edge-a", "1.2.0")

		created := trigger()
		Expect(created.Status).To(Equal(api.RolloutStatusRunning))

		reportRunning(device.UUID, "1.4.0")
		Expect(orch.Tick(ctx)).To(Succeed())

		ro, err := handler.GetRollout(ctx, created.RolloutID)
		Expect(err).ToNot(HaveOccurred())
		Expect(ro.Status).To(Equal(api.RolloutStatusPaused))
		Expect(ro.StatusReason).To(Equal("batch 1 failure rate 1.00 exceeds limit 0.25"))
		Expect(ro.Counters.RolledBack).To(Equal(1))
		Expect(ro.Counters.Failed).To(BeZero())

		statuses, err := handler.ListRolloutDevices(ctx, created.RolloutID)
		Expect(err).ToNot(HaveOccurred())
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].Status).To(Equal(api.DeviceUpdateRolledBack))
		Expect(statuses[0].HealthCheckPassed).ToNot(BeNil())
		Expect(*statuses[0].HealthCheckPassed).To(BeFalse())
		Expect(statuses[0].ErrorMessage).To(Equal("connection refused"))

		doc, version, err := handler.GetDeviceState(ctx, device.UUID, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(version).To(Equal(int64(3)))
		Expect(doc.Apps[1000].Services[0].ImageName).To(Equal("acme/collector:1.2.0"))

		chain, err := handler.ListEvents(ctx, EventQuery{CorrelationID: &created.RolloutID})
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(chain, func(e api.Event, _ int) api.EventType { return e.Type })).To(Equal([]api.EventType{
			api.EventRolloutCreated,
			api.EventRolloutBatchStarted,
			api.EventDeviceUpdateFailed,
			api.EventDeviceRolledBack,
			api.EventRolloutPaused,
		}))
		failed, _ := lo.Find(chain, func(e api.Event) bool { return e.Type == api.EventDeviceUpdateFailed })
		rolledBack, _ := lo.Find(chain, func(e api.Event) bool { return e.Type == api.EventDeviceRolledBack })
		Expect(rolledBack.CausationID).ToNot(BeNil())
		Expect(*rolledBack.CausationID).To(Equal(failed.EventID))
	})
})
