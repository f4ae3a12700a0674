// Package rollout drives staged image rollouts across the fleet: webhook
// or operator triggers create them, a periodic tick advances batches, and
// health checks decide whether devices keep the new tag or roll back.
package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/config"
	"github.com/flockctl/flockctl/internal/events"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
)

const defaultProbeLimit = 8

type Orchestrator struct {
	store   store.Store
	checker Checker
	log     logrus.FieldLogger

	verifyGracePeriod time.Duration
	probeLimit        int
}

func NewOrchestrator(st store.Store, checker Checker, cfg *config.Config, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		store:             st,
		checker:           checker,
		log:               log,
		verifyGracePeriod: config.ParseDuration(cfg.Rollouts.VerifyGracePeriod, api.DefaultVerifyGracePeriod),
		probeLimit:        defaultProbeLimit,
	}
}

// CreateParams carries what the webhook or operator supplied.
type CreateParams struct {
	Image  string
	NewTag string
	// PolicyID overrides pattern matching when the operator names a policy
	// explicitly.
	PolicyID    *uuid.UUID
	TriggeredBy string
	// Payload is the raw webhook body, kept on the rollout for audit.
	Payload json.RawMessage
}

// CreateFromImage creates a rollout for a freshly pushed image tag, or
// returns the rollout already active for the same (image, tag). A nil
// rollout with a nil error means no enabled policy matched or no eligible
// device runs the image; neither is an error for the caller.
func (o *Orchestrator) CreateFromImage(ctx context.Context, params CreateParams) (*api.Rollout, error) {
	log := o.log.WithFields(logrus.Fields{"image": params.Image, "tag": params.NewTag})

	var created *api.Rollout
	err := o.store.Transaction(ctx, func(tx store.Store) error {
		existing, err := tx.Rollout().FindActiveByImageTag(ctx, params.Image, params.NewTag)
		if err == nil {
			log.WithField("rollout", existing.RolloutID).Info("rollout already active for image tag")
			created = existing
			return nil
		}
		if !errors.Is(err, flerrors.ErrNotFound) {
			return err
		}

		policy, err := o.resolvePolicy(ctx, tx, params)
		if err != nil {
			return err
		}
		if policy == nil {
			log.Info("no enabled policy matches image, skipping rollout")
			return nil
		}

		refs, err := tx.DeviceState().ListImageRefs(ctx, params.Image)
		if err != nil {
			return err
		}
		oldTag, deviceTags := summarizeTags(refs, params.NewTag)
		candidates := lo.Uniq(lo.Map(refs, func(r store.ImageRef, _ int) uuid.UUID { return r.DeviceUUID }))

		devices, err := tx.Device().FilterForRollout(ctx, candidates, policy.DeviceFilter)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			log.Info("no eligible device runs the image, skipping rollout")
			return nil
		}
		ids := lo.Map(devices, func(d api.Device, _ int) uuid.UUID { return d.UUID })

		fractions := policy.StagedFractions
		if len(fractions) == 0 {
			fractions = api.DefaultStagedFractions
		}
		batches := AssignBatches(ids, fractions)

		now := time.Now().UTC()
		rollout := &api.Rollout{
			RolloutID:      uuid.New(),
			PolicyID:       lo.ToPtr(policy.ID),
			ImageName:      params.Image,
			OldTag:         oldTag,
			NewTag:         params.NewTag,
			Strategy:       policy.Strategy,
			Status:         api.RolloutStatusPending,
			TotalDevices:   len(ids),
			BatchFractions: fractions,
			CreatedAt:      now,
			TriggeredBy:    params.TriggeredBy,
			WebhookPayload: params.Payload,
		}
		persisted, err := tx.Rollout().Create(ctx, rollout)
		if err != nil {
			return err
		}

		statuses := make([]api.DeviceRolloutStatus, 0, len(ids))
		for _, id := range ids {
			statuses = append(statuses, api.DeviceRolloutStatus{
				RolloutID:   persisted.RolloutID,
				DeviceUUID:  id,
				BatchNumber: batches[id],
				Status:      api.DeviceUpdateScheduled,
				OldImageTag: deviceTags[id],
				NewImageTag: params.NewTag,
				ScheduledAt: now,
			})
		}
		if err := tx.Rollout().InsertDeviceStatuses(ctx, statuses); err != nil {
			return err
		}

		event := events.RolloutCreated(persisted.RolloutID, events.RolloutCreatedPayload{
			ImageName:    params.Image,
			OldTag:       lo.FromPtr(oldTag),
			NewTag:       params.NewTag,
			PolicyID:     persisted.PolicyID,
			TotalDevices: len(ids),
			TotalBatches: len(fractions),
		}, events.WithCorrelation(persisted.RolloutID), events.WithSource(api.EventSourceRollout))
		if err := tx.Event().Publish(ctx, event); err != nil {
			return err
		}

		if persisted.Strategy == api.RolloutStrategyAuto || persisted.Strategy == api.RolloutStrategyStaged {
			if err := o.startRollout(ctx, tx, persisted, policy, now); err != nil {
				return err
			}
		}
		log.WithFields(logrus.Fields{
			"rollout": persisted.RolloutID,
			"devices": len(ids),
			"batches": len(fractions),
		}).Info("rollout created")
		created = persisted
		return nil
	})
	return created, err
}

// resolvePolicy honors an explicit policy override, otherwise matches the
// image against all enabled policies.
func (o *Orchestrator) resolvePolicy(ctx context.Context, tx store.Store, params CreateParams) (*api.RolloutPolicy, error) {
	if params.PolicyID != nil {
		policy, err := tx.RolloutPolicy().Get(ctx, *params.PolicyID)
		if err != nil {
			return nil, err
		}
		if !policy.Enabled {
			return nil, fmt.Errorf("%w: policy %s is disabled", flerrors.ErrInvalidInput, policy.ID)
		}
		return policy, nil
	}
	policies, err := tx.RolloutPolicy().List(ctx, true)
	if err != nil {
		return nil, err
	}
	return MatchPolicy(policies, params.Image), nil
}

// summarizeTags derives the fleet-wide old tag and a per-device old tag
// from the image references found in target documents. The new tag itself
// is excluded so devices already updated do not skew the sample. The
// fleet-wide tag is the most common one; ties break lexicographically.
func summarizeTags(refs []store.ImageRef, newTag string) (*string, map[uuid.UUID]*string) {
	tally := map[string]int{}
	perDevice := map[uuid.UUID]map[string]int{}
	for _, ref := range refs {
		parsed, err := api.ParseImageRef(ref.ImageName)
		if err != nil || parsed.Tag == newTag {
			continue
		}
		tally[parsed.Tag]++
		if perDevice[ref.DeviceUUID] == nil {
			perDevice[ref.DeviceUUID] = map[string]int{}
		}
		perDevice[ref.DeviceUUID][parsed.Tag]++
	}

	deviceTags := make(map[uuid.UUID]*string, len(perDevice))
	for id, counts := range perDevice {
		if tag := mostCommonTag(counts); tag != "" {
			deviceTags[id] = lo.ToPtr(tag)
		}
	}
	if tag := mostCommonTag(tally); tag != "" {
		return lo.ToPtr(tag), deviceTags
	}
	return nil, deviceTags
}

func mostCommonTag(counts map[string]int) string {
	best, bestCount := "", 0
	for tag, count := range counts {
		if count > bestCount || (count == bestCount && tag < best) {
			best, bestCount = tag, count
		}
	}
	return best
}

// Tick advances every unfinished rollout one step. Each rollout is handled
// in its own transactions so one failure cannot wedge the rest.
func (o *Orchestrator) Tick(ctx context.Context) error {
	rollouts, err := o.store.Rollout().ListUnfinished(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var errs []error
	for i := range rollouts {
		id := rollouts[i].RolloutID
		if err := o.processRollout(ctx, id, now); err != nil {
			o.log.WithError(err).WithField("rollout", id).Error("rollout tick failed")
			o.publishTickFailure(ctx, id, err)
			errs = append(errs, fmt.Errorf("rollout %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) publishTickFailure(ctx context.Context, id uuid.UUID, cause error) {
	event := events.RolloutTickFailed(id, cause.Error(),
		events.WithCorrelation(id), events.WithSource(api.EventSourceRollout))
	if err := o.store.Event().Publish(ctx, event); err != nil {
		o.log.WithError(err).Warn("failed to publish tick failure event")
	}
}

// processRollout runs one tick step for one rollout. Database work happens
// under the rollout row lock; health probes run between the two locked
// phases so slow devices never hold the lock.
func (o *Orchestrator) processRollout(ctx context.Context, id uuid.UUID, now time.Time) error {
	probes, err := o.stepRollout(ctx, id, now)
	if err != nil || len(probes) == 0 {
		return err
	}
	results := o.runProbes(ctx, probes)
	return o.applyProbeResults(ctx, id, results, now)
}

// probeRequest is one device due for verification, captured while the
// rollout row was locked so the probe itself can run outside the
// transaction.
type probeRequest struct {
	status api.DeviceRolloutStatus
	spec   *api.HealthCheckSpec
	target Target
}

type probeResult struct {
	status   api.DeviceRolloutStatus
	attempts int
	err      error
}

func (o *Orchestrator) stepRollout(ctx context.Context, id uuid.UUID, now time.Time) ([]probeRequest, error) {
	var probes []probeRequest
	err := o.store.Transaction(ctx, func(tx store.Store) error {
		rollout, err := tx.Rollout().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		switch rollout.Status {
		case api.RolloutStatusPending:
			return o.maybeStartScheduled(ctx, tx, rollout, now)
		case api.RolloutStatusRunning, api.RolloutStatusCancelled:
		default:
			// Paused rollouts freeze until resumed; terminal ones are done.
			return nil
		}

		policy, err := o.loadPolicy(ctx, tx, rollout)
		if err != nil {
			return err
		}

		probes, err = o.progressDevices(ctx, tx, rollout, policy, now)
		if err != nil {
			return err
		}

		if rollout.Status == api.RolloutStatusCancelled {
			return o.settleCancelled(ctx, tx, rollout, now)
		}
		if len(probes) > 0 {
			// Batch evaluation waits until this tick's probes land.
			return tx.Rollout().Update(ctx, rollout)
		}
		return o.evaluateBatch(ctx, tx, rollout, policy, now)
	})
	return probes, err
}

// maybeStartScheduled starts a scheduled rollout once its maintenance
// window opens. Manual rollouts stay pending until an operator starts them.
func (o *Orchestrator) maybeStartScheduled(ctx context.Context, tx store.Store, rollout *api.Rollout, now time.Time) error {
	if rollout.Strategy != api.RolloutStrategyScheduled {
		return nil
	}
	policy, err := o.loadPolicy(ctx, tx, rollout)
	if err != nil {
		return err
	}
	open, err := WindowOpenAt(windowOf(policy), now)
	if err != nil {
		return err
	}
	if !open {
		return nil
	}
	return o.startRollout(ctx, tx, rollout, policy, now)
}

// startRollout flips pending to running and activates the first batch.
func (o *Orchestrator) startRollout(ctx context.Context, tx store.Store, rollout *api.Rollout, policy *api.RolloutPolicy, now time.Time) error {
	next, changed, err := Apply(rollout.Status, TransitionStart)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	rollout.Status = next
	rollout.StartedAt = lo.ToPtr(now)
	rollout.CurrentBatch = 1
	rollout.NextBatchEligibleAt = lo.ToPtr(now.Add(batchDelay(policy)))
	if err := o.activateBatch(ctx, tx, rollout, 1, now); err != nil {
		return err
	}
	return tx.Rollout().Update(ctx, rollout)
}

// activateBatch rewrites targets for every scheduled device in the batch
// and flips them to updating.
func (o *Orchestrator) activateBatch(ctx context.Context, tx store.Store, rollout *api.Rollout, batch int, now time.Time) error {
	devices, err := tx.Rollout().ListDeviceStatuses(ctx, rollout.RolloutID, lo.ToPtr(batch),
		[]api.DeviceUpdateStatus{api.DeviceUpdateScheduled})
	if err != nil {
		return err
	}
	for i := range devices {
		device := &devices[i]
		if _, _, err := ApplyImageTag(ctx, tx, device.DeviceUUID, rollout.ImageName, rollout.NewTag); err != nil {
			return err
		}
		device.Status = api.DeviceUpdateUpdating
		device.UpdateStartedAt = lo.ToPtr(now)
		if err := tx.Rollout().UpdateDeviceStatus(ctx, device); err != nil {
			return err
		}
	}
	rollout.Counters.Updated += len(devices)
	event := events.RolloutBatchStarted(rollout.RolloutID, batch, len(devices),
		events.WithCorrelation(rollout.RolloutID), events.WithSource(api.EventSourceRollout))
	return tx.Event().Publish(ctx, event)
}

// progressDevices walks every in-flight device: updating devices move to
// verifying once they report the new tag or the grace period expires, and
// verifying devices either succeed outright (no health check configured)
// or are queued for probing.
func (o *Orchestrator) progressDevices(ctx context.Context, tx store.Store, rollout *api.Rollout, policy *api.RolloutPolicy, now time.Time) ([]probeRequest, error) {
	inflight, err := tx.Rollout().ListDeviceStatuses(ctx, rollout.RolloutID, nil,
		[]api.DeviceUpdateStatus{api.DeviceUpdateUpdating, api.DeviceUpdateVerifying})
	if err != nil {
		return nil, err
	}

	var spec *api.HealthCheckSpec
	if policy != nil {
		spec = policy.HealthCheck
	}

	var probes []probeRequest
	for i := range inflight {
		device := &inflight[i]
		if device.Status == api.DeviceUpdateUpdating {
			moved, err := o.maybeBeginVerify(ctx, tx, rollout, device, now)
			if err != nil {
				return nil, err
			}
			if !moved {
				continue
			}
		}
		if spec == nil {
			// No check configured: the update counts as soon as the device
			// reaches verification.
			if err := o.succeedDevice(ctx, tx, rollout, device, now); err != nil {
				return nil, err
			}
			continue
		}
		target, err := o.probeTarget(ctx, tx, rollout, device.DeviceUUID)
		if err != nil {
			return nil, err
		}
		probes = append(probes, probeRequest{status: *device, spec: spec, target: target})
	}
	return probes, nil
}

// maybeBeginVerify flips an updating device to verifying once its reported
// state carries the new tag, or once the grace period gives up waiting for
// the report.
func (o *Orchestrator) maybeBeginVerify(ctx context.Context, tx store.Store, rollout *api.Rollout, device *api.DeviceRolloutStatus, now time.Time) (bool, error) {
	observed, err := o.deviceReportsTag(ctx, tx, device.DeviceUUID, rollout.ImageName, rollout.NewTag)
	if err != nil {
		return false, err
	}
	if !observed {
		started := device.ScheduledAt
		if device.UpdateStartedAt != nil {
			started = *device.UpdateStartedAt
		}
		if now.Sub(started) < o.verifyGracePeriod {
			return false, nil
		}
	}
	device.Status = api.DeviceUpdateVerifying
	return true, tx.Rollout().UpdateDeviceStatus(ctx, device)
}

func (o *Orchestrator) deviceReportsTag(ctx context.Context, tx store.Store, deviceID uuid.UUID, repo, tag string) (bool, error) {
	doc, _, _, err := tx.DeviceState().GetCurrent(ctx, deviceID)
	if err != nil {
		if errors.Is(err, flerrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return documentRunsImage(doc, repo, tag), nil
}

func (o *Orchestrator) probeTarget(ctx context.Context, tx store.Store, rollout *api.Rollout, deviceID uuid.UUID) (Target, error) {
	device, err := tx.Device().Get(ctx, deviceID)
	if err != nil {
		return Target{}, err
	}
	target := Target{
		DeviceUUID: device.UUID,
		DeviceIP:   device.IPAddress,
		Repo:       rollout.ImageName,
		NewTag:     rollout.NewTag,
	}
	doc, _, _, err := tx.DeviceState().GetCurrent(ctx, deviceID)
	if err != nil && !errors.Is(err, flerrors.ErrNotFound) {
		return Target{}, err
	}
	target.Current = doc
	return target, nil
}

// runProbes executes health checks outside any transaction with bounded
// concurrency.
func (o *Orchestrator) runProbes(ctx context.Context, probes []probeRequest) []probeResult {
	results := make([]probeResult, len(probes))
	var group errgroup.Group
	group.SetLimit(o.probeLimit)
	for i := range probes {
		group.Go(func() error {
			probe := probes[i]
			attempts, err := o.checker.Check(ctx, probe.spec, probe.target)
			results[i] = probeResult{status: probe.status, attempts: attempts, err: err}
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// applyProbeResults writes probe outcomes back under the rollout lock and
// then resumes batch evaluation. Devices whose status moved while probes
// ran (an operator rollback, say) are left alone.
func (o *Orchestrator) applyProbeResults(ctx context.Context, id uuid.UUID, results []probeResult, now time.Time) error {
	return o.store.Transaction(ctx, func(tx store.Store) error {
		rollout, err := tx.Rollout().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		policy, err := o.loadPolicy(ctx, tx, rollout)
		if err != nil {
			return err
		}

		for i := range results {
			result := &results[i]
			device, err := tx.Rollout().GetDeviceStatus(ctx, rollout.RolloutID, result.status.DeviceUUID)
			if err != nil {
				if errors.Is(err, flerrors.ErrNotFound) {
					continue
				}
				return err
			}
			if device.Status != api.DeviceUpdateVerifying {
				continue
			}
			device.HealthCheckedAt = lo.ToPtr(now)
			device.RetryCount = result.attempts
			device.HealthCheckPassed = lo.ToPtr(result.err == nil)
			if result.err == nil {
				rollout.Counters.Healthy++
				if err := o.succeedDevice(ctx, tx, rollout, device, now); err != nil {
					return err
				}
				continue
			}
			if err := o.failDevice(ctx, tx, rollout, policy, device, now, result.err); err != nil {
				return err
			}
		}

		switch rollout.Status {
		case api.RolloutStatusRunning:
			return o.evaluateBatch(ctx, tx, rollout, policy, now)
		case api.RolloutStatusCancelled:
			return o.settleCancelled(ctx, tx, rollout, now)
		default:
			return tx.Rollout().Update(ctx, rollout)
		}
	})
}

func (o *Orchestrator) succeedDevice(ctx context.Context, tx store.Store, rollout *api.Rollout, device *api.DeviceRolloutStatus, now time.Time) error {
	device.Status = api.DeviceUpdateSucceeded
	device.UpdateCompletedAt = lo.ToPtr(now)
	device.ErrorMessage = ""
	if err := tx.Rollout().UpdateDeviceStatus(ctx, device); err != nil {
		return err
	}
	event := events.DeviceUpdateSucceeded(device.DeviceUUID, rollout.RolloutID,
		rollout.ImageName, rollout.NewTag,
		events.WithCorrelation(rollout.RolloutID), events.WithSource(api.EventSourceRollout))
	return tx.Event().Publish(ctx, event)
}

func (o *Orchestrator) failDevice(ctx context.Context, tx store.Store, rollout *api.Rollout, policy *api.RolloutPolicy, device *api.DeviceRolloutStatus, now time.Time, cause error) error {
	device.Status = api.DeviceUpdateFailed
	device.UpdateCompletedAt = lo.ToPtr(now)
	device.ErrorMessage = truncateError(cause)
	if err := tx.Rollout().UpdateDeviceStatus(ctx, device); err != nil {
		return err
	}
	event := events.DeviceUpdateFailed(device.DeviceUUID, rollout.RolloutID,
		rollout.ImageName, rollout.NewTag, device.ErrorMessage,
		events.WithCorrelation(rollout.RolloutID), events.WithSource(api.EventSourceRollout))
	if err := tx.Event().Publish(ctx, event); err != nil {
		return err
	}
	if policy != nil && policy.AutoRollback {
		return o.rollbackDeviceTx(ctx, tx, rollout, device, now, "health check failed",
			events.WithCausation(event.EventID))
	}
	return nil
}

// evaluateBatch applies the batch progression rules and persists the
// rollout row. The caller must hold the rollout lock.
func (o *Orchestrator) evaluateBatch(ctx context.Context, tx store.Store, rollout *api.Rollout, policy *api.RolloutPolicy, now time.Time) error {
	if _, err := o.recomputeCounters(ctx, tx, rollout); err != nil {
		return err
	}

	batch := rollout.CurrentBatch
	devices, err := tx.Rollout().ListDeviceStatuses(ctx, rollout.RolloutID, &batch, nil)
	if err != nil {
		return err
	}
	unfinished := lo.CountBy(devices, func(d api.DeviceRolloutStatus) bool { return !d.Status.IsTerminal() })
	if unfinished > 0 {
		return tx.Rollout().Update(ctx, rollout)
	}

	failed := lo.CountBy(devices, func(d api.DeviceRolloutStatus) bool {
		return d.Status == api.DeviceUpdateFailed || d.Status == api.DeviceUpdateRolledBack
	})
	var failureRate float64
	if len(devices) > 0 {
		failureRate = float64(failed) / float64(len(devices))
	}
	if limit := maxFailureRate(policy); failureRate > limit {
		return o.pauseForFailures(ctx, tx, rollout, batch, failureRate, limit, now)
	}

	if rollout.CurrentBatch < len(rollout.BatchFractions) {
		// The configured delay paces batch starts; a settled batch still
		// pauses or completes without waiting for it.
		if rollout.NextBatchEligibleAt != nil && rollout.NextBatchEligibleAt.After(now) {
			return tx.Rollout().Update(ctx, rollout)
		}
		return o.advanceBatch(ctx, tx, rollout, policy, now)
	}
	return o.finishRollout(ctx, tx, rollout, now)
}

func (o *Orchestrator) pauseForFailures(ctx context.Context, tx store.Store, rollout *api.Rollout, batch int, rate, limit float64, now time.Time) error {
	next, changed, err := Apply(rollout.Status, TransitionPause)
	if err != nil {
		return err
	}
	if changed {
		rollout.Status = next
		rollout.StatusReason = fmt.Sprintf("batch %d failure rate %.2f exceeds limit %.2f", batch, rate, limit)
		o.log.WithFields(logrus.Fields{
			"rollout":     rollout.RolloutID,
			"batch":       batch,
			"failureRate": rate,
		}).Warn("pausing rollout, failure rate over limit")
		event := events.RolloutPaused(rollout.RolloutID, batch, rate, rollout.StatusReason,
			events.WithCorrelation(rollout.RolloutID), events.WithSource(api.EventSourceRollout))
		if err := tx.Event().Publish(ctx, event); err != nil {
			return err
		}
	}
	return tx.Rollout().Update(ctx, rollout)
}

// advanceBatch starts the next batch if the maintenance window allows it.
// A closed window leaves currentBatch untouched; the next tick retries.
func (o *Orchestrator) advanceBatch(ctx context.Context, tx store.Store, rollout *api.Rollout, policy *api.RolloutPolicy, now time.Time) error {
	open, err := WindowOpenAt(windowOf(policy), now)
	if err != nil {
		return err
	}
	if !open {
		return tx.Rollout().Update(ctx, rollout)
	}
	rollout.CurrentBatch++
	rollout.NextBatchEligibleAt = lo.ToPtr(now.Add(batchDelay(policy)))
	if err := o.activateBatch(ctx, tx, rollout, rollout.CurrentBatch, now); err != nil {
		return err
	}
	return tx.Rollout().Update(ctx, rollout)
}

// finishRollout closes out a rollout whose final batch settled: completed
// when at least one device succeeded, failed when none did.
func (o *Orchestrator) finishRollout(ctx context.Context, tx store.Store, rollout *api.Rollout, now time.Time) error {
	counters := rollout.Counters
	transition := TransitionComplete
	if counters.Succeeded == 0 && rollout.TotalDevices > 0 {
		transition = TransitionFail
	}
	next, changed, err := Apply(rollout.Status, transition)
	if err != nil {
		return err
	}
	if changed {
		rollout.Status = next
		rollout.FinishedAt = lo.ToPtr(now)
		var event api.Event
		if transition == TransitionFail {
			rollout.StatusReason = "no device completed the update"
			event = events.RolloutFailed(rollout.RolloutID, rollout.StatusReason,
				counters.Succeeded, counters.Failed, counters.RolledBack,
				events.WithCorrelation(rollout.RolloutID), events.WithSource(api.EventSourceRollout))
		} else {
			event = events.RolloutCompleted(rollout.RolloutID,
				counters.Succeeded, counters.Failed, counters.RolledBack,
				events.WithCorrelation(rollout.RolloutID), events.WithSource(api.EventSourceRollout))
		}
		if err := tx.Event().Publish(ctx, event); err != nil {
			return err
		}
		o.log.WithFields(logrus.Fields{
			"rollout": rollout.RolloutID,
			"status":  rollout.Status,
		}).Info("rollout finished")
	}
	return tx.Rollout().Update(ctx, rollout)
}

// settleCancelled stamps finishedAt once a cancelled rollout has no more
// devices in flight.
func (o *Orchestrator) settleCancelled(ctx context.Context, tx store.Store, rollout *api.Rollout, now time.Time) error {
	counts, err := o.recomputeCounters(ctx, tx, rollout)
	if err != nil {
		return err
	}
	if rollout.FinishedAt == nil &&
		counts[api.DeviceUpdateUpdating]+counts[api.DeviceUpdateVerifying] == 0 {
		rollout.FinishedAt = lo.ToPtr(now)
	}
	return tx.Rollout().Update(ctx, rollout)
}

// recomputeCounters refreshes the device counters from the status rows.
// Healthy is maintained where checks run; a passed check is not
// reconstructible from status counts alone.
func (o *Orchestrator) recomputeCounters(ctx context.Context, tx store.Store, rollout *api.Rollout) (map[api.DeviceUpdateStatus]int, error) {
	counts, err := tx.Rollout().CountDeviceStatuses(ctx, rollout.RolloutID)
	if err != nil {
		return nil, err
	}
	rollout.Counters.Updated = rollout.TotalDevices - counts[api.DeviceUpdateScheduled]
	rollout.Counters.Succeeded = counts[api.DeviceUpdateSucceeded]
	rollout.Counters.Failed = counts[api.DeviceUpdateFailed]
	rollout.Counters.RolledBack = counts[api.DeviceUpdateRolledBack]
	return counts, nil
}

// loadPolicy resolves the rollout's policy. A deleted policy degrades to
// defaults rather than wedging the rollout.
func (o *Orchestrator) loadPolicy(ctx context.Context, tx store.Store, rollout *api.Rollout) (*api.RolloutPolicy, error) {
	if rollout.PolicyID == nil {
		return nil, nil
	}
	policy, err := tx.RolloutPolicy().Get(ctx, *rollout.PolicyID)
	if err != nil {
		if errors.Is(err, flerrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return policy, nil
}

func batchDelay(policy *api.RolloutPolicy) time.Duration {
	minutes := api.DefaultBatchDelayMinutes
	if policy != nil && policy.BatchDelayMinutes > 0 {
		minutes = policy.BatchDelayMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func windowOf(policy *api.RolloutPolicy) *api.MaintenanceWindow {
	if policy == nil {
		return nil
	}
	return policy.MaintenanceWindow
}

func maxFailureRate(policy *api.RolloutPolicy) float64 {
	if policy != nil && policy.MaxFailureRate > 0 {
		return policy.MaxFailureRate
	}
	return api.DefaultMaxFailureRate
}

const maxErrorMessageLen = 512

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	return msg
}
