package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
)

var _ = Describe("Registry webhook", func() {
	const secret = "hook-secret"

	var (
		ctx     context.Context
		ts      *TestStore
		handler *ServiceHandler
	)

	sign := func(body []byte, key string) string {
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write(body)
		return "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	dockerHubPush := func(repo, tag string) []byte {
		return []byte(fmt.Sprintf(`{"push_data":{"tag":%q},"repository":{"repo_name":%q}}`, tag, repo))
	}

	// deployCollector registers a device whose target state runs
	// acme/collector at the given tag.
	deployCollector := func(tag string) *api.Device {
		device := registerTestDevice(handler, "edge-"+tag)
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
		_, err := handler.ReplaceTargetState(ctx, device.UUID, doc, "")
		Expect(err).ToNot(HaveOccurred())
		return device
	}

	manualPolicy := func(pattern string) *api.RolloutPolicy {
		policy, err := handler.CreatePolicy(ctx, api.CreatePolicyRequest{
			ImagePattern: pattern,
			Strategy:     api.RolloutStrategyManual,
		})
		Expect(err).ToNot(HaveOccurred())
		return policy
	}

	BeforeEach(func() {
		ctx = context.Background()
		ts = NewTestStore()
		handler = newRolloutTestHandler(ts, stubChecker{}, secret)
	})

	It("creates a pending rollout from a signed Docker Hub push", func() {
		policy := manualPolicy("acme/*")
		deployCollector("1.2.0")

		body := dockerHubPush("acme/collector", "1.3.0")
		resp, err := handler.ProcessRegistryWebhook(ctx, body, sign(body, secret))
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Image).To(Equal("acme/collector"))
		Expect(resp.Tag).To(Equal("1.3.0"))
		Expect(resp.RolloutID).ToNot(BeNil())
		Expect(resp.MatchedPolicy).ToNot(BeNil())
		Expect(*resp.MatchedPolicy).To(Equal(policy.ID))

		created, err := handler.GetRollout(ctx, *resp.RolloutID)
		Expect(err).ToNot(HaveOccurred())
		Expect(created.Status).To(Equal(api.RolloutStatusPending))
		Expect(created.TotalDevices).To(Equal(1))
		Expect(created.TriggeredBy).To(Equal("webhook"))
		Expect(created.OldTag).ToNot(BeNil())
		Expect(*created.OldTag).To(Equal("1.2.0"))
		Expect(string(created.WebhookPayload)).To(Equal(string(body)))
		Expect(ts.EventTypes()).To(ContainElement(api.EventRolloutCreated))
	})

	It("answers a repeated push with the already active rollout", func() {
		manualPolicy("acme/*")
		deployCollector("1.2.0")

		body := dockerHubPush("acme/collector", "1.3.0")
		first, err := handler.ProcessRegistryWebhook(ctx, body, sign(body, secret))
		Expect(err).ToNot(HaveOccurred())
		second, err := handler.ProcessRegistryWebhook(ctx, body, sign(body, secret))
		Expect(err).ToNot(HaveOccurred())

		Expect(second.RolloutID).ToNot(BeNil())
		Expect(*second.RolloutID).To(Equal(*first.RolloutID))
		Expect(lo.Count(ts.EventTypes(), api.EventRolloutCreated)).To(Equal(1))
	})

	It("accepts the GHCR package payload shape", func() {
		manualPolicy("acme/*")
		deployCollector("1.2.0")

		body := []byte(`{"package":{"name":"acme/collector"},"package_version":{"container_metadata":{"tag":{"name":"2.0.0"}}}}`)
		resp, err := handler.ProcessRegistryWebhook(ctx, body, sign(body, secret))
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Image).To(Equal("acme/collector"))
		Expect(resp.Tag).To(Equal("2.0.0"))
		Expect(resp.RolloutID).ToNot(BeNil())
	})

	It("reports the parsed image without a rollout when no policy matches", func() {
		deployCollector("1.2.0")

		body := dockerHubPush("acme/collector", "1.3.0")
		resp, err := handler.ProcessRegistryWebhook(ctx, body, sign(body, secret))
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Image).To(Equal("acme/collector"))
		Expect(resp.Tag).To(Equal("1.3.0"))
		Expect(resp.RolloutID).To(BeNil())
		Expect(resp.MatchedPolicy).To(BeNil())

		rollouts, err := handler.ListRollouts(ctx, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(rollouts).To(BeEmpty())
	})

	It("skips the rollout when no device runs the image", func() {
		manualPolicy("acme/*")

		body := dockerHubPush("acme/collector", "1.3.0")
		resp, err := handler.ProcessRegistryWebhook(ctx, body, sign(body, secret))
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.RolloutID).To(BeNil())
	})

	It("rejects a payload matching neither registry shape", func() {
		body := []byte(`{"ping":"pong"}`)
		_, err := handler.ProcessRegistryWebhook(ctx, body, sign(body, secret))
		Expect(err).To(MatchError(flerrors.ErrInvalidInput))
	})

	Context("signature verification", func() {
		var body []byte

		BeforeEach(func() {
			body = dockerHubPush("acme/collector", "1.3.0")
		})

		It("rejects a missing signature once a secret is configured", func() {
			_, err := handler.ProcessRegistryWebhook(ctx, body, "")
			Expect(err).To(MatchError(flerrors.ErrInvalidSignature))
		})

		It("rejects a signature computed with the wrong secret", func() {
			_, err := handler.ProcessRegistryWebhook(ctx, body, sign(body, "not-the-secret"))
			Expect(err).To(MatchError(flerrors.ErrInvalidSignature))
		})

		It("rejects a signature over a tampered body", func() {
			tampered := dockerHubPush("acme/collector", "9.9.9")
			_, err := handler.ProcessRegistryWebhook(ctx, tampered, sign(body, secret))
			Expect(err).To(MatchError(flerrors.ErrInvalidSignature))
		})

		It("rejects a signature that is not hex", func() {
			_, err := handler.ProcessRegistryWebhook(ctx, body, "sha256=zz-not-hex")
			Expect(err).To(MatchError(flerrors.ErrInvalidSignature))
		})

		It("accepts a bare hex signature without the sha256 prefix", func() {
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(body)
			bare := hex.EncodeToString(mac.Sum(nil))

			resp, err := handler.ProcessRegistryWebhook(ctx, body, bare)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Image).To(Equal("acme/collector"))
		})

		It("skips verification when no secret is configured", func() {
			open := newRolloutTestHandler(ts, stubChecker{}, "")
			resp, err := open.ProcessRegistryWebhook(ctx, body, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Image).To(Equal("acme/collector"))
		})
	})
})
