package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/rollout"
)

// ProcessRegistryWebhook turns a registry push notification into a rollout.
// Failing to match a policy is a normal outcome: the response then carries
// the parsed image and tag but no rollout id.
func (h *ServiceHandler) ProcessRegistryWebhook(ctx context.Context, body []byte, signature string) (*api.WebhookResponse, error) {
	if h.webhookSecret != "" {
		if err := VerifySignature(body, signature, h.webhookSecret); err != nil {
			return nil, err
		}
	}
	image, tag, err := api.ParsePushWebhook(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flerrors.ErrInvalidInput, err)
	}

	created, err := h.rollouts.CreateFromImage(ctx, rollout.CreateParams{
		Image:       image,
		NewTag:      tag,
		TriggeredBy: "webhook",
		Payload:     body,
	})
	if err != nil {
		return nil, err
	}

	resp := &api.WebhookResponse{Image: image, Tag: tag}
	if created != nil {
		resp.RolloutID = &created.RolloutID
		resp.MatchedPolicy = created.PolicyID
	}
	return resp, nil
}

// VerifySignature checks an X-Hub-Signature value, hex HMAC-SHA256 of the
// raw body with an optional "sha256=" prefix, against the shared secret in
// constant time. Once a secret is configured the header is mandatory; an
// unsigned push must not look like a signed one that happened to fail.
func VerifySignature(body []byte, signature, secret string) error {
	if signature == "" {
		return fmt.Errorf("%w: X-Hub-Signature header is required", flerrors.ErrInvalidSignature)
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: signature is not valid hex", flerrors.ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return flerrors.ErrInvalidSignature
	}
	return nil
}
