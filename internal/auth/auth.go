// Package auth validates the opaque credentials presented to the API.
// Devices authenticate with "Bearer <uuid>:<device-key>", operators with
// "Bearer <operator-key>"; both keys come from the auth section of the
// config file. An absent auth section disables checking entirely, which is
// the development mode.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const AuthHeader = "Authorization"

type ctxKey string

const identityCtxKey ctxKey = "IdentityCtxKey"

type Kind string

const (
	KindDevice   Kind = "device"
	KindOperator Kind = "operator"
)

// Identity describes the authenticated caller. DeviceID is set only for
// device identities.
type Identity struct {
	Kind     Kind
	DeviceID uuid.UUID
}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey, identity)
}

func GetIdentity(ctx context.Context) (*Identity, error) {
	identity, ok := ctx.Value(identityCtxKey).(*Identity)
	if !ok {
		return nil, fmt.Errorf("no identity in context")
	}
	return identity, nil
}

// ExtractBearerToken returns the bearer token from the Authorization
// header of r, or an error when the header is missing or malformed.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get(AuthHeader)
	if header == "" {
		return "", fmt.Errorf("empty %s header", AuthHeader)
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return "", fmt.Errorf("invalid %s header", AuthHeader)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}
