package auth

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	api "github.com/flockctl/flockctl/api/v1"
)

// RequireOperator guards operator endpoints. With auth disabled every
// request passes through untouched.
func (v *Validator) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.enabled {
			next.ServeHTTP(w, r)
			return
		}
		token, err := ExtractBearerToken(r)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, api.ErrorKindUnauthorized, err.Error())
			return
		}
		identity, err := v.ValidateOperator(r.Context(), token)
		if err != nil {
			v.log.WithError(err).Debug("operator authentication failed")
			writeAuthError(w, http.StatusUnauthorized, api.ErrorKindUnauthorized, "invalid operator credential")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireDevice guards device endpoints and pins the caller to the device
// named in the route: a device token only opens that device's resources.
// Mount inside a route that binds the {uuid} parameter.
func (v *Validator) RequireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.enabled {
			next.ServeHTTP(w, r)
			return
		}
		token, err := ExtractBearerToken(r)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, api.ErrorKindUnauthorized, err.Error())
			return
		}
		identity, err := v.ValidateDevice(r.Context(), token)
		if err != nil {
			v.log.WithError(err).Debug("device authentication failed")
			writeAuthError(w, http.StatusUnauthorized, api.ErrorKindUnauthorized, "invalid device credential")
			return
		}
		if raw := chi.URLParam(r, "uuid"); raw != "" {
			id, err := uuid.Parse(raw)
			if err == nil && id != identity.DeviceID {
				writeAuthError(w, http.StatusForbidden, api.ErrorKindForbidden, "token does not match device")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func writeAuthError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.NewError(kind, message))
}
