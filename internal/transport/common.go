package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/service"
)

// Handler binds the service surface to HTTP. Handlers decode and validate
// the request, delegate to the service, and encode the result; every error
// passes through writeError so the taxonomy mapping lives in one place.
type Handler struct {
	service  service.Service
	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewHandler(svc service.Service, log logrus.FieldLogger) *Handler {
	return &Handler{
		service:  svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// writeJSON encodes body into a buffer first to catch encoding errors before
// any byte reaches the client. Responses with no body (204, 304, 1xx) only
// write the status code, per RFC 7231.
func writeJSON(w http.ResponseWriter, body any, code int) {
	if code == http.StatusNoContent || code == http.StatusNotModified || (code >= 100 && code < 200) {
		w.WriteHeader(code)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

// statusFor maps a service error onto the wire taxonomy.
func statusFor(err error) (int, *api.Error) {
	switch {
	case errors.Is(err, flerrors.ErrNotModified):
		return http.StatusNotModified, nil
	case errors.Is(err, flerrors.ErrNotFound),
		errors.Is(err, flerrors.ErrNoTargetState),
		errors.Is(err, flerrors.ErrAppNotInState):
		return http.StatusNotFound, api.NewError(api.ErrorKindNotFound, err.Error())
	case errors.Is(err, flerrors.ErrInvalidInput):
		return http.StatusBadRequest, api.NewError(api.ErrorKindInvalidInput, err.Error())
	case errors.Is(err, flerrors.ErrConflict),
		errors.Is(err, flerrors.ErrDuplicateName),
		errors.Is(err, flerrors.ErrVersionConflict),
		errors.Is(err, flerrors.ErrAppAlreadyInState),
		errors.Is(err, flerrors.ErrApplicationInUse),
		errors.Is(err, flerrors.ErrRolloutActive),
		errors.Is(err, flerrors.ErrRolloutTransition),
		errors.Is(err, flerrors.ErrJobFinalized):
		return http.StatusConflict, api.NewError(api.ErrorKindConflict, err.Error())
	case errors.Is(err, flerrors.ErrInvalidSignature):
		return http.StatusUnauthorized, api.NewError(api.ErrorKindInvalidSignature, err.Error())
	case errors.Is(err, flerrors.ErrUnauthorized):
		return http.StatusUnauthorized, api.NewError(api.ErrorKindUnauthorized, err.Error())
	case errors.Is(err, flerrors.ErrForbidden),
		errors.Is(err, flerrors.ErrDeviceInactive):
		return http.StatusForbidden, api.NewError(api.ErrorKindForbidden, err.Error())
	case errors.Is(err, flerrors.ErrNotReady):
		return http.StatusServiceUnavailable, api.NewError(api.ErrorKindNotReady, err.Error())
	default:
		return http.StatusInternalServerError, api.NewError(api.ErrorKindInternal, err.Error())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.WithError(err).Errorf("%s %s failed", r.Method, r.URL.Path)
	}
	writeJSON(w, body, code)
}

func (h *Handler) writeInvalidInput(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, api.NewErrorf(api.ErrorKindInvalidInput, format, args...), http.StatusBadRequest)
}

// decodeBody decodes the JSON request body into req and runs its validation
// tags. An empty body is an error here; optional-body routes use
// decodeBodyOrEmpty.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.writeInvalidInput(w, "cannot decode request body: %v", err)
		return false
	}
	return h.validateRequest(w, req)
}

// decodeBodyOrEmpty is decodeBody for routes whose body is optional; an
// empty body leaves req at its zero value.
func (h *Handler) decodeBodyOrEmpty(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		h.writeInvalidInput(w, "cannot decode request body: %v", err)
		return false
	}
	return h.validateRequest(w, req)
}

func (h *Handler) validateRequest(w http.ResponseWriter, req any) bool {
	if err := h.validate.Struct(req); err != nil {
		h.writeInvalidInput(w, "invalid request: %v", err)
		return false
	}
	return true
}

// uuidParam parses the named chi route parameter as a UUID. On failure it
// writes the error response and reports false.
func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeInvalidInput(w, "%s is not a valid uuid: %q", name, raw)
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *Handler) int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.writeInvalidInput(w, "%s is not a valid integer id: %q", name, raw)
		return 0, false
	}
	return n, true
}

// queryValues flattens a repeatable query parameter, splitting each value on
// commas, so ?status=a,b and ?status=a&status=b read the same.
func queryValues(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// etagHeader renders a state version as a quoted entity tag.
func etagHeader(version int64) string {
	return fmt.Sprintf("%q", strconv.FormatInt(version, 10))
}
