package rollout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/pkg/poll"
)

// Target identifies one device to verify after an update.
type Target struct {
	DeviceUUID uuid.UUID
	DeviceIP   string
	Repo       string
	NewTag     string
	// Current is the device's last reported state, consulted by container
	// checks. May be nil when the device has not reported yet.
	Current *api.StateDocument
}

// Checker verifies a device after its target state was rewritten. It
// returns how many probe attempts were made and a nil error when the
// device passed.
type Checker interface {
	Check(ctx context.Context, spec *api.HealthCheckSpec, target Target) (int, error)
}

// ProbeChecker probes devices over the network and inspects reported state.
type ProbeChecker struct {
	client *http.Client
	dialer *net.Dialer
	log    logrus.FieldLogger
}

var _ Checker = (*ProbeChecker)(nil)

func NewProbeChecker(log logrus.FieldLogger) *ProbeChecker {
	return &ProbeChecker{
		client: &http.Client{
			// Per-probe deadlines come from the request context.
			Transport: &http.Transport{
				DisableKeepAlives:   true,
				MaxIdleConnsPerHost: 2,
			},
		},
		dialer: &net.Dialer{},
		log:    log,
	}
}

func (c *ProbeChecker) Check(ctx context.Context, spec *api.HealthCheckSpec, target Target) (int, error) {
	filled := withCheckDefaults(spec)
	switch filled.Type {
	case api.HealthCheckContainer:
		// Decided by the device's last report; retrying within a tick
		// cannot observe anything newer.
		return 1, checkContainer(target)
	case api.HealthCheckHTTP:
		return c.probeWithRetries(ctx, &filled, func(ctx context.Context) error {
			return c.probeHTTP(ctx, &filled, target)
		})
	case api.HealthCheckTCP:
		return c.probeWithRetries(ctx, &filled, func(ctx context.Context) error {
			return c.probeTCP(ctx, &filled, target)
		})
	default:
		return 0, fmt.Errorf("unsupported health check type %q", filled.Type)
	}
}

func withCheckDefaults(spec *api.HealthCheckSpec) api.HealthCheckSpec {
	filled := *spec
	if filled.TimeoutSeconds <= 0 {
		filled.TimeoutSeconds = int(api.DefaultHealthCheckTimeout / time.Second)
	}
	if filled.Retries <= 0 {
		filled.Retries = api.DefaultHealthCheckRetries
	}
	if filled.IntervalSeconds <= 0 {
		filled.IntervalSeconds = int(api.DefaultHealthCheckInterval / time.Second)
	}
	if len(filled.ExpectedStatus) == 0 {
		filled.ExpectedStatus = api.DefaultExpectedStatus
	}
	return filled
}

// probeWithRetries runs probe up to spec.Retries times, spec.Interval
// apart, each attempt bounded by spec.Timeout. The first success wins.
func (c *ProbeChecker) probeWithRetries(ctx context.Context, spec *api.HealthCheckSpec, probe func(context.Context) error) (int, error) {
	maxAttempts := spec.Retries
	interval := time.Duration(spec.IntervalSeconds) * time.Second
	perProbe := time.Duration(spec.TimeoutSeconds) * time.Second

	attempts := 0
	var lastErr error
	op := func(ctx context.Context) (bool, error) {
		attempts++
		probeCtx, cancel := context.WithTimeout(ctx, perProbe)
		err := probe(probeCtx)
		cancel()
		if err == nil {
			return true, nil
		}
		lastErr = err
		if attempts >= maxAttempts {
			return false, fmt.Errorf("health check failed after %d attempts: %w", attempts, err)
		}
		return false, nil
	}

	overall := time.Duration(maxAttempts)*(perProbe+interval) + time.Second
	cfg := &poll.Config{BaseDelay: interval, Factor: 1.0, MaxDelay: interval}
	err := poll.BackoffWithContext(ctx, cfg, overall, op)
	if err != nil && lastErr != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("health check timed out: %w", lastErr)
	}
	return attempts, err
}

// ExpandEndpoint substitutes the {device_ip} and {device_uuid} placeholders
// of an endpoint template.
func ExpandEndpoint(template string, target Target) string {
	return strings.NewReplacer(
		"{device_ip}", target.DeviceIP,
		"{device_uuid}", target.DeviceUUID.String(),
	).Replace(template)
}

func (c *ProbeChecker) probeHTTP(ctx context.Context, spec *api.HealthCheckSpec, target Target) error {
	url := ExpandEndpoint(spec.Endpoint, target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if !lo.Contains(spec.ExpectedStatus, resp.StatusCode) {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}

func (c *ProbeChecker) probeTCP(ctx context.Context, spec *api.HealthCheckSpec, target Target) error {
	addr := ExpandEndpoint(spec.Endpoint, target)
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// checkContainer asserts that the device reports a service running the
// rolled image, and that no service still runs the repo at another tag.
func checkContainer(target Target) error {
	if target.Current == nil {
		return errors.New("device has not reported any state")
	}
	found := false
	for _, app := range target.Current.Apps {
		for _, svc := range app.Services {
			ref, err := api.ParseImageRef(svc.ImageName)
			if err != nil || ref.Repo != target.Repo {
				continue
			}
			if ref.Tag != target.NewTag {
				return fmt.Errorf("service %s still reports %s", svc.ServiceName, svc.ImageName)
			}
			switch strings.ToLower(svc.Status) {
			case "running", "healthy":
				found = true
			default:
				return fmt.Errorf("service %s reports image %s with status %q", svc.ServiceName, svc.ImageName, svc.Status)
			}
		}
	}
	if !found {
		return fmt.Errorf("no service reporting image %s:%s", target.Repo, target.NewTag)
	}
	return nil
}

// documentRunsImage reports whether any service in doc runs repo:tag.
func documentRunsImage(doc *api.StateDocument, repo, tag string) bool {
	if doc == nil {
		return false
	}
	for _, app := range doc.Apps {
		for _, svc := range app.Services {
			ref, err := api.ParseImageRef(svc.ImageName)
			if err == nil && ref.Repo == repo && ref.Tag == tag {
				return true
			}
		}
	}
	return false
}
