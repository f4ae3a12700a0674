package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// RateLimitOptions configures rate limiting behavior.
type RateLimitOptions struct {
	Requests       int
	Window         time.Duration
	Message        string
	TrustedProxies []string
}

// getClientIPFromRequest extracts the client IP from the request's RemoteAddr.
// Returns the IP portion, falling back to the full RemoteAddr if parsing fails.
func getClientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IPRateLimiter creates an IP-based rate limiter.
// Note: should be used with TrustedRealIP middleware for proper proxy handling.
func IPRateLimiter(requests int, window time.Duration, message string) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			// r.RemoteAddr holds the real IP if TrustedRealIP ran before us.
			return getClientIPFromRequest(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			if err := json.NewEncoder(w).Encode(api.NewError(api.ErrorKindRateLimited, message)); err != nil {
				// If JSON encoding fails, we can't do much more.
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}),
	)
}

// InstallIPRateLimiter installs TrustedRealIP + the IP-based rate limiter on
// the router.
func InstallIPRateLimiter(r chi.Router, opts RateLimitOptions) {
	// Only trust forwarding headers when the immediate peer is listed.
	if len(opts.TrustedProxies) > 0 {
		r.Use(TrustedRealIP(opts.TrustedProxies))
	}
	r.Use(IPRateLimiter(opts.Requests, opts.Window, opts.Message))
}

// TrustedRealIP middleware extracts the real client IP from trusted proxy headers.
// It only trusts X-Forwarded-For, X-Real-IP, and True-Client-IP headers when the
// immediate peer (r.RemoteAddr) is in the trustedProxies list.
// If the peer is not trusted, headers are silently ignored and r.RemoteAddr is used.
func TrustedRealIP(trustedProxies []string) func(http.Handler) http.Handler {
	// Pre-parse trusted proxy CIDRs and literal IPs once at middleware
	// construction time.
	var trustedNets []*net.IPNet
	for _, entry := range trustedProxies {
		s := strings.TrimSpace(entry)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			if _, n, err := net.ParseCIDR(s); err == nil {
				trustedNets = append(trustedNets, n)
			}
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			// Convert literal IP to a single-host network.
			if ip.To4() != nil {
				trustedNets = append(trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)})
			} else {
				trustedNets = append(trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
			}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trustedNets) > 0 {
				host := getClientIPFromRequest(r)
				if peerIP := net.ParseIP(host); peerIP != nil {
					for _, trustedNet := range trustedNets {
						if trustedNet.Contains(peerIP) {
							// Peer is trusted, extract real IP from headers.
							// Priority: True-Client-IP > X-Real-IP > X-Forwarded-For
							if tc := strings.TrimSpace(r.Header.Get("True-Client-IP")); tc != "" {
								if ip := net.ParseIP(tc); ip != nil {
									r.RemoteAddr = ip.String()
									break
								}
							}
							if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
								if ip := net.ParseIP(xr); ip != nil {
									r.RemoteAddr = ip.String()
									break
								}
							}
							if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
								first := strings.TrimSpace(strings.Split(xff, ",")[0])
								if ip := net.ParseIP(first); ip != nil {
									r.RemoteAddr = ip.String()
									break
								}
							}
							break
						}
					}
				}
				// Untrusted headers are simply ignored, no logging or blocking.
			}
			next.ServeHTTP(w, r)
		})
	}
}
