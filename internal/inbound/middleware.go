package inbound

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultExemptPaths are polled by infrastructure and never limited.
var DefaultExemptPaths = []string{"/livez", "/readyz", "/healthz", "/metrics"}

// KeyFunc derives the caller identity of a request.
type KeyFunc func(r *http.Request) string

// Recorder counts limiter decisions.
type Recorder interface {
	ObserveInbound(allowed bool)
}

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	Limiter *Limiter
	KeyFn   KeyFunc
	// UserHeader carries the authenticated user id set by an upstream auth proxy.
	// It is only read from requests whose peer is in TrustedProxies.
	UserHeader         string
	TrustXForwardedFor bool
	// TrustedProxies are the peers allowed to assert UserHeader and X-Forwarded-For.
	TrustedProxies []netip.Prefix
	ExemptPaths    []string
	Recorder       Recorder
	Logger         *zap.Logger
}

// DefaultKeyFunc identifies callers by the remote address host. Requests from a
// trusted proxy are identified by the user header, then optionally the first
// X-Forwarded-For hop, before falling back to the proxy's own address.
func DefaultKeyFunc(userHeader string, trustXFF bool, trustedProxies []netip.Prefix) KeyFunc {
	return func(r *http.Request) string {
		remote := remoteHost(r.RemoteAddr)

		if fromTrustedProxy(remote, trustedProxies) {
			if userHeader != "" {
				if v := strings.TrimSpace(r.Header.Get(userHeader)); v != "" {
					return "user:" + v
				}
			}
			if trustXFF {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					first, _, _ := strings.Cut(xff, ",")
					if ip := strings.TrimSpace(first); ip != "" {
						return "ip:" + ip
					}
				}
			}
		}

		if remote != "" {
			return "ip:" + remote
		}
		return "unknown"
	}
}

// ParseTrustedProxies parses CIDR prefixes or bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if strings.Contains(value, "/") {
			prefix, err := netip.ParsePrefix(value)
			if err != nil {
				return nil, fmt.Errorf("parse trusted proxy %q: %w", value, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", value, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

func remoteHost(remoteAddr string) string {
	trimmed := strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(trimmed); err == nil && host != "" {
		return host
	}
	return trimmed
}

func fromTrustedProxy(host string, trustedProxies []netip.Prefix) bool {
	if host == "" || len(trustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware enforces the limiter on every path not exempt.
func Middleware(opts MiddlewareOptions) func(next http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.UserHeader, opts.TrustXForwardedFor, opts.TrustedProxies)
	}
	if opts.ExemptPaths == nil {
		opts.ExemptPaths = DefaultExemptPaths
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		if opts.Limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isExempt(r.URL.Path, opts.ExemptPaths) {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := opts.Limiter.Allow(r.Context(), opts.KeyFn(r))
			if err != nil {
				logger.Warn("inbound limiter unavailable; allowing request", zap.Error(err))
			}
			if opts.Recorder != nil {
				opts.Recorder.ObserveInbound(decision.Allowed)
			}

			header := w.Header()
			header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			header.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				header.Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision)))
				header.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":  "too many requests",
					"class":  "rate_limited",
					"status": http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds down to whole seconds so the hint never outlasts
// the window, but never goes below 1.
func retryAfterSeconds(decision Decision) int {
	return max(int(decision.RetryAfter/time.Second), 1)
}

func isExempt(path string, exempt []string) bool {
	for _, candidate := range exempt {
		if candidate == "" {
			continue
		}
		if path == candidate || strings.HasPrefix(path, strings.TrimSuffix(candidate, "/")+"/") {
			return true
		}
	}
	return false
}
