// Package limitkit provides rate-limiting middleware with breach alerting for
// Chi and standard http.Handler.
//
// Requests are counted per key by a counter.Counter — an exact sliding window
// in memory, or a Redis-backed fixed window for distributed deployments. Key
// dimensions (IP, header, endpoint, etc.) are added via options, allowing
// single or multi-dimensional rate limiting. All middleware sets standard rate
// limit headers (RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset) and
// returns 429 (Too Many Requests) when limits are exceeded.
//
// Basic usage:
//
//	c, _ := counter.NewMemory(config.DefaultCounter())
//	defer c.Shutdown()
//	r.Use(limitkit.New(c, limitkit.WithIP()).Handler)
//
// Multi-dimensional with breach alerting:
//
//	a, _ := alert.New(config.DefaultAlert())
//	limiter := limitkit.New(c,
//	    limitkit.WithName("api"),
//	    limitkit.WithIP(),
//	    limitkit.WithHeader("X-Tenant-ID"),
//	    limitkit.WithAlerter(a),
//	)
//	r.Use(limiter.Handler)
//
// The limiter fails open: when the counter's backing store errors, the failure
// is logged and the request is allowed through. The rate limiter never turns
// its own breakage into a 5xx for the end user.
//
// Rate limiting is skipped when the combined key is empty. For distributed
// deployments (Kubernetes), use the Redis counter. The in-memory counter is
// only suitable for single-instance deployments and development.
package limitkit

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/nhalm/limitkit/alert"
	"github.com/nhalm/limitkit/counter"
)

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers in any response.
	// Use this when you want rate limiting without exposing limits to clients.
	HeadersNever
)

// KeyFunc extracts a rate limiting key component from an HTTP request.
// Returning an empty string indicates the value is missing.
type KeyFunc func(*http.Request) string

// dimension holds a key function with validation metadata.
type dimension struct {
	fn       KeyFunc
	required bool
	name     string // for error messages (e.g., "header X-API-Key")
}

// Limiter implements rate limiting middleware over a counter.Counter.
type Limiter struct {
	counter    counter.Counter
	limit      int
	name       string
	keyDims    []dimension
	headerMode HeaderMode
	alerter    *alert.Alerter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithHeaderMode configures when rate limit headers are included in responses.
func WithHeaderMode(mode HeaderMode) Option {
	return func(l *Limiter) {
		l.headerMode = mode
	}
}

// WithName sets a prefix for rate limit keys.
// Use to prevent key collisions when layering multiple rate limiters.
func WithName(name string) Option {
	return func(l *Limiter) {
		l.name = name
	}
}

// WithAlerter attaches a breach alerter. Every rejected request is reported
// to it with the request's method and path.
func WithAlerter(a *alert.Alerter) Option {
	return func(l *Limiter) {
		l.alerter = a
	}
}

// WithLimit overrides the limit advertised in RateLimit-Limit headers. By
// default the limit is read from the counter when it implements
// MaxRequests() int, as the built-in counters do. When no limit is known the
// RateLimit-Limit and RateLimit-Remaining headers are omitted.
func WithLimit(limit int) Option {
	return func(l *Limiter) {
		l.limit = limit
	}
}

// limitReporter is implemented by counters that can report their configured
// request ceiling, used to populate RateLimit-Limit headers.
type limitReporter interface {
	MaxRequests() int
}

// WithIP adds the client IP address (from RemoteAddr) to the rate limiting key.
// Use this for direct connections without a proxy. RemoteAddr is always present.
func WithIP() Option {
	return func(l *Limiter) {
		l.keyDims = append(l.keyDims, dimension{
			fn: func(r *http.Request) string {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					return r.RemoteAddr
				}
				return ip
			},
			required: false, // RemoteAddr is always present
			name:     "IP",
		})
	}
}

// WithRealIP adds the client IP from X-Forwarded-For or X-Real-IP headers.
// Use this when behind a proxy/load balancer.
// If neither header is present, rate limiting is skipped for that request.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func WithRealIP() Option {
	return withRealIP(false)
}

// WithRealIPRequired adds the client IP from X-Forwarded-For or X-Real-IP headers.
// Returns 400 Bad Request when neither header is present.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func WithRealIPRequired() Option {
	return withRealIP(true)
}

func withRealIP(required bool) Option {
	return func(l *Limiter) {
		l.keyDims = append(l.keyDims, dimension{
			fn: func(r *http.Request) string {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					if idx := strings.Index(xff, ","); idx != -1 {
						return strings.TrimSpace(xff[:idx])
					}
					return strings.TrimSpace(xff)
				}
				if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
					return strings.TrimSpace(realIP)
				}
				return ""
			},
			required: required,
			name:     "X-Forwarded-For or X-Real-IP header",
		})
	}
}

// WithEndpoint adds the HTTP method and path to the rate limiting key.
// Key component format: "<method>:<path>". Method and path are always present.
func WithEndpoint() Option {
	return func(l *Limiter) {
		l.keyDims = append(l.keyDims, dimension{
			fn: func(r *http.Request) string {
				var sb strings.Builder
				sb.Grow(len(r.Method) + 1 + len(r.URL.Path))
				sb.WriteString(r.Method)
				sb.WriteByte(':')
				sb.WriteString(r.URL.Path)
				return sb.String()
			},
			required: false, // Method and path are always present
			name:     "endpoint",
		})
	}
}

// WithHeader adds a header value to the rate limiting key.
// If the header is missing, rate limiting is skipped for that request.
func WithHeader(header string) Option {
	return withHeader(header, false)
}

// WithHeaderRequired adds a header value to the rate limiting key.
// Returns 400 Bad Request when the header is missing.
func WithHeaderRequired(header string) Option {
	return withHeader(header, true)
}

func withHeader(header string, required bool) Option {
	return func(l *Limiter) {
		l.keyDims = append(l.keyDims, dimension{
			fn: func(r *http.Request) string {
				return r.Header.Get(header)
			},
			required: required,
			name:     fmt.Sprintf("header %s", header),
		})
	}
}

// WithQueryParam adds a query parameter value to the rate limiting key.
// If the parameter is missing, rate limiting is skipped for that request.
func WithQueryParam(param string) Option {
	return withQueryParam(param, false)
}

// WithQueryParamRequired adds a query parameter value to the rate limiting key.
// Returns 400 Bad Request when the parameter is missing.
func WithQueryParamRequired(param string) Option {
	return withQueryParam(param, true)
}

func withQueryParam(param string, required bool) Option {
	return func(l *Limiter) {
		l.keyDims = append(l.keyDims, dimension{
			fn: func(r *http.Request) string {
				return r.URL.Query().Get(param)
			},
			required: required,
			name:     fmt.Sprintf("query param %s", param),
		})
	}
}

// WithCustomKey adds a custom key function to the rate limiting key.
// The function should return an empty string to skip rate limiting for a request.
// Useful for custom extraction logic or computed values.
func WithCustomKey(fn KeyFunc) Option {
	return func(l *Limiter) {
		l.keyDims = append(l.keyDims, dimension{
			fn:       fn,
			required: false,
			name:     "custom key",
		})
	}
}

// New creates a rate limiter over the given counter.
// Use With* options to configure key dimensions and behavior.
// Returns 429 (Too Many Requests) when the limit is exceeded, with standard
// rate limit headers and a Retry-After header indicating seconds until reset.
// Returns 400 (Bad Request) if a *Required dimension is missing.
// Fails open when the counter's backing store errors: the failure is logged
// and the request is allowed through.
//
// At least one key dimension option must be provided.
// Panics if no key dimensions are configured.
//
// Key dimension options:
//   - WithIP: Add RemoteAddr IP to key (direct connections)
//   - WithRealIP / WithRealIPRequired: Add X-Forwarded-For/X-Real-IP to key
//   - WithEndpoint: Add method:path to key
//   - WithHeader / WithHeaderRequired: Add header value to key
//   - WithQueryParam / WithQueryParamRequired: Add query parameter to key
//   - WithCustomKey: Add a custom key function
//
// Other options:
//   - WithName: Set key prefix for collision prevention
//   - WithHeaderMode: Configure header visibility (default: HeadersAlways)
//   - WithAlerter: Report rejected requests to a breach alerter
//   - WithLimit: Advertise a specific limit in response headers
func New(c counter.Counter, opts ...Option) *Limiter {
	l := &Limiter{
		counter:    c,
		keyDims:    make([]dimension, 0),
		headerMode: HeadersAlways,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.limit == 0 {
		if lr, ok := c.(limitReporter); ok {
			l.limit = lr.MaxRequests()
		}
	}
	if len(l.keyDims) == 0 {
		panic("limitkit: must configure at least one key dimension option (WithIP, WithRealIP, WithEndpoint, WithHeader, WithQueryParam, or WithCustomKey)")
	}
	return l
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode:
//   - RateLimit-Limit: The rate limit ceiling for the current window
//   - RateLimit-Remaining: Number of requests remaining in the current window
//   - RateLimit-Reset: Unix timestamp when the current window resets
//   - Retry-After: (only when limited) Seconds until the window resets
//
// These headers follow the IETF draft-ietf-httpapi-ratelimit-headers specification.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key, missingDim := l.buildKey(r)

		if missingDim != "" {
			http.Error(w, fmt.Sprintf("Missing required %s", missingDim), http.StatusBadRequest)
			return
		}

		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := l.counter.RecordRequest(ctx, key)
		if err != nil {
			// Fail open: broken bookkeeping must not block traffic.
			lctx := canonlog.NewContext(ctx)
			canonlog.InfoAdd(lctx, "rate_limit", "fail_open")
			canonlog.ErrorAdd(lctx, fmt.Errorf("rate limit check failed: %w", err))
			canonlog.Flush(lctx)

			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(0, time.Until(res.ResetTime))

		shouldSetHeaders := l.headerMode == HeadersAlways || (l.headerMode == HeadersOnLimitExceeded && res.Exceeded)

		if shouldSetHeaders {
			if l.limit > 0 {
				w.Header().Set("RateLimit-Limit", strconv.Itoa(l.limit))
				w.Header().Set("RateLimit-Remaining", strconv.Itoa(max(0, l.limit-res.TotalHits)))
			}
			w.Header().Set("RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
		}

		if res.Exceeded {
			if shouldSetHeaders {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			}

			if l.alerter != nil {
				l.alerter.RecordBreach(ctx, key, &alert.RequestContext{
					Method: r.Method,
					Path:   r.URL.Path,
				})
			}

			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// buildKey combines all dimensions into a single key. Returns the name of the
// first missing required dimension, if any.
func (l *Limiter) buildKey(r *http.Request) (key, missingDim string) {
	var sb strings.Builder
	sb.Grow(20 + len(l.keyDims)*30)
	hasContent := false

	if l.name != "" {
		sb.WriteString(l.name)
		hasContent = true
	}

	for _, dim := range l.keyDims {
		part := dim.fn(r)
		if part == "" {
			if dim.required {
				return "", dim.name
			}
			continue
		}
		if hasContent {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
		hasContent = true
	}

	if !hasContent {
		return "", ""
	}
	return sb.String(), ""
}
