// Package config holds the configuration surface for limitkit counters and alerters.
//
// Every recognized option is an explicit struct field with a documented default;
// user options are overlaid on the defaults by the caller, not probed dynamically.
// Windows accept either a time.Duration or the shorthand grammar understood by
// ParseWindow ("30s", "1m", "2h", "1d", or a plain millisecond count). Malformed
// configuration is rejected at construction time — never silently defaulted to a
// zero-length window.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults applied by DefaultCounter and DefaultAlert.
const (
	DefaultWindow      = time.Minute
	DefaultMaxRequests = 100
	DefaultThreshold   = 5
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Counter configures a sliding-window request counter.
type Counter struct {
	// Window is the sliding window duration. A request older than Window is
	// excluded from the count.
	Window time.Duration `validate:"gt=0"`

	// MaxRequests is the inclusive number of requests allowed per key within
	// Window. The request that takes a key past MaxRequests is reported as
	// exceeded.
	MaxRequests int `validate:"gt=0"`

	// AutoCleanup starts a background sweep that evicts stale records. When
	// false, stale entries are trimmed only when their own key is touched.
	AutoCleanup bool
}

// DefaultCounter returns the counter defaults: 100 requests per minute,
// background cleanup enabled.
func DefaultCounter() Counter {
	return Counter{
		Window:      DefaultWindow,
		MaxRequests: DefaultMaxRequests,
		AutoCleanup: true,
	}
}

// Validate checks the configuration, returning a field-level error for the
// first violated constraint.
func (c Counter) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid counter config: %w", translate(err))
	}
	return nil
}

// Alert configures a breach alerter. A caller-supplied alert callback is
// attached separately via the alert package's WithHandler option.
type Alert struct {
	// Threshold is the number of breaches within Window that fires one alert.
	Threshold int `validate:"gt=0"`

	// Window is the breach accumulation window, independent of (and typically
	// larger than) the rate-limit window.
	Window time.Duration `validate:"gt=0"`

	// ConsoleLog enables the console notification channel.
	ConsoleLog bool

	// WebhookURL, when non-empty, enables webhook delivery of alerts.
	WebhookURL string `validate:"omitempty,url"`
}

// DefaultAlert returns the alerter defaults: 5 breaches per minute with
// console logging enabled.
func DefaultAlert() Alert {
	return Alert{
		Threshold:  DefaultThreshold,
		Window:     DefaultWindow,
		ConsoleLog: true,
	}
}

// Validate checks the configuration, returning a field-level error for the
// first violated constraint.
func (a Alert) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid alert config: %w", translate(err))
	}
	return nil
}

// translate collapses validator output to a single readable field error.
func translate(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "gt":
		return fmt.Errorf("%s must be greater than %s", fe.Field(), fe.Param())
	case "url":
		return fmt.Errorf("%s must be a valid URL", fe.Field())
	default:
		return fmt.Errorf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// ParseWindow converts a window value to a time.Duration. It accepts:
//
//   - time.Duration, passed through
//   - int, int64, or float64, interpreted as milliseconds
//   - a string of digits, interpreted as milliseconds ("60000")
//   - a shorthand string: an integer immediately followed by one unit letter
//     from s, m, h, d ("30s", "1m", "2h", "1d")
//
// Any other input is an error. A parse failure never yields a usable zero
// window; callers must treat the error as fatal configuration.
func ParseWindow(v any) (time.Duration, error) {
	switch val := v.(type) {
	case time.Duration:
		if val <= 0 {
			return 0, fmt.Errorf("window must be positive, got %v", val)
		}
		return val, nil
	case int:
		return msWindow(int64(val))
	case int64:
		return msWindow(val)
	case float64:
		return msWindow(int64(val))
	case string:
		return parseWindowString(val)
	default:
		return 0, fmt.Errorf("unsupported window type %T", v)
	}
}

func msWindow(ms int64) (time.Duration, error) {
	if ms <= 0 {
		return 0, fmt.Errorf("window must be positive, got %dms", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseWindowString(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty window string")
	}

	unit := s[len(s)-1]
	if unit >= '0' && unit <= '9' {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q: %w", s, err)
		}
		return msWindow(ms)
	}

	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("window must be positive, got %q", s)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid window %q: unknown unit %q", s, string(unit))
	}
}
