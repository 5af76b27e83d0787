package limitkit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nhalm/limitkit"
	"github.com/nhalm/limitkit/alert"
	"github.com/nhalm/limitkit/config"
	"github.com/nhalm/limitkit/counter"
)

func newMemoryCounter(t *testing.T, window time.Duration, maxRequests int) *counter.Memory {
	t.Helper()

	c, err := counter.NewMemory(config.Counter{Window: window, MaxRequests: maxRequests})
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimiter_WithIP(t *testing.T) {
	c := newMemoryCounter(t, time.Minute, 2)
	handler := limitkit.New(c, limitkit.WithIP()).Handler(okHandler())

	req := httptest.NewRequest("GET", "/test", http.NoBody)
	req.RemoteAddr = "192.168.1.1:1234"

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rr.Code)
	}
	if retry := rr.Header().Get("Retry-After"); retry == "" {
		t.Error("expected Retry-After header")
	}

	// A different IP is unaffected.
	req2 := httptest.NewRequest("GET", "/test", http.NoBody)
	req2.RemoteAddr = "192.168.1.2:1234"
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Errorf("other IP: expected 200, got %d", rr2.Code)
	}
}

func TestLimiter_Headers(t *testing.T) {
	c := newMemoryCounter(t, time.Minute, 5)
	handler := limitkit.New(c, limitkit.WithIP()).Handler(okHandler())

	req := httptest.NewRequest("GET", "/test", http.NoBody)
	req.RemoteAddr = "192.168.1.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("RateLimit-Limit"); got != "5" {
		t.Errorf("RateLimit-Limit = %q, want \"5\"", got)
	}
	if got := rr.Header().Get("RateLimit-Remaining"); got != "4" {
		t.Errorf("RateLimit-Remaining = %q, want \"4\"", got)
	}
	if got := rr.Header().Get("RateLimit-Reset"); got == "" {
		t.Error("expected RateLimit-Reset header")
	}
}

func TestLimiter_HeaderModes(t *testing.T) {
	tests := []struct {
		name            string
		mode            limitkit.HeaderMode
		wantOnAllowed   bool
		wantOnRateLimit bool
	}{
		{
			name:            "always",
			mode:            limitkit.HeadersAlways,
			wantOnAllowed:   true,
			wantOnRateLimit: true,
		},
		{
			name:            "on limit exceeded",
			mode:            limitkit.HeadersOnLimitExceeded,
			wantOnAllowed:   false,
			wantOnRateLimit: true,
		},
		{
			name:            "never",
			mode:            limitkit.HeadersNever,
			wantOnAllowed:   false,
			wantOnRateLimit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newMemoryCounter(t, time.Minute, 1)
			handler := limitkit.New(c,
				limitkit.WithIP(),
				limitkit.WithHeaderMode(tt.mode),
			).Handler(okHandler())

			req := httptest.NewRequest("GET", "/test", http.NoBody)
			req.RemoteAddr = "192.168.1.1:1234"

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if got := rr.Header().Get("RateLimit-Limit") != ""; got != tt.wantOnAllowed {
				t.Errorf("allowed response header presence = %v, want %v", got, tt.wantOnAllowed)
			}

			rr = httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", rr.Code)
			}
			if got := rr.Header().Get("RateLimit-Limit") != ""; got != tt.wantOnRateLimit {
				t.Errorf("429 response header presence = %v, want %v", got, tt.wantOnRateLimit)
			}
		})
	}
}

func TestLimiter_MissingDimensionSkips(t *testing.T) {
	c := newMemoryCounter(t, time.Minute, 1)
	handler := limitkit.New(c, limitkit.WithHeader("X-API-Key")).Handler(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/test", http.NoBody)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200 (skipped), got %d", i+1, rr.Code)
		}
	}
}

func TestLimiter_RequiredDimensionMissing(t *testing.T) {
	c := newMemoryCounter(t, time.Minute, 1)
	handler := limitkit.New(c, limitkit.WithHeaderRequired("X-API-Key")).Handler(okHandler())

	req := httptest.NewRequest("GET", "/test", http.NoBody)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestLimiter_MultiDimensionalKey(t *testing.T) {
	c := newMemoryCounter(t, time.Minute, 1)
	handler := limitkit.New(c,
		limitkit.WithName("api"),
		limitkit.WithIP(),
		limitkit.WithHeader("X-Tenant-ID"),
	).Handler(okHandler())

	send := func(ip, tenant string) int {
		req := httptest.NewRequest("GET", "/test", http.NoBody)
		req.RemoteAddr = ip + ":1234"
		req.Header.Set("X-Tenant-ID", tenant)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send("10.0.0.1", "tenant-a"); code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", code)
	}
	if code := send("10.0.0.1", "tenant-a"); code != http.StatusTooManyRequests {
		t.Errorf("same IP+tenant: expected 429, got %d", code)
	}
	if code := send("10.0.0.1", "tenant-b"); code != http.StatusOK {
		t.Errorf("same IP, other tenant: expected 200, got %d", code)
	}
}

// failingCounter simulates a broken backing store.
type failingCounter struct{}

func (failingCounter) RecordRequest(context.Context, string) (counter.Result, error) {
	return counter.Result{}, errors.New("store unavailable")
}
func (failingCounter) Decrement(context.Context, string) error { return nil }
func (failingCounter) Reset(context.Context, string) error     { return nil }
func (failingCounter) Cleanup(context.Context) error           { return nil }
func (failingCounter) Shutdown()                               {}

func TestLimiter_FailOpen(t *testing.T) {
	handler := limitkit.New(failingCounter{}, limitkit.WithIP()).Handler(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", http.NoBody)
		req.RemoteAddr = "192.168.1.1:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200 (fail open), got %d", i+1, rr.Code)
		}
	}
}

func TestLimiter_AlerterReceivesBreaches(t *testing.T) {
	var mu sync.Mutex
	var alerts []alert.Alert

	a, err := alert.New(
		config.Alert{Threshold: 2, Window: time.Minute},
		alert.WithHandler(func(_ context.Context, al alert.Alert) error {
			mu.Lock()
			defer mu.Unlock()
			alerts = append(alerts, al)
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("alert.New() error = %v", err)
	}

	c := newMemoryCounter(t, time.Minute, 1)
	handler := limitkit.New(c,
		limitkit.WithIP(),
		limitkit.WithAlerter(a),
	).Handler(okHandler())

	req := httptest.NewRequest("POST", "/login", http.NoBody)
	req.RemoteAddr = "192.168.1.1:1234"

	// One allowed request, then two breaches: the second breach crosses the
	// alert threshold.
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Key != "192.168.1.1" {
		t.Errorf("alert Key = %q, want \"192.168.1.1\"", alerts[0].Key)
	}
	if alerts[0].Request == nil || alerts[0].Request.Method != "POST" || alerts[0].Request.Path != "/login" {
		t.Errorf("alert Request = %+v, want POST /login", alerts[0].Request)
	}
}

func TestNew_PanicsWithoutDimensions(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic when no key dimensions are configured")
		}
	}()

	c := newMemoryCounter(t, time.Minute, 1)
	limitkit.New(c)
}

func TestLimiter_WithRealIP(t *testing.T) {
	c := newMemoryCounter(t, time.Minute, 1)
	handler := limitkit.New(c, limitkit.WithRealIP()).Handler(okHandler())

	t.Run("X-Forwarded-For", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", http.NoBody)
		req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}

		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusTooManyRequests {
			t.Errorf("expected 429, got %d", rr.Code)
		}
	})

	t.Run("no header skips", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest("GET", "/test", http.NoBody)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusOK {
				t.Errorf("request %d: expected 200 (skipped), got %d", i+1, rr.Code)
			}
		}
	})
}
