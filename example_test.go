package limitkit_test

import (
	"context"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/limitkit"
	"github.com/nhalm/limitkit/alert"
	"github.com/nhalm/limitkit/config"
	"github.com/nhalm/limitkit/counter"
)

func ExampleNew() {
	c, _ := counter.NewMemory(config.DefaultCounter())
	defer c.Shutdown()

	// Rate limit by IP: 100 requests per minute
	r := chi.NewRouter()
	r.Use(limitkit.New(c, limitkit.WithIP()).Handler)
}

func ExampleNew_multiDimensional() {
	c, _ := counter.NewMemory(config.Counter{
		Window:      time.Minute,
		MaxRequests: 100,
		AutoCleanup: true,
	})
	defer c.Shutdown()

	// Rate limit by tenant + endpoint: 100 requests per minute
	limiter := limitkit.New(c,
		limitkit.WithHeaderRequired("X-Tenant-ID"),
		limitkit.WithEndpoint(),
	)

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleWithAlerter() {
	c, _ := counter.NewMemory(config.DefaultCounter())
	defer c.Shutdown()

	// Alert after 5 breaches within a minute: log a canonical line, POST a
	// chat webhook, and run a custom callback.
	a, _ := alert.New(
		config.Alert{
			Threshold:  5,
			Window:     time.Minute,
			ConsoleLog: true,
			WebhookURL: "https://hooks.example.com/services/T00/B00/XXXX",
		},
		alert.WithHandler(func(_ context.Context, al alert.Alert) error {
			fmt.Printf("key %s breached %d times\n", al.Key, al.BreachCount)
			return nil
		}),
	)

	r := chi.NewRouter()
	r.Use(limitkit.New(c,
		limitkit.WithIP(),
		limitkit.WithAlerter(a),
	).Handler)
}
