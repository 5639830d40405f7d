// Package health serves the liveness and readiness probes of the admin API.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every registered [Checker] passes, for
//     example "the pipeline is not in the Error state" or "the codec breaker
//     is closed".
//
// Both respond with {"status": "ok"|"fail", "checks": {name: result}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vinylcast/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is a named readiness probe. Check returns nil when the component
// is healthy and an error describing the failure otherwise.
type Checker struct {
	// Name is a short label for the probe (e.g. "pipeline", "codec"). It is
	// the key of the probe's entry in the /readyz JSON body.
	Name string

	// Check probes the component. It runs concurrently with the other
	// checkers of the handler, must honour ctx cancellation and is cancelled
	// after 2s.
	Check func(ctx context.Context) error
}

// Func adapts a context-free probe.
func Func(name string, fn func() error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return fn() }}
}

// Breaker fails while b is not closed.
func Breaker(name string, b *resilience.Breaker) Checker {
	return Func(name, func() error {
		if s := b.State(); s != resilience.StateClosed {
			if err := b.LastError(); err != nil {
				return fmt.Errorf("breaker %s: %w", s, err)
			}
			return fmt.Errorf("breaker %s", s)
		}
		return nil
	})
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New returns a handler that evaluates checkers concurrently on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
	)
	// A plain group: one failing check must not cancel the others.
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				return errCheckFailed
			}
			checks[c.Name] = "ok"
			return nil
		})
	}
	err := g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if err != nil {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

var errCheckFailed = errors.New("health: check failed")

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
