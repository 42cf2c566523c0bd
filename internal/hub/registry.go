// Package hub owns one client and coordinator per configured Crestron hub.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"crestron-shades-backend/config"
	"crestron-shades-backend/internal/coordinator"
	"crestron-shades-backend/internal/crestron"
)

// ErrNotFound is returned for unknown hub names.
var ErrNotFound = errors.New("hub: not found")

// Hub pairs a configured hub with its coordinator.
type Hub struct {
	Name        string
	Host        string
	Coordinator *coordinator.Coordinator
}

// Registry holds every configured hub, keyed by name.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	hubs  map[string]*Hub
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		hubs:   make(map[string]*Hub),
	}
}

// FromConfig builds a registry with a client and coordinator for every hub in cfg.
func FromConfig(cfg *config.Config, notifier coordinator.Notifier, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, hc := range cfg.Hubs {
		client, err := crestron.NewClient(hc.Host, hc.AuthToken,
			crestron.WithTimeout(hc.RequestTimeout),
			crestron.WithSessionTTL(hc.SessionTTL),
			crestron.WithRetry(crestron.RetryConfig{
				MaxAttempts: cfg.Retry.MaxAttempts,
				Delay:       cfg.Retry.Delay,
			}),
			crestron.WithLogger(r.logger.With("hub", hc.Name)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for hub %s: %w", hc.Name, err)
		}

		opts := []coordinator.Option{
			coordinator.WithInterval(hc.ScanInterval),
			coordinator.WithFailureThreshold(cfg.Coordinator.FailureThreshold),
			coordinator.WithRefreshCooldown(cfg.Coordinator.RefreshCooldown),
			coordinator.WithLogger(r.logger),
		}
		if notifier != nil {
			opts = append(opts, coordinator.WithNotifier(notifier))
		}
		if err := r.Add(hc.Name, hc.Host, coordinator.New(hc.Name, client, opts...)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a coordinator under name.
func (r *Registry) Add(name, host string, c *coordinator.Coordinator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hubs[name]; ok {
		return fmt.Errorf("hub %q already registered", name)
	}
	r.hubs[name] = &Hub{Name: name, Host: host, Coordinator: c}
	r.order = append(r.order, name)
	sort.Strings(r.order)
	return nil
}

// Get returns the hub called name.
func (r *Registry) Get(name string) (*Hub, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hubs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return h, nil
}

// List returns all hubs ordered by name.
func (r *Registry) List() []*Hub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Hub, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.hubs[name])
	}
	return out
}

// FindByShade returns the first hub, by name, whose mirror holds shade id.
func (r *Registry) FindByShade(id int) (*Hub, bool) {
	for _, h := range r.List() {
		if h.Coordinator.HasShade(id) {
			return h, true
		}
	}
	return nil, false
}

// Setup verifies every hub concurrently. Failures are logged, not returned:
// an auth failure parks the hub until new credentials arrive and a
// connection failure is left to the polling loop.
func (r *Registry) Setup(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range r.List() {
		wg.Add(1)
		go func(h *Hub) {
			defer wg.Done()
			if err := h.Coordinator.Setup(ctx); err != nil {
				if crestron.IsAuth(err) {
					r.logger.Error("Hub credentials rejected", "hub", h.Name, "host", h.Host, "error", err)
					return
				}
				r.logger.Warn("Hub not reachable at startup", "hub", h.Name, "host", h.Host, "error", err)
				return
			}
			r.logger.Info("Hub connected", "hub", h.Name, "host", h.Host)
		}(h)
	}
	wg.Wait()
}

// Run runs every coordinator until ctx is done or one of them fails.
func (r *Registry) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range r.List() {
		c := h.Coordinator
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	return g.Wait()
}
