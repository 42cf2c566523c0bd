// Package coordinator keeps a per-hub mirror of shade state up to date and
// exposes shade commands that never fail with an error.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crestron-shades-backend/internal/crestron"
	"crestron-shades-backend/internal/model"
)

const (
	DefaultInterval         = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultRefreshCooldown  = time.Second
)

// ErrEmptyToken is returned by Reauthenticate for a blank token.
var ErrEmptyToken = errors.New("coordinator: auth token cannot be empty")

// ShadeAPI is the hub client the coordinator drives. *crestron.Client implements it.
type ShadeAPI interface {
	Ping(ctx context.Context) error
	Login(ctx context.Context) error
	GetShades(ctx context.Context) ([]model.Shade, error)
	OpenShade(ctx context.Context, id int) (model.Shade, error)
	CloseShade(ctx context.Context, id int) (model.Shade, error)
	StopShade(ctx context.Context, id int) (model.Shade, error)
	SetPosition(ctx context.Context, id, pos int) (model.Shade, error)
	SetToken(token string)
}

var _ ShadeAPI = (*crestron.Client)(nil)

// Coordinator polls one hub and owns the latest shade map for it.
type Coordinator struct {
	name      string
	api       ShadeAPI
	interval  time.Duration
	threshold int
	limiter   *rate.Limiter
	logger    *slog.Logger
	notifier  Notifier

	refresh chan struct{}
	resume  chan struct{}

	pollMu sync.Mutex

	mu           sync.RWMutex
	state        State
	shades       map[int]model.Shade
	writes       uint64
	version      uint64
	failures     int
	disconnected bool
	needsReauth  bool
	reauthed     bool
	lastErr      error
	lastSuccess  time.Time

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithFailureThreshold sets how many consecutive connection failures mark
// the hub disconnected.
func WithFailureThreshold(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithRefreshCooldown sets the minimum spacing of requested refreshes.
func WithRefreshCooldown(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithNotifier sets the receiver of availability and auth events.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// New creates a coordinator for the hub called name.
func New(name string, api ShadeAPI, opts ...Option) *Coordinator {
	c := &Coordinator{
		name:      name,
		api:       api,
		interval:  DefaultInterval,
		threshold: DefaultFailureThreshold,
		limiter:   rate.NewLimiter(rate.Every(DefaultRefreshCooldown), 1),
		logger:    slog.Default(),
		refresh:   make(chan struct{}, 1),
		resume:    make(chan struct{}, 1),
		shades:    make(map[int]model.Shade),
		subs:      make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("hub", name)
	return c
}

// Name returns the hub name.
func (c *Coordinator) Name() string {
	return c.name
}

// Setup verifies connectivity and credentials before the loop starts.
// An auth failure leaves the coordinator waiting for Reauthenticate.
func (c *Coordinator) Setup(ctx context.Context) error {
	err := c.api.Ping(ctx)
	if err == nil {
		err = c.api.Login(ctx)
	}
	if err != nil {
		c.pollMu.Lock()
		c.recordFailure(err)
		c.pollMu.Unlock()
		return fmt.Errorf("failed to set up hub %s: %w", c.name, err)
	}
	return nil
}

// Run polls immediately and then on every interval until ctx is done.
// Polling pauses while the hub needs new credentials.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("Starting coordinator", "interval", c.interval)

	if !c.NeedsReauth() {
		c.poll(ctx)
	}

	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for {
		if c.NeedsReauth() {
			timer.Stop()
			c.logger.Warn("Polling paused until credentials are updated")
			select {
			case <-ctx.Done():
				c.logger.Info("Coordinator shutting down")
				return nil
			case <-c.resume:
			}
			c.poll(ctx)
			timer.Reset(c.interval)
			continue
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator shutting down")
			return nil
		case <-timer.C:
			c.poll(ctx)
			timer.Reset(c.interval)
		case <-c.resume:
			c.poll(ctx)
			timer.Reset(c.interval)
		case <-c.refresh:
			if err := c.limiter.Wait(ctx); err != nil {
				continue
			}
			c.poll(ctx)
			timer.Reset(c.interval)
		}
	}
}

func (c *Coordinator) poll(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Debug("Poll failed", "error", err)
	}
}

// RequestRefresh asks the loop for an out-of-band poll. Bursts of requests
// collapse into one poll and polls are spaced by the refresh cooldown.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Refresh performs one poll: ping, then fetch every shade. A result is
// discarded if a command patched the mirror while the poll was in flight.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	c.mu.Lock()
	c.state = StatePolling
	writes := c.writes
	c.mu.Unlock()

	if err := c.api.Ping(ctx); err != nil {
		c.recordFailure(err)
		return err
	}
	shades, err := c.api.GetShades(ctx)
	if err != nil {
		c.recordFailure(err)
		return err
	}

	stale := c.recordSuccess(shades, writes)
	if stale {
		c.logger.Debug("Discarding poll result older than the last command")
		c.RequestRefresh()
	}
	return nil
}

func (c *Coordinator) recordSuccess(shades []model.Shade, writes uint64) (stale bool) {
	c.mu.Lock()
	reconnected := c.disconnected || c.reauthed
	stale = c.writes != writes
	if !stale {
		mirror := make(map[int]model.Shade, len(shades))
		for _, s := range shades {
			mirror[s.ID] = s
		}
		c.shades = mirror
		c.version++
	}
	c.state = StateSuccess
	c.failures = 0
	c.disconnected = false
	c.reauthed = false
	c.lastErr = nil
	c.lastSuccess = time.Now()
	c.mu.Unlock()

	if reconnected {
		c.logger.Info("Hub available again")
		c.emit(EventReconnected, "hub is available again")
	}
	c.publish()
	return stale
}

// recordFailure classifies err and updates state. Callers hold pollMu.
func (c *Coordinator) recordFailure(err error) {
	var event EventKind

	c.mu.Lock()
	c.lastErr = err
	switch {
	case crestron.IsAuth(err):
		c.state = StateAuthFailed
		if !c.needsReauth {
			c.needsReauth = true
			event = EventAuthFailed
		}
	case crestron.IsTransient(err):
		c.state = StateConnectionFailed
		c.failures++
		if c.failures >= c.threshold && !c.disconnected {
			c.disconnected = true
			event = EventDisconnected
		}
	default:
		c.state = StateFailed
	}
	failures := c.failures
	c.mu.Unlock()

	switch event {
	case EventAuthFailed:
		c.logger.Error("Hub rejected credentials, re-authentication required", "error", err)
		c.emit(EventAuthFailed, "hub rejected the auth token")
	case EventDisconnected:
		c.logger.Warn("Hub unreachable", "consecutive_failures", failures, "error", err)
		c.emit(EventDisconnected, fmt.Sprintf("hub unreachable after %d attempts", failures))
	default:
		c.logger.Warn("Hub poll failed", "consecutive_failures", failures, "error", err)
	}
	c.publish()
}

// Reauthenticate installs a new auth token and resumes polling.
func (c *Coordinator) Reauthenticate(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	c.api.SetToken(token)

	c.mu.Lock()
	c.reauthed = c.reauthed || c.needsReauth
	c.needsReauth = false
	c.state = StateIdle
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Info("Credentials updated, resuming polling")
	select {
	case c.resume <- struct{}{}:
	default:
	}
	c.publish()
	return nil
}

// Ping reports whether the hub answers.
func (c *Coordinator) Ping(ctx context.Context) bool {
	return c.api.Ping(ctx) == nil
}

// State returns the current loop state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// NeedsReauth reports whether polling is paused on rejected credentials.
func (c *Coordinator) NeedsReauth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.needsReauth
}

// Available reports whether the hub has been polled successfully and is
// neither disconnected nor waiting for credentials.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.availableLocked()
}

func (c *Coordinator) availableLocked() bool {
	return !c.lastSuccess.IsZero() && !c.disconnected && !c.needsReauth
}

// HasShade reports whether id is in the mirror.
func (c *Coordinator) HasShade(id int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.shades[id]
	return ok
}

// Shade returns the mirrored state of one shade.
func (c *Coordinator) Shade(id int) (model.Shade, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shades[id]
	return s, ok
}

// Shades returns the mirrored shades ordered by id.
func (c *Coordinator) Shades() []model.Shade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked()
}

// Percentages returns the open percentage of every mirrored shade.
func (c *Coordinator) Percentages() map[int]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]int, len(c.shades))
	for id, s := range c.shades {
		out[id] = crestron.ToPercent(s.Position)
	}
	return out
}

func (c *Coordinator) sortedLocked() []model.Shade {
	shades := make([]model.Shade, 0, len(c.shades))
	for _, s := range c.shades {
		shades = append(shades, s)
	}
	sort.Slice(shades, func(i, j int) bool { return shades[i].ID < shades[j].ID })
	return shades
}

// Snapshot returns a copy of the coordinator's current view.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Hub:                 c.name,
		State:               c.state,
		Available:           c.availableLocked(),
		NeedsReauth:         c.needsReauth,
		ConsecutiveFailures: c.failures,
		LastSuccess:         c.lastSuccess,
		Version:             c.version,
		Shades:              c.sortedLocked(),
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

// Subscribe returns a channel receiving a snapshot after every change. Slow
// readers only see the latest snapshot. cancel releases the subscription.
func (c *Coordinator) Subscribe() (updates <-chan Snapshot, cancel func()) {
	ch := make(chan Snapshot, 1)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Coordinator) publish() {
	snap := c.Snapshot()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (c *Coordinator) emit(kind EventKind, msg string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(Event{Hub: c.name, Kind: kind, Message: msg, At: time.Now()})
}
