// Package coordinator drives periodic fleet refreshes and owns the published snapshot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

var (
	// ErrUpdateFailed marks a refresh cycle whose station discovery failed.
	ErrUpdateFailed = errors.New("fleet update failed")
	// ErrNotReady means setup could not reach or authenticate against the API; retry later.
	ErrNotReady = errors.New("deye cloud not ready")
	// ErrUnknownDevice is returned for writes to a serial the snapshot does not hold.
	ErrUnknownDevice = errors.New("unknown device")
)

// DefaultInterval is the refresh period when none is configured.
const DefaultInterval = 60 * time.Second

// Source is what the coordinator refreshes from.
type Source interface {
	Connect(ctx context.Context) error
	FetchFleet(ctx context.Context) (*deyecloud.FleetData, error)
}

// State is the refresh state machine position.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status summarizes refresh activity.
type Status struct {
	State        State
	LastSuccess  bool
	LastError    error
	LastAttempt  time.Time
	LastDuration time.Duration
	Cycles       uint64
	FailedCycles uint64
	Stations     int
	Devices      int
	SubFailures  int
}

// Coordinator runs refresh cycles and publishes snapshots.
type Coordinator struct {
	source   Source
	writer   Writer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	refreshMu sync.Mutex
	snapshot  atomic.Pointer[Snapshot]
	requests  chan struct{}

	mu        sync.Mutex
	status    Status
	listeners map[*Subscription]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterval sets the refresh period.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithWriter enables write controls through w.
func WithWriter(w Writer) Option {
	return func(c *Coordinator) { c.writer = w }
}

// New creates a Coordinator over source.
func New(source Source, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:    source,
		interval:  DefaultInterval,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		requests:  make(chan struct{}, 1),
		listeners: make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Interval returns the refresh period.
func (c *Coordinator) Interval() time.Duration { return c.interval }

// Snapshot returns the most recently published snapshot, or nil before the first success.
func (c *Coordinator) Snapshot() *Snapshot { return c.snapshot.Load() }

// Status returns a copy of the refresh status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Setup tests the connection and runs the first refresh. Any failure wraps
// ErrNotReady so the caller can retry later.
func (c *Coordinator) Setup(ctx context.Context) error {
	if err := c.source.Connect(ctx); err != nil {
		c.logger.ErrorContext(ctx, "connection test failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if _, err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

// Refresh runs one full cycle. Concurrent callers are serialized. On failure
// the previous snapshot stays published and the error wraps ErrUpdateFailed.
func (c *Coordinator) Refresh(ctx context.Context) (*Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := c.now()
	c.mu.Lock()
	c.status.State = StateRefreshing
	c.status.LastAttempt = start
	c.mu.Unlock()

	data, err := c.source.FetchFleet(ctx)
	elapsed := c.now().Sub(start)

	if err != nil {
		c.mu.Lock()
		c.status.State = StateFailed
		c.status.LastSuccess = false
		c.status.LastError = err
		c.status.LastDuration = elapsed
		c.status.Cycles++
		c.status.FailedCycles++
		c.mu.Unlock()
		c.logger.ErrorContext(ctx, "fleet update failed", slog.Any("error", err), slog.Duration("duration", elapsed))
		return nil, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	snap := newSnapshot(c.newID(), c.now(), data)
	c.publish(snap)

	c.mu.Lock()
	c.status.State = StateSuccess
	c.status.LastSuccess = true
	c.status.LastError = nil
	c.status.LastDuration = elapsed
	c.status.Cycles++
	c.status.Stations = len(snap.Stations)
	c.status.Devices = len(snap.Devices)
	c.status.SubFailures = len(snap.Failures)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "fleet updated",
		slog.String("cycle", snap.CycleID),
		slog.Int("stations", len(snap.Stations)),
		slog.Int("devices", len(snap.Devices)),
		slog.Int("failures", len(snap.Failures)),
		slog.Duration("duration", elapsed),
	)
	return snap, nil
}

// RequestRefresh asks Run for an extra cycle. Requests made while one is
// already pending are coalesced.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

// Run refreshes on every tick and on request until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.InfoContext(ctx, "refresh loop started", slog.Duration("interval", c.interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "refresh loop stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-c.requests:
		}
		// Failures are logged and recorded in Status.
		_, _ = c.Refresh(ctx)
	}
}

func (c *Coordinator) publish(s *Snapshot) {
	c.snapshot.Store(s)
	c.notify(s)
}

func (c *Coordinator) notify(s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.listeners {
		select {
		case sub.ch <- s:
		default: // drop if slow
		}
	}
}

// Subscription delivers published snapshots.
type Subscription struct {
	ch   chan *Snapshot
	once sync.Once
	c    *Coordinator
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan *Snapshot { return s.ch }

// Close stops delivery.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.c.mu.Lock()
		delete(s.c.listeners, s)
		s.c.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe returns a subscription receiving every published snapshot.
// Snapshots are dropped for a subscriber whose buffer is full.
func (c *Coordinator) Subscribe(buffer int) *Subscription {
	sub := &Subscription{ch: make(chan *Snapshot, buffer), c: c}
	c.mu.Lock()
	c.listeners[sub] = struct{}{}
	c.mu.Unlock()
	return sub
}
