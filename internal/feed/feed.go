// Package feed polls the detection service for recent events and keeps the
// latest window in memory.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/models"
	"github.com/ducanh19020217/fall-detection/internal/service"
)

// Source fetches recent events, newest first
type Source interface {
	RecentEvents(ctx context.Context, limit int) ([]models.DetectionEvent, error)
}

// Gate reports whether polling may run. session.Manager satisfies it.
type Gate interface {
	Authenticated() bool
}

// Config contains feed settings
type Config struct {
	PollInterval time.Duration
	Limit        int
}

type resolution struct {
	at *models.Timestamp
	by *string
}

// Feed is the rolling event window. Each fetch replaces the window; the only
// state carried across fetches is which events were already seen resolved.
type Feed struct {
	*service.ServiceBase

	source Source
	gate   Gate

	cfgMu  sync.Mutex
	cfg    Config
	retune chan time.Duration

	mu        sync.RWMutex
	window    []models.DetectionEvent
	resolved  map[int]resolution
	updatedAt time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped feed
func New(source Source, gate Gate, cfg Config, log *logger.Logger) *Feed {
	return &Feed{
		ServiceBase: service.NewServiceBase("event-feed", log),
		source:      source,
		gate:        gate,
		cfg:         withDefaults(cfg),
		retune:      make(chan time.Duration, 1),
		resolved:    make(map[int]resolution),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	return cfg
}

// Config returns the settings in effect
func (f *Feed) Config() Config {
	f.cfgMu.Lock()
	defer f.cfgMu.Unlock()
	return f.cfg
}

// Reconfigure changes the poll interval and window size. A running loop
// picks up the new interval on its next tick.
func (f *Feed) Reconfigure(cfg Config) {
	cfg = withDefaults(cfg)

	f.cfgMu.Lock()
	changed := cfg.PollInterval != f.cfg.PollInterval
	f.cfg = cfg
	f.cfgMu.Unlock()

	if changed {
		// Keep only the latest interval in the buffer
		select {
		case <-f.retune:
		default:
		}
		select {
		case f.retune <- cfg.PollInterval:
		default:
		}
	}
	f.LogInfo("Event feed reconfigured", "interval", cfg.PollInterval, "limit", cfg.Limit)
}

// Start begins polling. The first poll happens immediately. Calling Start on
// a running feed is a no-op.
func (f *Feed) Start(ctx context.Context) error {
	f.runMu.Lock()
	defer f.runMu.Unlock()

	if f.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	f.GetStatus().SetStatus(service.StatusRunning)

	go f.run(runCtx, f.done)

	cfg := f.Config()
	f.LogInfo("Event feed started", "interval", cfg.PollInterval, "limit", cfg.Limit)
	return nil
}

// Stop ends polling and waits for the loop to exit
func (f *Feed) Stop(ctx context.Context) error {
	f.runMu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	f.GetStatus().SetStatus(service.StatusStopped)
	f.LogInfo("Event feed stopped")
	return nil
}

// Running reports whether the poll loop is active
func (f *Feed) Running() bool {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	return f.cancel != nil
}

func (f *Feed) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.Config().PollInterval)
	defer ticker.Stop()

	f.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-f.retune:
			ticker.Reset(d)
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *Feed) tick(ctx context.Context) {
	if f.gate != nil && !f.gate.Authenticated() {
		return
	}
	if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
		// Transient; the next tick retries
		f.LogDebug("Event poll failed", "error", err)
	}
}

// Poll fetches once and replaces the window
func (f *Feed) Poll(ctx context.Context) error {
	events, err := f.source.RecentEvents(ctx, f.Config().Limit)
	if err != nil {
		return err
	}
	f.apply(events)

	f.PublishEvent(service.EventTypeEventsUpdated, map[string]interface{}{
		"count": len(events),
	})
	return nil
}

func (f *Feed) apply(events []models.DetectionEvent) {
	next := make([]models.DetectionEvent, len(events))
	copy(next, events)

	f.mu.Lock()
	defer f.mu.Unlock()

	present := make(map[int]bool, len(next))
	for i := range next {
		ev := &next[i]
		present[ev.ID] = true

		if prev, ok := f.resolved[ev.ID]; ok && !ev.IsResolved {
			ev.IsResolved = true
			ev.ResolvedAt = prev.at
			ev.ResponderName = prev.by
		}
		if ev.IsResolved {
			f.resolved[ev.ID] = resolution{at: ev.ResolvedAt, by: ev.ResponderName}
		}
	}
	for id := range f.resolved {
		if !present[id] {
			delete(f.resolved, id)
		}
	}

	f.window = next
	f.updatedAt = time.Now()
}

// Snapshot returns a copy of the window in display order
func (f *Feed) Snapshot() []models.DetectionEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.DetectionEvent, len(f.window))
	copy(out, f.window)
	return out
}

// ForSource returns the window restricted to one source
func (f *Feed) ForSource(sourceID int) []models.DetectionEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []models.DetectionEvent
	for _, ev := range f.window {
		if ev.SourceID == sourceID {
			out = append(out, ev)
		}
	}
	return out
}

// UpdatedAt returns when the window was last replaced
func (f *Feed) UpdatedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.updatedAt
}

// Len returns the number of events in the window
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.window)
}

// Reset empties the window
func (f *Feed) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = nil
	f.resolved = make(map[int]resolution)
	f.updatedAt = time.Time{}
}
