// Package registry owns the set of active streams, keyed by source id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ducanh19020217/fall-detection/internal/channel"
	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/models"
)

// ErrRequestFailed wraps a begin or end processing request the service
// refused or never answered.
var ErrRequestFailed = errors.New("pipeline request failed")

// ErrStartCancelled is returned by a start that a stop or teardown overtook
// while its request was in flight. No channel is left behind.
var ErrStartCancelled = errors.New("start cancelled")

// Pipeline issues begin/end processing requests
type Pipeline interface {
	StartPipeline(ctx context.Context, sourceID int, tg *models.TelegramConfig) error
	StopPipeline(ctx context.Context, sourceID int) error
}

// Channel is the part of channel.Channel the registry and its readers use
type Channel interface {
	SourceID() int
	Open(ctx context.Context)
	Close()
	Status() channel.Status
	Err() error
	CurrentFrame() *channel.Frame
	LastMetadata() *channel.Envelope
	Changed() <-chan struct{}
	Stats() channel.Stats
}

// ChannelFactory builds an unopened channel for a source
type ChannelFactory func(src models.Source) (Channel, error)

// Entry is one active stream
type Entry struct {
	Source    models.Source
	Channel   Channel
	StartedAt time.Time
	Restored  bool // opened by reconciliation rather than an explicit start
}

// ChangeKind says what happened to an entry
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
)

// Change is reported to the observer after the registry is updated
type Change struct {
	Kind     ChangeKind
	SourceID int
	Restored bool
}

// Registry maps source ids to open channels. It is the only writer of the
// active set.
type Registry struct {
	pipeline Pipeline
	factory  ChannelFactory
	logger   *logger.Logger
	flight   singleflight.Group

	mu       sync.Mutex
	entries  map[int]*Entry
	order    []int
	starts   map[int]*pendingStart
	observer func(Change)
}

// pendingStart is a start whose request has not returned yet
type pendingStart struct {
	cancelled bool
	// stopSent is set when the canceller was Stop; a start that still
	// succeeds afterwards is followed by another stop request.
	stopSent bool
}

// New creates an empty registry
func New(pipeline Pipeline, factory ChannelFactory, log *logger.Logger) *Registry {
	return &Registry{
		pipeline: pipeline,
		factory:  factory,
		logger:   log,
		entries:  make(map[int]*Entry),
		starts:   make(map[int]*pendingStart),
	}
}

// SetObserver registers fn to be told about every added or removed entry
func (r *Registry) SetObserver(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

func (r *Registry) notify(ch Change) {
	r.mu.Lock()
	fn := r.observer
	r.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

// Start begins processing of src and opens its channel. It returns false
// without any request if the source is already active. Concurrent starts for
// one source share a single request.
func (r *Registry) Start(ctx context.Context, src models.Source, tg *models.TelegramConfig) (bool, error) {
	if src.ID <= 0 {
		return false, fmt.Errorf("invalid source id %d", src.ID)
	}
	if r.Has(src.ID) {
		return false, nil
	}

	v, err, _ := r.flight.Do(strconv.Itoa(src.ID), func() (interface{}, error) {
		if r.Has(src.ID) {
			return false, nil
		}
		pending := r.beginStart(src.ID)
		defer r.endStart(src.ID, pending)

		if err := r.pipeline.StartPipeline(ctx, src.ID, tg); err != nil {
			return false, fmt.Errorf("%w: start source %d: %w", ErrRequestFailed, src.ID, err)
		}
		return r.insertPending(ctx, src, pending)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *Registry) beginStart(sourceID int) *pendingStart {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &pendingStart{}
	r.starts[sourceID] = p
	return p
}

func (r *Registry) endStart(sourceID int, p *pendingStart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.starts[sourceID] == p {
		delete(r.starts, sourceID)
	}
}

// cancelStartLocked marks an in-flight start for sourceID as overtaken.
// r.mu must be held.
func (r *Registry) cancelStartLocked(sourceID int, stopSent bool) {
	if p, ok := r.starts[sourceID]; ok {
		p.cancelled = true
		p.stopSent = p.stopSent || stopSent
	}
}

// insertPending inserts unless the start was cancelled while its request was
// in flight
func (r *Registry) insertPending(ctx context.Context, src models.Source, pending *pendingStart) (bool, error) {
	added, err := r.insertUnless(ctx, src, false, func() bool { return pending.cancelled })
	if !errors.Is(err, ErrStartCancelled) {
		return added, err
	}

	r.mu.Lock()
	stopSent := pending.stopSent
	r.mu.Unlock()

	r.logger.Info("Start overtaken by stop", "source_id", src.ID)
	if stopSent {
		// The earlier stop may have reached the service before this start
		if stopErr := r.pipeline.StopPipeline(ctx, src.ID); stopErr != nil {
			r.logger.Warn("Follow-up stop failed", "source_id", src.ID, "error", stopErr)
		}
	}
	return false, fmt.Errorf("%w: source %d", ErrStartCancelled, src.ID)
}

// insert creates, records and opens a channel unless one appeared meanwhile
func (r *Registry) insert(ctx context.Context, src models.Source, restored bool) (bool, error) {
	return r.insertUnless(ctx, src, restored, nil)
}

// insertUnless is insert with an extra veto checked under r.mu. A vetoed
// insert closes the new channel and returns ErrStartCancelled.
func (r *Registry) insertUnless(ctx context.Context, src models.Source, restored bool, cancelled func() bool) (bool, error) {
	ch, err := r.factory(src)
	if err != nil {
		return false, fmt.Errorf("create channel for source %d: %w", src.ID, err)
	}

	r.mu.Lock()
	if cancelled != nil && cancelled() {
		r.mu.Unlock()
		ch.Close()
		return false, ErrStartCancelled
	}
	if _, exists := r.entries[src.ID]; exists {
		r.mu.Unlock()
		ch.Close()
		return false, nil
	}
	r.entries[src.ID] = &Entry{
		Source:    src,
		Channel:   ch,
		StartedAt: time.Now(),
		Restored:  restored,
	}
	r.order = append(r.order, src.ID)
	r.mu.Unlock()

	ch.Open(ctx)
	r.logger.Info("Stream added", "source_id", src.ID, "restored", restored)
	r.notify(Change{Kind: ChangeAdded, SourceID: src.ID, Restored: restored})
	return true, nil
}

// Stop ends processing of a source. The entry is closed and removed even
// when the request fails; the failure is returned wrapped in ErrRequestFailed.
// A start still waiting on its request is cancelled and leaves no channel.
func (r *Registry) Stop(ctx context.Context, sourceID int) error {
	r.mu.Lock()
	r.cancelStartLocked(sourceID, true)
	r.mu.Unlock()

	reqErr := r.pipeline.StopPipeline(ctx, sourceID)

	r.Remove(sourceID)

	if reqErr != nil {
		r.logger.Warn("Stop request failed, stream closed locally", "source_id", sourceID, "error", reqErr)
		return fmt.Errorf("%w: stop source %d: %w", ErrRequestFailed, sourceID, reqErr)
	}
	return nil
}

// Remove closes and drops an entry without any request. It reports whether
// an entry existed.
func (r *Registry) Remove(sourceID int) bool {
	r.mu.Lock()
	entry, ok := r.entries[sourceID]
	if ok {
		delete(r.entries, sourceID)
		r.order = removeID(r.order, sourceID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	entry.Channel.Close()
	r.logger.Info("Stream removed", "source_id", sourceID)
	r.notify(Change{Kind: ChangeRemoved, SourceID: sourceID, Restored: entry.Restored})
	return true
}

// Reconcile opens channels for every id in active that is in the catalog and
// not yet present. No processing requests are made; the service already
// reports these sources as running. Returns the ids that were opened.
func (r *Registry) Reconcile(ctx context.Context, active []int, catalog []models.Source) []int {
	byID := make(map[int]models.Source, len(catalog))
	for _, src := range catalog {
		byID[src.ID] = src
	}

	var restored []int
	seen := make(map[int]bool, len(active))
	for _, id := range active {
		if seen[id] {
			continue
		}
		seen[id] = true

		src, ok := byID[id]
		if !ok {
			r.logger.Debug("Active pipeline has no catalog entry", "source_id", id)
			continue
		}
		if r.Has(id) {
			continue
		}
		added, err := r.insert(ctx, src, true)
		if err != nil {
			r.logger.Warn("Failed to restore stream", "source_id", id, "error", err)
			continue
		}
		if added {
			restored = append(restored, id)
		}
	}
	return restored
}

// RemoveMissing stops every active entry whose source is no longer in the
// catalog. Returns the ids that were removed.
func (r *Registry) RemoveMissing(ctx context.Context, catalog []models.Source) []int {
	present := make(map[int]bool, len(catalog))
	for _, src := range catalog {
		present[src.ID] = true
	}

	var missing []int
	for _, id := range r.IDs() {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	for _, id := range missing {
		if err := r.Stop(ctx, id); err != nil {
			r.logger.Debug("Stop of vanished source failed", "source_id", id, "error", err)
		}
	}
	return missing
}

// CloseAll closes every channel and empties the registry without requests.
// Starts still in flight are cancelled.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	for id := range r.starts {
		r.cancelStartLocked(id, false)
	}
	entries := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.entries = make(map[int]*Entry)
	r.order = nil
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			e.Channel.Close()
		}(e)
	}
	wg.Wait()

	for _, e := range entries {
		r.notify(Change{Kind: ChangeRemoved, SourceID: e.Source.ID, Restored: e.Restored})
	}
	if len(entries) > 0 {
		r.logger.Info("All streams closed", "count", len(entries))
	}
}

// Has reports whether a source is active
func (r *Registry) Has(sourceID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[sourceID]
	return ok
}

// Get returns a copy of the entry for a source
func (r *Registry) Get(sourceID int) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sourceID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries in insertion order
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entries[id])
	}
	return out
}

// IDs returns the active source ids in insertion order
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of active streams
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StatusCounts returns the number of active streams per channel status
func (r *Registry) StatusCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range r.Entries() {
		counts[string(e.Channel.Status())]++
	}
	return counts
}

func removeID(ids []int, id int) []int {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
