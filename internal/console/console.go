// Package console wires the session, stream registry, reconciler and event
// feed into one service and exposes the operator actions.
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ducanh19020217/fall-detection/internal/api"
	"github.com/ducanh19020217/fall-detection/internal/channel"
	"github.com/ducanh19020217/fall-detection/internal/config"
	"github.com/ducanh19020217/fall-detection/internal/feed"
	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/models"
	"github.com/ducanh19020217/fall-detection/internal/probe"
	"github.com/ducanh19020217/fall-detection/internal/reconciler"
	"github.com/ducanh19020217/fall-detection/internal/registry"
	"github.com/ducanh19020217/fall-detection/internal/service"
	"github.com/ducanh19020217/fall-detection/internal/session"
	"github.com/ducanh19020217/fall-detection/internal/state"
)

var (
	// ErrSourceNotFound is returned when a source id is not in the catalog
	ErrSourceNotFound = errors.New("source not found")
	// ErrNotActive is returned for stream operations on an inactive source
	ErrNotActive = errors.New("stream not active")
	// ErrNotProbeable is returned when probing a source that is not rtsp
	ErrNotProbeable = errors.New("only rtsp sources can be probed")
)

// Audit action names
const (
	ActionLogin        = "login"
	ActionLogout       = "logout"
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionReopen       = "reopen"
	ActionNightMode    = "night_mode"
	ActionDeleteSource = "delete_source"
)

const auditRetention = 30 * 24 * time.Hour

// Deps are the collaborators a console is built from. State and Prober may be
// nil.
type Deps struct {
	Config  *config.Config
	Session *session.Manager
	API     *api.Client
	State   *state.Manager
	Prober  *probe.Prober
	Logger  *logger.Logger
}

// Console is the running monitoring console
type Console struct {
	*service.ServiceBase

	cfg      *config.Config
	sess     *session.Manager
	api      *api.Client
	state    *state.Manager
	prober   *probe.Prober
	registry *registry.Registry
	recon    *reconciler.Reconciler
	feed     *feed.Feed

	// cfgMu guards the settings that may change on reload
	cfgMu   sync.RWMutex
	streams config.StreamsConfig

	// lifeMu serializes activation and teardown
	lifeMu    sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc
	teardowns sync.WaitGroup
}

// New builds a console. Nothing touches the network until Start.
func New(deps Deps) *Console {
	c := &Console{
		ServiceBase: service.NewServiceBase("console", deps.Logger),
		cfg:         deps.Config,
		sess:        deps.Session,
		api:         deps.API,
		state:       deps.State,
		prober:      deps.Prober,
		streams:     deps.Config.Console.Streams,
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())

	c.registry = registry.New(deps.API, c.newChannel, deps.Logger.Named("registry"))
	c.registry.SetObserver(c.onRegistryChange)
	c.recon = reconciler.New(deps.API, c.registry, deps.Logger.Named("reconciler"))
	c.feed = feed.New(deps.API, deps.Session, feed.Config{
		PollInterval: deps.Config.Console.Events.PollInterval,
		Limit:        deps.Config.Console.Events.Limit,
	}, deps.Logger)

	// Listeners run on whichever goroutine saw the 401, possibly a channel
	// reader or the feed loop, so teardown must not run inline.
	deps.Session.OnUnauthenticated(func() {
		c.teardowns.Add(1)
		go func() {
			defer c.teardowns.Done()
			c.teardown("credential rejected")
		}()
	})

	return c
}

// SetEventBus wires the bus into the console and its feed
func (c *Console) SetEventBus(bus *service.EventBus) {
	c.ServiceBase.SetEventBus(bus)
	c.feed.SetEventBus(bus)
}

// Start restores a stored credential, or logs in with configured
// credentials, and activates the session. Backend failures are logged; the
// console still starts and waits for an operator login.
func (c *Console) Start(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusStarting)

	if c.state != nil {
		if _, err := c.state.PruneActions(ctx, time.Now().Add(-auditRetention)); err != nil {
			c.LogWarn("Failed to prune audit log", "error", err)
		}
	}

	restored, err := c.sess.Restore(ctx)
	if err != nil {
		c.LogWarn("Failed to restore credential", "error", err)
	}

	creds := c.cfg.Console.Session
	switch {
	case restored:
		c.activate(ctx)
	case creds.Username != "":
		if _, err := c.Login(ctx, creds.Username, creds.Password); err != nil {
			c.LogError("Unattended login failed", err, "username", creds.Username)
		}
	default:
		c.LogInfo("No credential, waiting for login")
	}

	c.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Stop closes every channel and stops polling. Server-side processing is
// left running, as when an operator closes the screen.
func (c *Console) Stop(ctx context.Context) error {
	c.runCancel()

	c.lifeMu.Lock()
	err := c.feed.Stop(ctx)
	c.registry.CloseAll()
	c.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.teardowns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// activate runs once per authentication: reconcile then start polling
func (c *Console) activate(ctx context.Context) []int {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.runCtx.Err() != nil || !c.sess.Authenticated() {
		return nil
	}

	c.PublishEvent(service.EventTypeAuthenticated, nil)

	var restored []int
	res, err := c.recon.Run(ctx)
	if err == nil {
		restored = res.Restored
		c.PublishEvent(service.EventTypePipelineReconciled, map[string]interface{}{
			"active":   res.Active,
			"restored": res.Restored,
		})
	}

	if err := c.feed.Start(c.runCtx); err != nil {
		c.LogError("Failed to start event feed", err)
	}
	return restored
}

// teardown closes every channel and stops polling without any request
func (c *Console) teardown(reason string) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	// A login may have happened between the rejection and now
	if c.sess.Authenticated() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.feed.Stop(ctx); err != nil {
		c.LogWarn("Event feed did not stop in time", "error", err)
	}
	c.feed.Reset()
	c.registry.CloseAll()

	c.LogInfo("Session torn down", "reason", reason)
	c.PublishEvent(service.EventTypeUnauthenticated, map[string]interface{}{
		"reason": reason,
	})
}

// Login authenticates, installs the credential and reconciles. It returns
// the source ids restored from the service.
func (c *Console) Login(ctx context.Context, username, password string) ([]int, error) {
	tok, err := c.api.Login(ctx, username, password)
	if err != nil {
		c.audit(ctx, ActionLogin, 0, err)
		return nil, err
	}
	if err := c.sess.SetCredential(ctx, tok.AccessToken); err != nil {
		// Held in memory; only persistence failed
		c.LogWarn("Failed to persist credential", "error", err)
	}
	c.audit(ctx, ActionLogin, 0, nil)
	c.LogInfo("Logged in", "username", username)

	return c.activate(ctx), nil
}

// Logout forgets the credential and tears the session down
func (c *Console) Logout(ctx context.Context) {
	c.sess.ClearCredential(ctx)
	c.teardown("logout")
	c.audit(ctx, ActionLogout, 0, nil)
}

// Authenticated reports whether the console holds a credential
func (c *Console) Authenticated() bool {
	return c.sess.Authenticated()
}

// Reconcile re-runs the pipeline reconciliation on demand
func (c *Console) Reconcile(ctx context.Context) (*reconciler.Result, error) {
	res, err := c.recon.Run(ctx)
	if err != nil {
		return nil, err
	}
	c.PublishEvent(service.EventTypePipelineReconciled, map[string]interface{}{
		"active":   res.Active,
		"restored": res.Restored,
	})
	return res, nil
}

// Sources fetches the catalog and drops streams whose source disappeared
func (c *Console) Sources(ctx context.Context) ([]models.Source, error) {
	catalog, err := c.api.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	if removed := c.registry.RemoveMissing(ctx, catalog); len(removed) > 0 {
		c.LogInfo("Stopped streams of deleted sources", "source_ids", removed)
	}
	return catalog, nil
}

func (c *Console) lookup(ctx context.Context, sourceID int) (models.Source, error) {
	catalog, err := c.api.ListSources(ctx)
	if err != nil {
		return models.Source{}, err
	}
	for _, src := range catalog {
		if src.ID == sourceID {
			return src, nil
		}
	}
	return models.Source{}, fmt.Errorf("%w: %d", ErrSourceNotFound, sourceID)
}

// StartStream begins processing of a source and opens its channel. It
// reports false if the source was already active.
func (c *Console) StartStream(ctx context.Context, sourceID int, tg *models.TelegramConfig) (bool, error) {
	if c.registry.Has(sourceID) {
		return false, nil
	}
	src, err := c.lookup(ctx, sourceID)
	if err != nil {
		return false, err
	}
	started, err := c.registry.Start(ctx, src, tg)
	if started || err != nil {
		c.audit(ctx, ActionStart, sourceID, err)
	}
	return started, err
}

// StopStream ends processing of a source. The stream is closed locally even
// when the request fails; that failure is returned wrapping
// registry.ErrRequestFailed.
func (c *Console) StopStream(ctx context.Context, sourceID int) error {
	err := c.registry.Stop(ctx, sourceID)
	c.audit(ctx, ActionStop, sourceID, err)
	return err
}

// Reopen reconnects the channel of an active stream that closed or failed.
// It is a no-op while the channel is connecting or open.
func (c *Console) Reopen(sourceID int) (channel.Status, error) {
	entry, ok := c.registry.Get(sourceID)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNotActive, sourceID)
	}
	entry.Channel.Open(c.runCtx)
	c.audit(context.Background(), ActionReopen, sourceID, nil)
	return entry.Channel.Status(), nil
}

// SetNightMode toggles night mode on one running pipeline, or on every
// active stream when sourceID is 0.
func (c *Console) SetNightMode(ctx context.Context, sourceID int, on bool) error {
	ids := []int{sourceID}
	if sourceID == 0 {
		ids = c.registry.IDs()
	}

	var errs []error
	for _, id := range ids {
		err := c.api.UpdatePipelineConfig(ctx, id, on)
		c.audit(ctx, ActionNightMode, id, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// DeleteSource deletes a source from the catalog and stops its stream if it
// was active. A failed stop is only logged; the deletion already succeeded
// and the stream is closed locally either way.
func (c *Console) DeleteSource(ctx context.Context, sourceID int) error {
	err := c.api.DeleteSource(ctx, sourceID)
	c.audit(ctx, ActionDeleteSource, sourceID, err)
	if err != nil {
		return err
	}
	if !c.registry.Has(sourceID) {
		return nil
	}
	if err := c.StopStream(ctx, sourceID); err != nil {
		c.LogWarn("Stop after delete failed", "source_id", sourceID, "error", err)
	}
	return nil
}

// Probe checks an rtsp source directly, bypassing the detection service
func (c *Console) Probe(ctx context.Context, sourceID int) (*probe.Result, error) {
	if c.prober == nil {
		return nil, errors.New("probe not configured")
	}
	src, err := c.lookup(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.Type != models.SourceTypeRTSP {
		return nil, fmt.Errorf("%w: source %d is %s", ErrNotProbeable, sourceID, src.Type)
	}
	return c.prober.Probe(ctx, src.SourceURL)
}

// Actions returns recent audit records, newest first
func (c *Console) Actions(ctx context.Context, sourceID, limit int) ([]state.Action, error) {
	if c.state == nil {
		return []state.Action{}, nil
	}
	return c.state.RecentActions(ctx, sourceID, limit)
}

func (c *Console) audit(ctx context.Context, action string, sourceID int, cause error) {
	if c.state == nil {
		return
	}
	// Record even if the caller's request was cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := c.state.RecordAction(ctx, action, sourceID, cause); err != nil {
		c.LogWarn("Failed to record action", "action", action, "source_id", sourceID, "error", err)
	}
}

// Registry exposes the active stream set
func (c *Console) Registry() *registry.Registry {
	return c.registry
}

// Feed exposes the event window
func (c *Console) Feed() *feed.Feed {
	return c.feed
}

// Session exposes the session manager
func (c *Console) Session() *session.Manager {
	return c.sess
}
