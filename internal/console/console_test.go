package console

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducanh19020217/fall-detection/internal/api"
	"github.com/ducanh19020217/fall-detection/internal/channel"
	"github.com/ducanh19020217/fall-detection/internal/console/consoletest"
	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/models"
	"github.com/ducanh19020217/fall-detection/internal/registry"
	"github.com/ducanh19020217/fall-detection/internal/service"
	"github.com/ducanh19020217/fall-detection/internal/state"
)

const wait = 2 * time.Second
const tick = 10 * time.Millisecond

func newTestStack(t *testing.T, b *consoletest.Backend) *Stack {
	t.Helper()

	stack, err := Build(b.Config(t.TempDir()), logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stack.Console.Stop(ctx)
		stack.Close()
	})
	return stack
}

func login(t *testing.T, c *Console) []int {
	t.Helper()
	restored, err := c.Login(context.Background(), consoletest.Username, consoletest.Password)
	require.NoError(t, err)
	return restored
}

func TestLogin_ReconcilesActivePipelines(t *testing.T) {
	b := consoletest.New(t, 5)
	b.SetActive(2, 5)
	c := newTestStack(t, b).Console
	require.NoError(t, c.Start(context.Background()))
	assert.False(t, c.Authenticated())

	restored := login(t, c)

	assert.ElementsMatch(t, []int{2, 5}, restored)
	assert.ElementsMatch(t, []int{2, 5}, c.Registry().IDs())
	assert.Empty(t, b.Starts(), "restoring must not send start requests")
	assert.True(t, c.Feed().Running())
}

func TestLogin_InvalidCredentials(t *testing.T) {
	b := consoletest.New(t, 1)
	stack := newTestStack(t, b)

	_, err := stack.Console.Login(context.Background(), "admin", "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidCredentials))
	assert.False(t, stack.Console.Authenticated())

	actions, err := stack.Console.Actions(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionLogin, actions[0].Action)
	assert.Equal(t, state.OutcomeFailed, actions[0].Outcome)
}

func TestStart_RestoresStoredCredential(t *testing.T) {
	b := consoletest.New(t, 3)
	b.SetActive(3)
	stack := newTestStack(t, b)
	require.NoError(t, stack.State.SaveCredential(context.Background(), consoletest.Token))

	require.NoError(t, stack.Console.Start(context.Background()))

	assert.True(t, stack.Console.Authenticated())
	assert.Equal(t, []int{3}, stack.Console.Registry().IDs())
}

func TestStart_UnattendedLogin(t *testing.T) {
	b := consoletest.New(t, 2)
	b.SetActive(1)
	cfg := b.Config(t.TempDir())
	cfg.Console.Session.Username = consoletest.Username
	cfg.Console.Session.Password = consoletest.Password

	stack, err := Build(cfg, logger.NewNopLogger())
	require.NoError(t, err)
	defer stack.Close()
	defer stack.Console.Stop(context.Background())

	require.NoError(t, stack.Console.Start(context.Background()))
	assert.True(t, stack.Console.Authenticated())
	assert.Equal(t, []int{1}, stack.Console.Registry().IDs())

	token, err := stack.State.LoadCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, consoletest.Token, token)
}

func TestStartStream_Idempotent(t *testing.T) {
	b := consoletest.New(t, 4)
	c := newTestStack(t, b).Console
	login(t, c)
	ctx := context.Background()

	started, err := c.StartStream(ctx, 3, nil)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = c.StartStream(ctx, 3, nil)
	require.NoError(t, err)
	assert.False(t, started)

	assert.Equal(t, []int{3}, b.Starts())
	assert.Equal(t, 1, c.Registry().Len())

	require.Eventually(t, func() bool {
		v, ok := c.Stream(3)
		return ok && v.Status == channel.StatusOpen && v.Frame != nil && len(v.Live) == 1
	}, wait, tick)

	v, _ := c.Stream(3)
	assert.Equal(t, 16, v.Frame.Width)
	assert.True(t, v.Live[0].IsFall)
}

func TestStartStream_TelegramOverride(t *testing.T) {
	b := consoletest.New(t, 2)
	c := newTestStack(t, b).Console
	login(t, c)

	tg := &models.TelegramConfig{BotToken: "bot", ChatID: "-100"}
	_, err := c.StartStream(context.Background(), 2, tg)
	require.NoError(t, err)
	assert.Equal(t, tg, b.TelegramConfig(2))
}

func TestStartStream_UnknownSource(t *testing.T) {
	b := consoletest.New(t, 2)
	c := newTestStack(t, b).Console
	login(t, c)

	_, err := c.StartStream(context.Background(), 9, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceNotFound))
	assert.Empty(t, b.Starts())
	assert.Zero(t, c.Registry().Len())
}

func TestStopStream_FailingRequestStillTearsDown(t *testing.T) {
	b := consoletest.New(t, 2)
	b.SetActive(2)
	c := newTestStack(t, b).Console
	login(t, c)
	require.True(t, c.Registry().Has(2))

	b.FailStop(true)
	err := c.StopStream(context.Background(), 2)

	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrRequestFailed))
	assert.False(t, c.Registry().Has(2))
	assert.Equal(t, []int{2}, b.Stops())

	actions, err := c.Actions(context.Background(), 2, 10)
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	assert.Equal(t, ActionStop, actions[0].Action)
	assert.Equal(t, state.OutcomeFailed, actions[0].Outcome)
}

func TestUnauthorized_TearsDownOnce(t *testing.T) {
	b := consoletest.New(t, 3)
	b.SetActive(1, 2)
	stack := newTestStack(t, b)
	c := stack.Console
	login(t, c)
	require.Equal(t, 2, c.Registry().Len())

	b.RejectCredentials(true)
	_, err := c.Sources(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrUnauthenticated))

	require.Eventually(t, func() bool {
		return c.Registry().Len() == 0 && !c.Feed().Running()
	}, wait, tick)
	assert.False(t, c.Authenticated())
	assert.EqualValues(t, 1, stack.Session.Teardowns())

	// Later calls fail without reaching the service
	_, err = c.Sources(context.Background())
	assert.True(t, errors.Is(err, api.ErrUnauthenticated))

	token, err := stack.State.LoadCredential(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)

	// A fresh login brings the streams back
	b.RejectCredentials(false)
	login(t, c)
	assert.ElementsMatch(t, []int{1, 2}, c.Registry().IDs())
}

func TestLogout(t *testing.T) {
	b := consoletest.New(t, 2)
	b.SetActive(1)
	c := newTestStack(t, b).Console
	login(t, c)

	c.Logout(context.Background())

	assert.False(t, c.Authenticated())
	assert.Zero(t, c.Registry().Len())
	assert.False(t, c.Feed().Running())
	assert.Equal(t, []int{1}, b.Active(), "logout leaves server-side processing running")
}

func TestDeleteSource_ClosesStream(t *testing.T) {
	b := consoletest.New(t, 3)
	b.SetActive(3)
	c := newTestStack(t, b).Console
	login(t, c)

	require.NoError(t, c.DeleteSource(context.Background(), 3))
	assert.False(t, c.Registry().Has(3))
	assert.Empty(t, b.Active())
	assert.Equal(t, []int{3}, b.Stops(), "deleting an active source stops it")
}

func TestDeleteSource_InactiveSendsNoStop(t *testing.T) {
	b := consoletest.New(t, 3)
	c := newTestStack(t, b).Console
	login(t, c)

	require.NoError(t, c.DeleteSource(context.Background(), 2))
	assert.Empty(t, b.Stops())
}

func TestDeleteSource_FailedStopStillCloses(t *testing.T) {
	b := consoletest.New(t, 3)
	b.SetActive(1)
	b.FailStop(true)
	c := newTestStack(t, b).Console
	login(t, c)

	require.NoError(t, c.DeleteSource(context.Background(), 1))
	assert.False(t, c.Registry().Has(1))
	assert.Equal(t, []int{1}, b.Stops())
}

func TestSources_RemovesVanishedStreams(t *testing.T) {
	b := consoletest.New(t, 3)
	b.SetActive(1, 3)
	c := newTestStack(t, b).Console
	login(t, c)

	b.RemoveSource(3)
	catalog, err := c.Sources(context.Background())
	require.NoError(t, err)

	assert.Len(t, catalog, 2)
	assert.Equal(t, []int{1}, c.Registry().IDs())
}

func TestSetNightMode(t *testing.T) {
	b := consoletest.New(t, 3)
	b.SetActive(1, 2)
	c := newTestStack(t, b).Console
	login(t, c)
	ctx := context.Background()

	require.NoError(t, c.SetNightMode(ctx, 0, true))
	for _, id := range []int{1, 2} {
		on, set := b.NightMode(id)
		assert.True(t, set && on, "source %d", id)
	}

	err := c.SetNightMode(ctx, 3, true)
	require.Error(t, err)
	var reqErr *api.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.True(t, reqErr.NotFound())
}

func TestReopen(t *testing.T) {
	b := consoletest.New(t, 2)
	b.SetActive(1)
	c := newTestStack(t, b).Console
	login(t, c)

	_, err := c.Reopen(2)
	assert.True(t, errors.Is(err, ErrNotActive))

	require.Eventually(t, func() bool {
		v, _ := c.Stream(1)
		return v.Status == channel.StatusOpen
	}, wait, tick)

	status, err := c.Reopen(1)
	require.NoError(t, err)
	assert.Equal(t, channel.StatusOpen, status)
}

func TestProbe_RejectsNonRTSP(t *testing.T) {
	b := consoletest.New(t, 2)
	b.SetSourceType(2, models.SourceTypeWebcam, "0")
	c := newTestStack(t, b).Console
	login(t, c)

	_, err := c.Probe(context.Background(), 2)
	assert.True(t, errors.Is(err, ErrNotProbeable))

	_, err = c.Probe(context.Background(), 7)
	assert.True(t, errors.Is(err, ErrSourceNotFound))
}

func TestWall(t *testing.T) {
	b := consoletest.New(t, 5)
	c := newTestStack(t, b).Console

	assert.True(t, c.Wall().Layout.Empty)

	b.SetActive(1, 2, 3)
	login(t, c)

	wall := c.Wall()
	assert.Equal(t, 2, wall.Layout.Columns)
	assert.Equal(t, 2, wall.Layout.Rows)
	require.Len(t, wall.Streams, 3)
	assert.Equal(t, 1, wall.Streams[2].Cell.Row)
	assert.Equal(t, 0, wall.Streams[2].Cell.Column)
}

func TestEvents_FeedAndFilter(t *testing.T) {
	b := consoletest.New(t, 2)
	b.SetEvents(
		models.DetectionEvent{ID: 10, SourceID: 2, FallScore: 0.9},
		models.DetectionEvent{ID: 9, SourceID: 1, FallScore: 0.8},
	)
	c := newTestStack(t, b).Console
	login(t, c)

	require.Eventually(t, func() bool { return len(c.Events(0)) == 2 }, wait, tick)
	filtered := c.Events(2)
	require.Len(t, filtered, 1)
	assert.Equal(t, 10, filtered[0].ID)
}

func TestBusNotifications(t *testing.T) {
	b := consoletest.New(t, 2)
	c := newTestStack(t, b).Console
	bus := service.NewEventBus(32)
	c.SetEventBus(bus)
	events := bus.Subscribe(service.EventTypeStreamStarted, service.EventTypeStreamDetection)

	login(t, c)
	_, err := c.StartStream(context.Background(), 1, nil)
	require.NoError(t, err)

	seen := map[service.EventType]bool{}
	deadline := time.After(wait)
	for !(seen[service.EventTypeStreamStarted] && seen[service.EventTypeStreamDetection]) {
		select {
		case ev := <-events:
			seen[ev.Type] = true
			assert.Equal(t, 1, ev.Data["source_id"])
		case <-deadline:
			t.Fatalf("missing notifications, saw %v", seen)
		}
	}
}

func TestApplyConfig_UpdatesFeedAndLaterChannels(t *testing.T) {
	b := consoletest.New(t, 2)
	c := newTestStack(t, b).Console

	cfg := b.Config(t.TempDir())
	cfg.Console.Events.PollInterval = 3 * time.Second
	cfg.Console.Events.Limit = 7
	cfg.Console.Streams.MaxConcurrentDecodes = 5
	cfg.Console.Streams.FullDecode = true

	c.ApplyConfig(cfg)

	got := c.Feed().Config()
	assert.Equal(t, 3*time.Second, got.PollInterval)
	assert.Equal(t, 7, got.Limit)
	assert.Equal(t, cfg.Console.Streams, c.streamsConfig())
}
