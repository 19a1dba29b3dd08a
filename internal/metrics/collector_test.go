package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducanh19020217/fall-detection/internal/channel"
	"github.com/ducanh19020217/fall-detection/internal/models"
	"github.com/ducanh19020217/fall-detection/internal/registry"
)

type stubChannel struct {
	status channel.Status
	stats  channel.Stats
}

func (c stubChannel) SourceID() int                   { return 0 }
func (c stubChannel) Open(context.Context)            {}
func (c stubChannel) Close()                          {}
func (c stubChannel) Status() channel.Status          { return c.status }
func (c stubChannel) Err() error                      { return nil }
func (c stubChannel) CurrentFrame() *channel.Frame    { return nil }
func (c stubChannel) LastMetadata() *channel.Envelope { return nil }
func (c stubChannel) Changed() <-chan struct{}        { return nil }
func (c stubChannel) Stats() channel.Stats            { return c.stats }

type stubStreams []registry.Entry

func (s stubStreams) Entries() []registry.Entry { return s }

type stubWindow struct {
	n  int
	at time.Time
}

func (w stubWindow) Len() int             { return w.n }
func (w stubWindow) UpdatedAt() time.Time { return w.at }

type stubSession struct{}

func (stubSession) Authenticated() bool { return true }
func (stubSession) Teardowns() uint64   { return 2 }

func newTestCollector() *Collector {
	return &Collector{
		Streams: stubStreams{{
			Source:  models.Source{ID: 4, Name: "ward-a"},
			Channel: stubChannel{status: channel.StatusOpen, stats: channel.Stats{Received: 10, Decoded: 8, Dropped: 2}},
		}},
		Events:  stubWindow{n: 3, at: time.Now()},
		Session: stubSession{},
	}
}

func TestCollector_Values(t *testing.T) {
	c := newTestCollector()

	expected := `
# HELP fall_console_session_teardowns_total Global teardowns caused by authorization failures
# TYPE fall_console_session_teardowns_total counter
fall_console_session_teardowns_total 2
# HELP fall_console_streams_active Number of active streams
# TYPE fall_console_streams_active gauge
fall_console_streams_active 1
# HELP fall_console_events_window Events currently in the rolling window
# TYPE fall_console_events_window gauge
fall_console_events_window 3
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"fall_console_session_teardowns_total",
		"fall_console_streams_active",
		"fall_console_events_window",
	))
}

func TestCollector_StreamStatusOneHot(t *testing.T) {
	c := newTestCollector()

	expected := `
# HELP fall_console_stream_status Channel status of an active stream (1 = current)
# TYPE fall_console_stream_status gauge
fall_console_stream_status{source="ward-a",source_id="4",status="closed"} 0
fall_console_stream_status{source="ward-a",source_id="4",status="connecting"} 0
fall_console_stream_status{source="ward-a",source_id="4",status="error"} 0
fall_console_stream_status{source="ward-a",source_id="4",status="open"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "fall_console_stream_status"))
}

func TestCollector_NilSources(t *testing.T) {
	c := &Collector{}
	// Only the scrape duration is emitted
	assert.Equal(t, 1, testutil.CollectAndCount(c))
}

func TestHandler(t *testing.T) {
	reg := NewRegistry(newTestCollector())
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `fall_console_stream_frames_total{outcome="dropped",source_id="4"} 2`)
	assert.Contains(t, body, "go_goroutines")
}
