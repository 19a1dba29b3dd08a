package channel

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredentials struct {
	token    string
	gen      uint64
	rejected atomic.Int32
}

func (f *fakeCredentials) Credential() (string, uint64, bool) {
	return f.token, f.gen, f.token != ""
}

func (f *fakeCredentials) ReportUnauthorized(gen uint64) bool {
	if gen != f.gen {
		return false
	}
	f.rejected.Add(1)
	return true
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestNew_RejectsNonPositiveSource(t *testing.T) {
	_, err := New(Config{SourceID: 0, URL: "ws://x"})
	assert.Error(t, err)
}

func TestClose_NeverOpenedIsSafe(t *testing.T) {
	ch, err := New(Config{SourceID: 1, URL: "ws://127.0.0.1:1/api/ws/stream/1"})
	require.NoError(t, err)
	ch.Close()
	ch.Close()
	assert.Equal(t, StatusClosed, ch.Status())
}

func TestHandleBinary_SlowEarlyDecodeDoesNotOverwriteNewer(t *testing.T) {
	startedA := make(chan struct{})
	decoder := DecoderFunc(func(data []byte) (*Frame, error) {
		if string(data) == "A" {
			close(startedA)
			time.Sleep(50 * time.Millisecond)
		}
		return &Frame{Format: "test"}, nil
	})

	ch, err := New(Config{SourceID: 1, URL: "ws://unused", Decoder: decoder, MaxConcurrentDecodes: 2})
	require.NoError(t, err)
	ch.runID = "run"

	ch.handleBinary("run", []byte("A"))
	<-startedA
	ch.handleBinary("run", []byte("B"))
	ch.decodes.Wait()

	frame := ch.CurrentFrame()
	require.NotNil(t, frame)
	assert.Equal(t, "B", string(frame.Data))
	assert.EqualValues(t, 2, frame.Seq)

	stats := ch.Stats()
	assert.EqualValues(t, 2, stats.Received)
	assert.EqualValues(t, 1, stats.Decoded)
	assert.EqualValues(t, 1, stats.Stale)
	assert.Zero(t, stats.Dropped)
}

func TestHandleBinary_SaturatedKeepsNewestFrame(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	decoder := DecoderFunc(func(data []byte) (*Frame, error) {
		if string(data) == "1" {
			close(started)
			<-release
		}
		return &Frame{}, nil
	})

	ch, err := New(Config{SourceID: 1, URL: "ws://unused", Decoder: decoder, MaxConcurrentDecodes: 1})
	require.NoError(t, err)
	ch.runID = "run"

	ch.handleBinary("run", []byte("1"))
	<-started
	ch.handleBinary("run", []byte("2"))
	ch.handleBinary("run", []byte("3"))
	ch.handleBinary("run", []byte("4"))
	close(release)
	ch.decodes.Wait()

	frame := ch.CurrentFrame()
	require.NotNil(t, frame)
	assert.Equal(t, "4", string(frame.Data))
	assert.EqualValues(t, 4, frame.Seq)

	stats := ch.Stats()
	assert.EqualValues(t, 4, stats.Received)
	assert.EqualValues(t, 2, stats.Dropped)
	assert.EqualValues(t, 2, stats.Decoded)
	assert.False(t, ch.hasPending())
}

func TestHandleBinary_WorkersSharedAcrossBurst(t *testing.T) {
	var inFlight, peak atomic.Int32
	decoder := DecoderFunc(func(data []byte) (*Frame, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return &Frame{}, nil
	})

	ch, err := New(Config{SourceID: 1, URL: "ws://unused", Decoder: decoder, MaxConcurrentDecodes: 2})
	require.NoError(t, err)
	ch.runID = "run"

	for i := 0; i < 50; i++ {
		ch.handleBinary("run", []byte{byte(i)})
	}
	ch.decodes.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.NotNil(t, ch.CurrentFrame())
	assert.EqualValues(t, 50, ch.CurrentFrame().Seq)
}

func TestHandleText_MalformedIsSwallowed(t *testing.T) {
	var got []Envelope
	ch, err := New(Config{
		SourceID: 3,
		URL:      "ws://unused",
		OnMetadata: func(_ int, env Envelope) {
			got = append(got, env)
		},
	})
	require.NoError(t, err)

	ch.handleText([]byte(`not json`))
	ch.handleText([]byte(`{"data":[]}`))
	ch.handleText([]byte(`{"type":"events","data":[{"track_id":4,"fall_score":0.9,"is_fall":true,"timestamp":1714559415.5,"reason":"angle"}]}`))

	stats := ch.Stats()
	assert.EqualValues(t, 2, stats.Malformed)
	assert.EqualValues(t, 1, stats.Metadata)
	require.Len(t, got, 1)
	require.Len(t, got[0].Falls(), 1)
	assert.Equal(t, 4, got[0].Detections[0].TrackID)
	assert.Nil(t, ch.CurrentFrame())
}

func TestChannel_EndToEnd(t *testing.T) {
	frame := testJPEG(t, 32, 24)
	closeNow := make(chan struct{})
	var connections atomic.Int32
	var authHeader atomic.Value

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connections.Add(1)

		_ = conn.WriteMessage(websocket.BinaryMessage, frame)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"events","data":[]}`))
		<-closeNow
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Pipeline not active"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var statuses []Status
	ch, err := New(Config{
		SourceID:    7,
		URL:         wsURL(srv, "/api/ws/stream/7"),
		Credentials: &fakeCredentials{token: "tok", gen: 1},
		OnStatus: func(_ int, s Status, _ error) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer ch.Close()

	ch.Open(context.Background())

	require.Eventually(t, func() bool { return ch.CurrentFrame() != nil }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ch.LastMetadata() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusOpen, ch.Status())
	assert.Equal(t, "Bearer tok", authHeader.Load())

	current := ch.CurrentFrame()
	assert.Equal(t, "jpeg", current.Format)
	assert.Equal(t, 32, current.Width)
	assert.Equal(t, 24, current.Height)

	close(closeNow)
	require.Eventually(t, func() bool { return ch.Status() == StatusClosed }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorContains(t, ch.Err(), "Pipeline not active")

	// No implicit reconnect
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, connections.Load())
	assert.Equal(t, StatusClosed, ch.Status())

	mu.Lock()
	assert.Equal(t, []Status{StatusConnecting, StatusOpen, StatusClosed}, statuses)
	mu.Unlock()
}

func TestChannel_TransportErrorStaysInError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connections.Add(1)
		// Drop the TCP connection without a close frame
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	ch, err := New(Config{SourceID: 2, URL: wsURL(srv, "/api/ws/stream/2")})
	require.NoError(t, err)
	defer ch.Close()

	ch.Open(context.Background())
	require.Eventually(t, func() bool { return ch.Status() == StatusError }, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, ch.Err())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, connections.Load())

	// Explicit reopen dials again
	ch.Open(context.Background())
	require.Eventually(t, func() bool { return connections.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_HandshakeRejectedReportsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &fakeCredentials{token: "expired", gen: 4}
	ch, err := New(Config{SourceID: 5, URL: wsURL(srv, "/api/ws/stream/5"), Credentials: creds})
	require.NoError(t, err)
	defer ch.Close()

	ch.Open(context.Background())
	require.Eventually(t, func() bool { return ch.Status() == StatusError }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, creds.rejected.Load())
}

func TestChannel_CloseWhileOpenIsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch, err := New(Config{SourceID: 9, URL: wsURL(srv, "/api/ws/stream/9")})
	require.NoError(t, err)

	ch.Open(context.Background())
	require.Eventually(t, func() bool { return ch.Status() == StatusOpen }, 2*time.Second, 10*time.Millisecond)

	changed := ch.Changed()
	ch.Close()
	ch.Close()

	assert.Equal(t, StatusClosed, ch.Status())
	assert.NoError(t, ch.Err())
	select {
	case <-changed:
	default:
		t.Fatal("Close should wake waiters on Changed")
	}
}
