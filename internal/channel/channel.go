// Package channel implements the per-source live stream: one websocket, one
// read goroutine and a single-slot frame cell that always holds the newest
// decoded frame.
package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/ducanh19020217/fall-detection/internal/logger"
)

// Status is the lifecycle state of a channel
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

// Credentials supplies the bearer token for the handshake and receives
// rejections. session.Manager satisfies it.
type Credentials interface {
	Credential() (token string, generation uint64, ok bool)
	ReportUnauthorized(generation uint64) bool
}

// Config contains channel settings
type Config struct {
	SourceID             int
	URL                  string
	Credentials          Credentials
	Decoder              Decoder
	HandshakeTimeout     time.Duration
	MaxConcurrentDecodes int64
	MaxMessageBytes      int64
	InsecureSkipVerify   bool

	OnFrame    func(sourceID int, f *Frame)
	OnMetadata func(sourceID int, env Envelope)
	OnStatus   func(sourceID int, status Status, err error)

	Logger *logger.Logger
}

// Stats are lifetime counters for a channel
type Stats struct {
	Received     uint64 `json:"received"`
	Decoded      uint64 `json:"decoded"`
	Dropped      uint64 `json:"dropped"`
	Stale        uint64 `json:"stale"`
	DecodeErrors uint64 `json:"decode_errors"`
	Metadata     uint64 `json:"metadata"`
	Malformed    uint64 `json:"malformed"`
}

type counters struct {
	received, decoded, dropped, stale atomic.Uint64
	decodeErrors, metadata, malformed atomic.Uint64
}

// Channel is the live connection for one source
type Channel struct {
	cfg    Config
	logger *logger.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	status   Status
	err      error
	runID    string
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	frame    *Frame
	lastMeta *Envelope
	changed  chan struct{}

	pendMu  sync.Mutex
	pending *pendingFrame

	seq     atomic.Uint64
	decodes sync.WaitGroup
	stats   counters
}

// New creates a closed channel for a source
func New(cfg Config) (*Channel, error) {
	if cfg.SourceID <= 0 {
		return nil, fmt.Errorf("invalid source id %d", cfg.SourceID)
	}
	if cfg.URL == "" {
		return nil, errors.New("stream url is required")
	}
	if cfg.Decoder == nil {
		cfg.Decoder = ImageDecoder{}
	}
	if cfg.MaxConcurrentDecodes <= 0 {
		cfg.MaxConcurrentDecodes = 2
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}

	return &Channel{
		cfg:     cfg,
		logger:  cfg.Logger.With("source_id", cfg.SourceID),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentDecodes),
		status:  StatusClosed,
		changed: make(chan struct{}),
	}, nil
}

// SourceID returns the source this channel streams
func (c *Channel) SourceID() int {
	return c.cfg.SourceID
}

// Open starts connecting in the background and returns immediately. It is a
// no-op while connecting or open. The connection outlives ctx; only Close
// ends it.
func (c *Channel) Open(ctx context.Context) {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusOpen {
		c.mu.Unlock()
		return
	}
	prev := c.done

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.runID = runID
	c.cancel = cancel
	c.done = done
	c.err = nil
	c.status = StatusConnecting
	c.broadcastLocked()
	c.mu.Unlock()

	c.notifyStatus(StatusConnecting, nil)

	go func() {
		if prev != nil {
			<-prev
		}
		c.run(runCtx, runID, done)
	}()
}

func (c *Channel) run(ctx context.Context, runID string, done chan struct{}) {
	defer close(done)

	header := http.Header{}
	var (
		generation uint64
		hasCred    bool
	)
	if c.cfg.Credentials != nil {
		var token string
		token, generation, hasCred = c.cfg.Credentials.Credential()
		if hasCred {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	if c.cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized && hasCred {
			c.cfg.Credentials.ReportUnauthorized(generation)
		}
		c.finish(runID, StatusError, fmt.Errorf("dial stream: %w", err))
		return
	}

	if c.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageBytes)
	}

	c.mu.Lock()
	if c.runID != runID {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.status = StatusOpen
	c.broadcastLocked()
	c.mu.Unlock()

	c.logger.Debug("Stream open", "url", c.cfg.URL)
	c.notifyStatus(StatusOpen, nil)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			status := StatusError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				status = StatusClosed
			}
			conn.Close()
			c.finish(runID, status, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handleBinary(runID, data)
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

// finish records the terminal state of a run unless Close already ended it
func (c *Channel) finish(runID string, status Status, err error) {
	c.mu.Lock()
	if c.runID != runID {
		c.mu.Unlock()
		return
	}
	c.runID = ""
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.status = status
	c.err = err
	c.broadcastLocked()
	c.mu.Unlock()

	if status == StatusError {
		c.logger.Warn("Stream failed", "error", err)
	} else {
		c.logger.Info("Stream closed by server", "reason", err)
	}
	c.notifyStatus(status, err)
}

type pendingFrame struct {
	runID      string
	seq        uint64
	data       []byte
	receivedAt time.Time
}

// handleBinary parks the frame in the mailbox, replacing any frame no worker
// has taken yet, and starts a decode worker if a slot is free. A busy worker
// picks the mailbox up when its current decode finishes.
func (c *Channel) handleBinary(runID string, data []byte) {
	seq := c.seq.Add(1)
	c.stats.received.Add(1)

	c.pendMu.Lock()
	if c.pending != nil {
		c.stats.dropped.Add(1)
	}
	c.pending = &pendingFrame{runID: runID, seq: seq, data: data, receivedAt: time.Now()}
	c.pendMu.Unlock()

	if !c.sem.TryAcquire(1) {
		return
	}
	c.decodes.Add(1)
	go c.decodeLoop()
}

// decodeLoop holds one decode slot and drains the mailbox until it is empty
func (c *Channel) decodeLoop() {
	defer c.decodes.Done()

	for {
		p := c.takePending()
		if p == nil {
			c.sem.Release(1)
			// A frame may have been parked between the take and the release
			if !c.hasPending() || !c.sem.TryAcquire(1) {
				return
			}
			continue
		}
		c.decode(p)
	}
}

func (c *Channel) takePending() *pendingFrame {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

func (c *Channel) hasPending() bool {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return c.pending != nil
}

func (c *Channel) decode(p *pendingFrame) {
	frame, err := c.cfg.Decoder.Decode(p.data)
	if err != nil {
		c.stats.decodeErrors.Add(1)
		c.logger.Debug("Frame decode failed", "seq", p.seq, "error", err)
		return
	}
	frame.Seq = p.seq
	frame.Data = p.data
	frame.Size = len(p.data)
	frame.ReceivedAt = p.receivedAt
	frame.DecodedAt = time.Now()

	if c.commit(p.runID, frame) {
		c.stats.decoded.Add(1)
	}
}

// commit installs frame if it is newer than the current one
func (c *Channel) commit(runID string, frame *Frame) bool {
	c.mu.Lock()
	if c.runID != runID {
		c.mu.Unlock()
		return false
	}
	if c.frame != nil && frame.Seq <= c.frame.Seq {
		c.mu.Unlock()
		c.stats.stale.Add(1)
		return false
	}
	c.frame = frame
	c.broadcastLocked()
	c.mu.Unlock()

	if c.cfg.OnFrame != nil {
		c.cfg.OnFrame(c.cfg.SourceID, frame)
	}
	return true
}

func (c *Channel) handleText(data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		c.stats.malformed.Add(1)
		c.logger.Debug("Ignoring malformed stream message", "error", err)
		return
	}
	c.stats.metadata.Add(1)

	c.mu.Lock()
	c.lastMeta = &env
	c.mu.Unlock()

	if c.cfg.OnMetadata != nil {
		c.cfg.OnMetadata(c.cfg.SourceID, env)
	}
}

// broadcastLocked wakes everyone waiting on Changed. c.mu must be held.
func (c *Channel) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) notifyStatus(status Status, err error) {
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(c.cfg.SourceID, status, err)
	}
}

// Close releases the connection and waits for its goroutines. It is safe to
// call repeatedly, while connecting, or on a channel never opened.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, conn, done := c.cancel, c.conn, c.done
	wasClosed := c.status == StatusClosed && c.runID == ""
	c.runID = ""
	c.cancel = nil
	c.conn = nil
	c.status = StatusClosed
	c.err = nil
	if !wasClosed {
		c.broadcastLocked()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	if done != nil {
		<-done
	}
	c.takePending()
	c.decodes.Wait()

	if !wasClosed {
		c.logger.Debug("Stream channel closed")
		c.notifyStatus(StatusClosed, nil)
	}
}

// Status returns the current lifecycle state
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error behind the last error or server close
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// CurrentFrame returns the newest committed frame, or nil
func (c *Channel) CurrentFrame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// LastMetadata returns the most recent text envelope, or nil
func (c *Channel) LastMetadata() *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMeta
}

// Changed returns a channel closed on the next frame commit or status change
func (c *Channel) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Stats returns a snapshot of the channel counters
func (c *Channel) Stats() Stats {
	return Stats{
		Received:     c.stats.received.Load(),
		Decoded:      c.stats.decoded.Load(),
		Dropped:      c.stats.dropped.Load(),
		Stale:        c.stats.stale.Load(),
		DecodeErrors: c.stats.decodeErrors.Load(),
		Metadata:     c.stats.metadata.Load(),
		Malformed:    c.stats.malformed.Load(),
	}
}
