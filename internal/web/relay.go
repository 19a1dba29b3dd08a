package web

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ducanh19020217/fall-detection/internal/channel"
)

const (
	mjpegBoundary   = "frame"
	relayRecheck    = time.Second
	notifyKeepalive = 15 * time.Second
)

func contentType(f *channel.Frame) string {
	if f.Format == "" {
		return "image/jpeg"
	}
	return "image/" + f.Format
}

// handleFrame returns the current frame of a stream
func (s *Server) handleFrame(c *gin.Context) {
	id, ok := sourceID(c)
	if !ok {
		return
	}
	entry, found := s.console.Registry().Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not active"})
		return
	}
	frame := entry.Channel.CurrentFrame()
	if frame == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No frame yet"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	c.Data(http.StatusOK, contentType(frame), frame.Data)
}

// handleMJPEG relays committed frames as multipart MJPEG until the client
// leaves or the stream is removed
func (s *Server) handleMJPEG(c *gin.Context) {
	id, ok := sourceID(c)
	if !ok {
		return
	}
	entry, found := s.console.Registry().Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not active"})
		return
	}
	ch := entry.Channel

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	var lastSeq uint64
	var lastSent time.Time
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		changed := ch.Changed()

		if f := ch.CurrentFrame(); f != nil && f.Seq != lastSeq {
			minGap := time.Second / time.Duration(s.RelayFPS())
			if wait := minGap - time.Since(lastSent); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return false
				}
				// A newer frame may have landed while waiting
				f = ch.CurrentFrame()
			}
			if err := writePart(w, f); err != nil {
				return false
			}
			lastSeq, lastSent = f.Seq, time.Now()
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-changed:
		case <-time.After(relayRecheck):
		}

		// Stop once the stream is gone or replaced
		current, ok := s.console.Registry().Get(id)
		return ok && current.Channel == ch
	})
}

func writePart(w io.Writer, f *channel.Frame) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: %s\r\nContent-Length: %d\r\nX-Frame-Seq: %d\r\n\r\n",
		mjpegBoundary, contentType(f), len(f.Data), f.Seq); err != nil {
		return err
	}
	if _, err := w.Write(f.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// handleNotifications streams event-bus notifications as server-sent events
func (s *Server) handleNotifications(c *gin.Context) {
	bus := s.GetEventBus()
	if bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Notifications not available"})
		return
	}

	events := bus.SubscribeAll()
	defer bus.Unsubscribe(events)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-time.After(notifyKeepalive):
			c.SSEvent("ping", gin.H{"time": time.Now()})
			return true
		case <-ctx.Done():
			return false
		}
	})
}
