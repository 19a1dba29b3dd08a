package console

import (
	"time"

	"github.com/ducanh19020217/fall-detection/internal/channel"
	"github.com/ducanh19020217/fall-detection/internal/config"
	"github.com/ducanh19020217/fall-detection/internal/feed"
	"github.com/ducanh19020217/fall-detection/internal/grid"
	"github.com/ducanh19020217/fall-detection/internal/models"
	"github.com/ducanh19020217/fall-detection/internal/registry"
	"github.com/ducanh19020217/fall-detection/internal/service"
)

// ApplyConfig takes the reloadable settings from cfg. Stream settings apply
// to channels opened afterwards; the event feed is retuned in place.
func (c *Console) ApplyConfig(cfg *config.Config) {
	c.cfgMu.Lock()
	c.streams = cfg.Console.Streams
	c.cfgMu.Unlock()

	c.feed.Reconfigure(feed.Config{
		PollInterval: cfg.Console.Events.PollInterval,
		Limit:        cfg.Console.Events.Limit,
	})
}

func (c *Console) streamsConfig() config.StreamsConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.streams
}

func (c *Console) newChannel(src models.Source) (registry.Channel, error) {
	streams := c.streamsConfig()
	return channel.New(channel.Config{
		SourceID:             src.ID,
		URL:                  c.api.StreamURL(src.ID),
		Credentials:          c.sess,
		Decoder:              channel.ImageDecoder{Full: streams.FullDecode},
		HandshakeTimeout:     streams.HandshakeTimeout,
		MaxConcurrentDecodes: int64(streams.MaxConcurrentDecodes),
		MaxMessageBytes:      streams.MaxMessageBytes,
		InsecureSkipVerify:   c.cfg.Console.Backend.InsecureSkipVerify,
		OnMetadata:           c.onMetadata,
		OnStatus:             c.onStatus,
		Logger:               c.Logger().Named("channel"),
	})
}

func (c *Console) onRegistryChange(ch registry.Change) {
	eventType := service.EventTypeStreamStarted
	if ch.Kind == registry.ChangeRemoved {
		eventType = service.EventTypeStreamStopped
	}
	c.PublishEvent(eventType, map[string]interface{}{
		"source_id": ch.SourceID,
		"restored":  ch.Restored,
	})
}

func (c *Console) onStatus(sourceID int, status channel.Status, err error) {
	data := map[string]interface{}{
		"source_id": sourceID,
		"status":    string(status),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	c.PublishEvent(service.EventTypeStreamStatus, data)
}

func (c *Console) onMetadata(sourceID int, env channel.Envelope) {
	if env.Type != channel.EnvelopeEvents || len(env.Detections) == 0 {
		return
	}
	falls := env.Falls()
	c.PublishEvent(service.EventTypeStreamDetection, map[string]interface{}{
		"source_id":  sourceID,
		"detections": env.Detections,
		"falls":      len(falls),
	})
}

// StreamView is the state of one active stream
type StreamView struct {
	Source    models.Source          `json:"source"`
	Status    channel.Status         `json:"status"`
	Error     string                 `json:"error,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	Restored  bool                   `json:"restored"`
	Frame     *channel.Frame         `json:"frame,omitempty"`
	Live      []models.LiveDetection `json:"live,omitempty"`
	Stats     channel.Stats          `json:"stats"`
	Cell      grid.Cell              `json:"cell"`
}

// Wall is the active streams arranged for display
type Wall struct {
	Layout  grid.Layout  `json:"layout"`
	Streams []StreamView `json:"streams"`
}

// Wall returns the active streams in grid order
func (c *Console) Wall() Wall {
	entries := c.registry.Entries()

	ids := make([]int, len(entries))
	for i, e := range entries {
		ids[i] = e.Source.ID
	}
	cells := grid.Place(ids)

	views := make([]StreamView, len(entries))
	for i, e := range entries {
		views[i] = view(e)
		views[i].Cell = cells[i]
	}
	return Wall{Layout: grid.ForCount(len(entries)), Streams: views}
}

// Stream returns the view of one active stream
func (c *Console) Stream(sourceID int) (StreamView, bool) {
	e, ok := c.registry.Get(sourceID)
	if !ok {
		return StreamView{}, false
	}
	return view(e), true
}

func view(e registry.Entry) StreamView {
	v := StreamView{
		Source:    e.Source,
		Status:    e.Channel.Status(),
		StartedAt: e.StartedAt,
		Restored:  e.Restored,
		Frame:     e.Channel.CurrentFrame(),
		Stats:     e.Channel.Stats(),
	}
	if err := e.Channel.Err(); err != nil {
		v.Error = err.Error()
	}
	if env := e.Channel.LastMetadata(); env != nil {
		v.Live = env.Detections
	}
	return v
}

// Events returns the event window, restricted to one source when sourceID
// is positive
func (c *Console) Events(sourceID int) []models.DetectionEvent {
	if sourceID > 0 {
		return c.feed.ForSource(sourceID)
	}
	return c.feed.Snapshot()
}
