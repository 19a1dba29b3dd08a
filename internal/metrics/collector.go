// Package metrics exposes console state to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ducanh19020217/fall-detection/internal/channel"
	"github.com/ducanh19020217/fall-detection/internal/registry"
)

const namespace = "fall_console"

// Streams lists the active streams
type Streams interface {
	Entries() []registry.Entry
}

// EventWindow is the rolling detection window
type EventWindow interface {
	Len() int
	UpdatedAt() time.Time
}

// Session reports authentication state
type Session interface {
	Authenticated() bool
	Teardowns() uint64
}

var (
	scrapeDurationDesc = prometheus.NewDesc(
		namespace+"_scrape_duration_seconds", "Time taken to collect console metrics", nil, nil)
	authenticatedDesc = prometheus.NewDesc(
		namespace+"_session_authenticated", "1 if the console holds a credential", nil, nil)
	teardownsDesc = prometheus.NewDesc(
		namespace+"_session_teardowns_total", "Global teardowns caused by authorization failures", nil, nil)
	streamsActiveDesc = prometheus.NewDesc(
		namespace+"_streams_active", "Number of active streams", nil, nil)
	streamStatusDesc = prometheus.NewDesc(
		namespace+"_stream_status", "Channel status of an active stream (1 = current)", []string{"source_id", "source", "status"}, nil)
	streamFramesDesc = prometheus.NewDesc(
		namespace+"_stream_frames_total", "Frames seen by a channel, by outcome", []string{"source_id", "outcome"}, nil)
	streamMetadataDesc = prometheus.NewDesc(
		namespace+"_stream_metadata_total", "Metadata messages seen by a channel", []string{"source_id", "outcome"}, nil)
	eventsWindowDesc = prometheus.NewDesc(
		namespace+"_events_window", "Events currently in the rolling window", nil, nil)
	eventsAgeDesc = prometheus.NewDesc(
		namespace+"_events_age_seconds", "Seconds since the event window was last replaced", nil, nil)
)

var allStatuses = []channel.Status{
	channel.StatusConnecting,
	channel.StatusOpen,
	channel.StatusError,
	channel.StatusClosed,
}

// Collector reads console state at scrape time. Any of its sources may be
// nil.
type Collector struct {
	Streams Streams
	Events  EventWindow
	Session Session
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- scrapeDurationDesc
	ch <- authenticatedDesc
	ch <- teardownsDesc
	ch <- streamsActiveDesc
	ch <- streamStatusDesc
	ch <- streamFramesDesc
	ch <- streamMetadataDesc
	ch <- eventsWindowDesc
	ch <- eventsAgeDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	start := time.Now()

	if c.Session != nil {
		ch <- prometheus.MustNewConstMetric(authenticatedDesc, prometheus.GaugeValue, boolValue(c.Session.Authenticated()))
		ch <- prometheus.MustNewConstMetric(teardownsDesc, prometheus.CounterValue, float64(c.Session.Teardowns()))
	}

	if c.Streams != nil {
		entries := c.Streams.Entries()
		ch <- prometheus.MustNewConstMetric(streamsActiveDesc, prometheus.GaugeValue, float64(len(entries)))

		for _, e := range entries {
			id := strconv.Itoa(e.Source.ID)
			current := e.Channel.Status()
			for _, st := range allStatuses {
				ch <- prometheus.MustNewConstMetric(streamStatusDesc, prometheus.GaugeValue,
					boolValue(st == current), id, e.Source.Name, string(st))
			}

			s := e.Channel.Stats()
			for outcome, v := range map[string]uint64{
				"received":     s.Received,
				"decoded":      s.Decoded,
				"dropped":      s.Dropped,
				"stale":        s.Stale,
				"decode_error": s.DecodeErrors,
			} {
				ch <- prometheus.MustNewConstMetric(streamFramesDesc, prometheus.CounterValue, float64(v), id, outcome)
			}
			ch <- prometheus.MustNewConstMetric(streamMetadataDesc, prometheus.CounterValue, float64(s.Metadata), id, "ok")
			ch <- prometheus.MustNewConstMetric(streamMetadataDesc, prometheus.CounterValue, float64(s.Malformed), id, "malformed")
		}
	}

	if c.Events != nil {
		ch <- prometheus.MustNewConstMetric(eventsWindowDesc, prometheus.GaugeValue, float64(c.Events.Len()))
		if at := c.Events.UpdatedAt(); !at.IsZero() {
			ch <- prometheus.MustNewConstMetric(eventsAgeDesc, prometheus.GaugeValue, time.Since(at).Seconds())
		}
	}

	ch <- prometheus.MustNewConstMetric(scrapeDurationDesc, prometheus.GaugeValue, time.Since(start).Seconds())
}

// NewRegistry returns a registry with the collector plus the Go runtime and
// process collectors
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
