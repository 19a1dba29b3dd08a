// Package probe checks that an RTSP source is reachable and delivering
// packets, independently of the detection service.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/ducanh19020217/fall-detection/internal/logger"
)

// ErrUnsupportedScheme is returned for sources that are not rtsp:// or rtsps://
var ErrUnsupportedScheme = errors.New("unsupported source scheme")

// Config contains probe settings
type Config struct {
	// Duration is how long packets are counted after PLAY
	Duration time.Duration
	// Timeout bounds each RTSP request
	Timeout time.Duration
}

// Media describes one track announced by the source
type Media struct {
	Type    string   `json:"type"`
	Formats []string `json:"formats"`
	Packets uint64   `json:"packets"`
}

// Result is what a probe observed
type Result struct {
	URL         string        `json:"url"`
	Medias      []Media       `json:"medias"`
	Packets     uint64        `json:"packets"`
	Bytes       uint64        `json:"bytes"`
	FirstPacket time.Duration `json:"first_packet_ns,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// Receiving reports whether any RTP packet arrived
func (r *Result) Receiving() bool {
	return r.Packets > 0
}

// Prober runs RTSP probes
type Prober struct {
	cfg    Config
	logger *logger.Logger
}

// New creates a prober
func New(cfg Config, log *logger.Logger) *Prober {
	if cfg.Duration <= 0 {
		cfg.Duration = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Prober{cfg: cfg, logger: log}
}

// Probe describes, sets up and plays rawURL, counting RTP packets for the
// configured duration. Cancelling ctx aborts the session.
func (p *Prober) Probe(ctx context.Context, rawURL string) (*Result, error) {
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	res := &Result{URL: Redact(rawURL)}
	p.logger.Info("Probing RTSP source", "url", res.URL, "duration", p.cfg.Duration)

	client := &gortsplib.Client{
		ReadTimeout:  p.cfg.Timeout,
		WriteTimeout: p.cfg.Timeout,
	}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	// gortsplib has no context support; closing the client unblocks it
	var closeOnce sync.Once
	closeClient := func() { closeOnce.Do(client.Close) }
	defer closeClient()
	stop := context.AfterFunc(ctx, closeClient)
	defer stop()

	desc, _, err := client.Describe(u)
	if err != nil {
		return nil, wrapCtx(ctx, "failed to describe stream", err)
	}

	if err := client.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		return nil, wrapCtx(ctx, "failed to setup stream", err)
	}

	counts := make(map[*description.Media]*atomic.Uint64, len(desc.Medias))
	for _, m := range desc.Medias {
		counts[m] = &atomic.Uint64{}
	}

	var packets, bytes atomic.Uint64
	var first atomic.Int64
	start := time.Now()

	client.OnPacketRTPAny(func(medi *description.Media, _ format.Format, pkt *rtp.Packet) {
		if packets.Add(1) == 1 {
			first.Store(int64(time.Since(start)))
		}
		bytes.Add(uint64(len(pkt.Payload)))
		if c, ok := counts[medi]; ok {
			c.Add(1)
		}
	})

	if _, err := client.Play(nil); err != nil {
		return nil, wrapCtx(ctx, "failed to play stream", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- client.Wait() }()

	timer := time.NewTimer(p.cfg.Duration)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-waitErr:
		if packets.Load() == 0 {
			return nil, fmt.Errorf("stream ended: %w", err)
		}
		// Ended early but delivered; report what arrived
	}

	res.Duration = time.Since(start)
	res.Packets = packets.Load()
	res.Bytes = bytes.Load()
	res.FirstPacket = time.Duration(first.Load())
	for _, m := range desc.Medias {
		media := Media{Type: string(m.Type), Packets: counts[m].Load()}
		for _, f := range m.Formats {
			media.Formats = append(media.Formats, f.Codec())
		}
		res.Medias = append(res.Medias, media)
	}

	p.logger.Info("RTSP probe finished",
		"url", res.URL,
		"packets", res.Packets,
		"medias", len(res.Medias),
	)
	return res, nil
}

func wrapCtx(ctx context.Context, msg string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Redact hides credentials in a source URL
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
