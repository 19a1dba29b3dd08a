package channel

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"
)

// Frame is one committed image from a stream. A newer frame replaces it;
// nothing keeps history.
type Frame struct {
	Seq        uint64      `json:"seq"`
	Format     string      `json:"format"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Size       int         `json:"size"`
	ReceivedAt time.Time   `json:"received_at"`
	DecodedAt  time.Time   `json:"decoded_at"`
	Data       []byte      `json:"-"`
	Image      image.Image `json:"-"` // set only by a full decode
}

// Decoder turns a binary message into a frame
type Decoder interface {
	Decode(data []byte) (*Frame, error)
}

// DecoderFunc adapts a function to Decoder
type DecoderFunc func(data []byte) (*Frame, error)

// Decode implements Decoder
func (f DecoderFunc) Decode(data []byte) (*Frame, error) {
	return f(data)
}

// ImageDecoder validates frames with the standard image codecs. By default
// only the header is parsed; Full decodes the pixels as well.
type ImageDecoder struct {
	Full bool
}

// Decode implements Decoder
func (d ImageDecoder) Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if d.Full {
		img, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		b := img.Bounds()
		return &Frame{Format: format, Width: b.Dx(), Height: b.Dy(), Size: len(data), Data: data, Image: img}, nil
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}
	return &Frame{Format: format, Width: cfg.Width, Height: cfg.Height, Size: len(data), Data: data}, nil
}
