package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ducanh19020217/fall-detection/internal/models"
)

// EnvelopeEvents carries live detections for the current frame
const EnvelopeEvents = "events"

// Envelope is a text message received on a stream
type Envelope struct {
	Type       string                 `json:"type"`
	Data       json.RawMessage        `json:"data,omitempty"`
	Detections []models.LiveDetection `json:"-"`
	ReceivedAt time.Time              `json:"-"`
}

var errNoType = errors.New("envelope has no type")

// ParseEnvelope decodes a text message. Unknown types are returned as-is
// with their raw data.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errNoType
	}
	if env.Type == EnvelopeEvents && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &env.Detections); err != nil {
			return Envelope{}, fmt.Errorf("parse detections: %w", err)
		}
	}
	env.ReceivedAt = time.Now()
	return env, nil
}

// Falls returns the detections flagged as falls
func (e Envelope) Falls() []models.LiveDetection {
	var out []models.LiveDetection
	for _, d := range e.Detections {
		if d.IsFall {
			out = append(out, d)
		}
	}
	return out
}
