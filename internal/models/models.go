// Package models holds the wire types exchanged with the detection service.
package models

// SourceType identifies how the detection service reads a source
type SourceType string

const (
	SourceTypeRTSP   SourceType = "rtsp"
	SourceTypeWebcam SourceType = "webcam"
	SourceTypeFile   SourceType = "file"
)

// Valid reports whether t is a known source type
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeRTSP, SourceTypeWebcam, SourceTypeFile:
		return true
	}
	return false
}

// Group is a set of sources sharing notification settings
type Group struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	ChatID   *string `json:"chat_id,omitempty"`
	BotToken *string `json:"bot_token,omitempty"`
}

// Source is a registered video input
type Source struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	SourceURL string     `json:"source_url"`
	Type      SourceType `json:"type"`
	GroupID   *int       `json:"group_id,omitempty"`
	IsActive  bool       `json:"is_active"`
	Group     *Group     `json:"group,omitempty"`
}

// SourceInput is the body for creating or updating a source
type SourceInput struct {
	Name      string     `json:"name"`
	SourceURL string     `json:"source_url"`
	Type      SourceType `json:"type"`
	GroupID   *int       `json:"group_id,omitempty"`
}

// DetectionEvent is a persisted fall event
type DetectionEvent struct {
	ID            int        `json:"id"`
	SourceID      int        `json:"source_id"`
	Timestamp     Timestamp  `json:"timestamp"`
	FallScore     float64    `json:"fall_score"`
	TrackID       int        `json:"track_id"`
	SnapshotPath  *string    `json:"snapshot_path,omitempty"`
	IsResolved    bool       `json:"is_resolved"`
	ResolvedAt    *Timestamp `json:"resolved_at,omitempty"`
	ResponderName *string    `json:"responder_name,omitempty"`
}

// LiveDetection is a per-track detection pushed over a stream channel
type LiveDetection struct {
	TrackID   int       `json:"track_id"`
	FallScore float64   `json:"fall_score"`
	IsFall    bool      `json:"is_fall"`
	Timestamp Timestamp `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// TelegramConfig overrides the notification target for one pipeline run
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// PipelineStart is the body of a begin-processing request
type PipelineStart struct {
	SourceID       int             `json:"source_id"`
	TelegramConfig *TelegramConfig `json:"telegram_config,omitempty"`
}

// PipelineStatus lists the sources the server is processing
type PipelineStatus struct {
	ActiveSourceIDs []int `json:"active_source_ids"`
}

// TokenResponse is returned by the login endpoint
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}
