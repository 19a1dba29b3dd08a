// Package api is the REST client for the detection service.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/models"
	"github.com/ducanh19020217/fall-detection/internal/session"
)

// ErrUnauthenticated is returned when no credential is held or the service
// rejected the one that was sent.
var ErrUnauthenticated = errors.New("unauthenticated")

// RequestError describes a non-2xx reply other than 401
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// NotFound reports whether the service answered 404
func (e *RequestError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

const maxErrorBody = 512

// Config contains client settings
type Config struct {
	BaseURL            string
	StreamURL          string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Client talks to the detection service. Every call except Login and Health
// requires a credential from the session manager.
type Client struct {
	http      *resty.Client
	session   *session.Manager
	streamURL string
	logger    *logger.Logger
}

// New creates a client and installs the session hooks on it
func New(cfg Config, sess *session.Manager, log *logger.Logger) *Client {
	r := resty.New()
	r.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	r.SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	}
	if cfg.InsecureSkipVerify {
		r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	r.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if req.Header.Get("X-Request-ID") == "" {
			req.SetHeader("X-Request-ID", uuid.NewString())
		}
		return nil
	})
	sess.Attach(r)
	r.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		log.Debug("Backend call",
			"method", resp.Request.Method,
			"url", resp.Request.URL,
			"status", resp.StatusCode(),
			"duration", resp.Time(),
		)
		return nil
	})

	return &Client{
		http:      r,
		session:   sess,
		streamURL: strings.TrimRight(cfg.StreamURL, "/"),
		logger:    log,
	}
}

// HTTP exposes the underlying resty client
func (c *Client) HTTP() *resty.Client {
	return c.http
}

// request starts an authenticated request, or fails fast without a credential
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	if !c.session.Authenticated() {
		return nil, ErrUnauthenticated
	}
	return c.http.R().SetContext(ctx), nil
}

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	}
	if resp.IsError() {
		body := strings.TrimSpace(resp.String())
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return &RequestError{Op: op, StatusCode: resp.StatusCode(), Body: body}
	}
	return nil
}

// Login exchanges username and password for a bearer token. It does not
// install the token.
func (c *Client) Login(ctx context.Context, username, password string) (*models.TokenResponse, error) {
	var out models.TokenResponse
	resp, err := c.http.R().
		SetContext(session.WithoutCredential(ctx)).
		SetFormData(map[string]string{
			"username": username,
			"password": password,
		}).
		SetResult(&out).
		Post("/api/token")
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("login: %w", ErrInvalidCredentials)
	}
	if err := check("login", resp, nil); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, errors.New("login: response carried no access token")
	}
	return &out, nil
}

// ErrInvalidCredentials is returned by Login on a 401
var ErrInvalidCredentials = errors.New("invalid username or password")

// Health calls the unauthenticated liveness endpoint
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(session.WithoutCredential(ctx)).
		Get("/health")
	return check("health", resp, err)
}

// ListSources returns the source catalog
func (c *Client) ListSources(ctx context.Context) ([]models.Source, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Source
	resp, err := req.SetResult(&out).Get("/api/sources")
	if err := check("list sources", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSource registers a new source
func (c *Client) CreateSource(ctx context.Context, in models.SourceInput) (*models.Source, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out models.Source
	resp, err := req.SetBody(in).SetResult(&out).Post("/api/sources")
	if err := check("create source", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSource replaces a source's settings
func (c *Client) UpdateSource(ctx context.Context, id int, in models.SourceInput) (*models.Source, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out models.Source
	resp, err := req.
		SetPathParam("id", strconv.Itoa(id)).
		SetBody(in).
		SetResult(&out).
		Put("/api/sources/{id}")
	if err := check("update source", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSource removes a source. The service stops its pipeline too.
func (c *Client) DeleteSource(ctx context.Context, id int) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.SetPathParam("id", strconv.Itoa(id)).Delete("/api/sources/{id}")
	return check("delete source", resp, err)
}

// ListGroups returns the notification groups
func (c *Client) ListGroups(ctx context.Context) ([]models.Group, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Group
	resp, err := req.SetResult(&out).Get("/api/groups")
	if err := check("list groups", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// PipelineStatus returns the ids the service is currently processing
func (c *Client) PipelineStatus(ctx context.Context) ([]int, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out models.PipelineStatus
	resp, err := req.SetResult(&out).Get("/api/pipeline/status")
	if err := check("pipeline status", resp, err); err != nil {
		return nil, err
	}
	return out.ActiveSourceIDs, nil
}

// StartPipeline asks the service to begin processing a source
func (c *Client) StartPipeline(ctx context.Context, sourceID int, tg *models.TelegramConfig) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(models.PipelineStart{SourceID: sourceID, TelegramConfig: tg}).
		Post("/api/pipeline/start")
	return check("start pipeline", resp, err)
}

// StopPipeline asks the service to end processing of a source
func (c *Client) StopPipeline(ctx context.Context, sourceID int) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetQueryParam("source_id", strconv.Itoa(sourceID)).
		Post("/api/pipeline/stop")
	return check("stop pipeline", resp, err)
}

// UpdatePipelineConfig toggles night mode on a running pipeline
func (c *Client) UpdatePipelineConfig(ctx context.Context, sourceID int, nightMode bool) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetQueryParams(map[string]string{
			"source_id":  strconv.Itoa(sourceID),
			"night_mode": strconv.FormatBool(nightMode),
		}).
		Post("/api/pipeline/config")
	return check("update pipeline config", resp, err)
}

// RecentEvents returns up to limit events, newest first
func (c *Client) RecentEvents(ctx context.Context, limit int) ([]models.DetectionEvent, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.DetectionEvent
	resp, err := req.
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&out).
		Get("/api/events")
	if err := check("recent events", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamURL returns the websocket endpoint for a source
func (c *Client) StreamURL(sourceID int) string {
	return fmt.Sprintf("%s/api/ws/stream/%d", c.streamURL, sourceID)
}
