package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ducanh19020217/fall-detection/internal/api"
	"github.com/ducanh19020217/fall-detection/internal/console"
	"github.com/ducanh19020217/fall-detection/internal/models"
	"github.com/ducanh19020217/fall-detection/internal/probe"
	"github.com/ducanh19020217/fall-detection/internal/registry"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type startRequest struct {
	TelegramConfig *models.TelegramConfig `json:"telegram_config"`
}

type configRequest struct {
	NightMode *bool `json:"night_mode" binding:"required"`
}

// writeError maps console and backend errors to HTTP responses
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	var reqErr *api.RequestError
	switch {
	case errors.Is(err, api.ErrUnauthenticated), errors.Is(err, api.ErrInvalidCredentials):
		code = http.StatusUnauthorized
	case errors.Is(err, console.ErrSourceNotFound), errors.Is(err, console.ErrNotActive):
		code = http.StatusNotFound
	case errors.Is(err, console.ErrNotProbeable), errors.Is(err, probe.ErrUnsupportedScheme):
		code = http.StatusBadRequest
	case errors.Is(err, registry.ErrStartCancelled):
		code = http.StatusConflict
	case errors.As(err, &reqErr):
		code = http.StatusBadGateway
		if reqErr.NotFound() {
			code = http.StatusNotFound
		}
		body["backend_status"] = reqErr.StatusCode
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	c.JSON(code, body)
}

// sourceID parses the :id path parameter
func sourceID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid source id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"service":       "web-server",
		"authenticated": s.console.Authenticated(),
		"streams":       s.console.Registry().Len(),
	})
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"authenticated": s.console.Authenticated(),
		"teardowns":     s.console.Session().Teardowns(),
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	restored, err := s.console.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	if restored == nil {
		restored = []int{}
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"restored":      restored,
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.console.Logout(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"authenticated": false})
}

func (s *Server) handleListSources(c *gin.Context) {
	sources, err := s.console.Sources(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if sources == nil {
		sources = []models.Source{}
	}
	c.JSON(http.StatusOK, sources)
}

func (s *Server) handleDeleteSource(c *gin.Context) {
	id, ok := sourceID(c)
	if !ok {
		return
	}
	if err := s.console.DeleteSource(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "source_id": id})
}

func (s *Server) handleProbe(c *gin.Context) {
	id, ok := sourceID(c)
	if !ok {
		return
	}
	res, err := s.console.Probe(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"source_id": id,
		"receiving": res.Receiving(),
		"result":    res,
	})
}

func (s *Server) handleListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, s.console.Wall())
}

func (s *Server) handleGetStream(c *gin.Context) {
	id, ok := sourceID(c)
	if !ok {
		return
	}
	v, found := s.console.Stream(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not active"})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleStartStream(c *gin.Context) {
	id, ok := sourceID(c)
	if !ok {
		return
	}

	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	started, err := s.console.StartStream(c.Request.Context(), id, req.TelegramConfig)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source_id": id, "started": started})
}

func (s *Server) handleStopStream(c *gin.Context) {
	id, ok := sourceID(c)
	if !ok {
		return
	}

	err := s.console.StopStream(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"source_id": id, "stopped": true})
	case errors.Is(err, registry.ErrRequestFailed) && !errors.Is(err, api.ErrUnauthenticated):
		// The stream is closed locally regardless
		c.JSON(http.StatusOK, gin.H{"source_id": id, "stopped": true, "warning": err.Error()})
	default:
		writeError(c, err)
	}
}

func (s *Server) handleReopenStream(c *gin.Context) {
	id, ok := sourceID(c)
	if !ok {
		return
	}
	status, err := s.console.Reopen(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source_id": id, "status": status})
}

// handleStreamConfig toggles night mode; the id "all" targets every active
// stream
func (s *Server) handleStreamConfig(c *gin.Context) {
	id := 0
	if c.Param("id") != "all" {
		var ok bool
		if id, ok = sourceID(c); !ok {
			return
		}
	}

	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.console.SetNightMode(c.Request.Context(), id, *req.NightMode); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"night_mode": *req.NightMode})
}

func (s *Server) handleListEvents(c *gin.Context) {
	events := s.console.Events(queryInt(c, "source_id"))
	if events == nil {
		events = []models.DetectionEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"updated_at": s.console.Feed().UpdatedAt(),
	})
}

func (s *Server) handleAudit(c *gin.Context) {
	actions, err := s.console.Actions(c.Request.Context(), queryInt(c, "source_id"), queryInt(c, "limit"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, actions)
}
