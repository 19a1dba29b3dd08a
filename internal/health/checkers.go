package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Pinger is anything with a context-aware liveness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks the state database
type DatabaseChecker struct {
	db   Pinger
	path string
}

// NewDatabaseChecker returns a checker that pings db
func NewDatabaseChecker(db Pinger, path string) *DatabaseChecker {
	return &DatabaseChecker{db: db, path: path}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["path"] = c.path

	if c.db == nil {
		check.Status = StatusDegraded
		check.Message = "Database not configured"
		return check
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// BackendProbe reaches the detection service health endpoint
type BackendProbe interface {
	Health(ctx context.Context) error
}

// BackendChecker checks the detection service is reachable. An unreachable
// backend degrades the console rather than failing it; nothing local breaks.
type BackendChecker struct {
	backend BackendProbe
	url     string
}

// NewBackendChecker returns a checker for the detection service at url
func NewBackendChecker(backend BackendProbe, url string) *BackendChecker {
	return &BackendChecker{backend: backend, url: url}
}

func (c *BackendChecker) Name() string {
	return "backend"
}

func (c *BackendChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["url"] = c.url

	start := time.Now()
	err := c.backend.Health(ctx)
	check.Details["latency_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Detection service unreachable: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			check.Details["timeout"] = true
		}
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Detection service is reachable"
	return check
}

// SessionState reports the console's authentication state
type SessionState interface {
	Authenticated() bool
	Teardowns() uint64
}

// SessionChecker reports degraded while no credential is held
type SessionChecker struct {
	session SessionState
}

// NewSessionChecker returns a checker for session state
func NewSessionChecker(session SessionState) *SessionChecker {
	return &SessionChecker{session: session}
}

func (c *SessionChecker) Name() string {
	return "session"
}

func (c *SessionChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["teardowns"] = c.session.Teardowns()

	if !c.session.Authenticated() {
		check.Status = StatusDegraded
		check.Message = "Not logged in"
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Logged in"
	return check
}

// StreamCounts reports how many streams are in each status
type StreamCounts interface {
	StatusCounts() map[string]int
}

// StreamsChecker reports degraded when any active stream has failed
type StreamsChecker struct {
	streams StreamCounts
}

// NewStreamsChecker returns a checker over active stream statuses
func NewStreamsChecker(streams StreamCounts) *StreamsChecker {
	return &StreamsChecker{streams: streams}
}

func (c *StreamsChecker) Name() string {
	return "streams"
}

func (c *StreamsChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	counts := c.streams.StatusCounts()
	total := 0
	for status, n := range counts {
		check.Details[status] = n
		total += n
	}
	check.Details["total"] = total

	if failed := counts["error"]; failed > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d of %d streams failed", failed, total)
		return check
	}

	check.Status = StatusHealthy
	check.Message = fmt.Sprintf("%d streams active", total)
	return check
}
