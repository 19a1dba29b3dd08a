// Package session owns the bearer credential shared by every outbound call.
package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/ducanh19020217/fall-detection/internal/logger"
)

// CredentialStore persists the credential across restarts
type CredentialStore interface {
	LoadCredential(ctx context.Context) (string, error)
	SaveCredential(ctx context.Context, token string) error
	ClearCredential(ctx context.Context) error
}

// Gate reports whether a credential is currently held
type Gate interface {
	Authenticated() bool
}

type ctxKey int

const (
	generationKey ctxKey = iota
	anonymousKey
)

// Manager is the single writer of the credential. Readers take a snapshot
// through Credential; every snapshot carries the generation it belongs to so
// a rejection can be matched to the credential that caused it.
type Manager struct {
	mu         sync.RWMutex
	token      string
	generation uint64
	teardowns  uint64
	listeners  []func()

	store  CredentialStore
	logger *logger.Logger
}

// NewManager creates a manager with no credential. store may be nil.
func NewManager(store CredentialStore, log *logger.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: log,
	}
}

// Restore loads a previously persisted credential, if any
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	token, err := m.store.LoadCredential(ctx)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}
	m.set(token)
	m.logger.Info("Restored stored credential")
	return true, nil
}

// SetCredential installs a token. Setting the current token again is a no-op.
func (m *Manager) SetCredential(ctx context.Context, token string) error {
	if token == "" {
		m.ClearCredential(ctx)
		return nil
	}
	if !m.set(token) {
		return nil
	}
	if m.store != nil {
		return m.store.SaveCredential(ctx, token)
	}
	return nil
}

func (m *Manager) set(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == token {
		return false
	}
	m.token = token
	m.generation++
	return true
}

// ClearCredential drops the token without raising Unauthenticated
func (m *Manager) ClearCredential(ctx context.Context) {
	m.mu.Lock()
	had := m.token != ""
	m.token = ""
	if had {
		m.generation++
	}
	m.mu.Unlock()

	if had && m.store != nil {
		if err := m.store.ClearCredential(ctx); err != nil {
			m.logger.Warn("Failed to clear stored credential", "error", err)
		}
	}
}

// Credential returns the current token and its generation
func (m *Manager) Credential() (token string, generation uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.generation, m.token != ""
}

// Authenticated reports whether a credential is held
func (m *Manager) Authenticated() bool {
	_, _, ok := m.Credential()
	return ok
}

// Teardowns returns how many times a rejection tore the session down
func (m *Manager) Teardowns() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.teardowns
}

// OnUnauthenticated registers fn to run once per teardown
func (m *Manager) OnUnauthenticated(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// ReportUnauthorized records that a call made with the given credential
// generation was rejected. Only the first report for the live generation
// clears the credential and notifies listeners; it returns true in that case.
func (m *Manager) ReportUnauthorized(generation uint64) bool {
	m.mu.Lock()
	if m.token == "" || generation != m.generation {
		m.mu.Unlock()
		return false
	}
	m.token = ""
	m.generation++
	m.teardowns++
	listeners := make([]func(), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Warn("Credential rejected, session torn down", "generation", generation)

	if m.store != nil {
		if err := m.store.ClearCredential(context.Background()); err != nil {
			m.logger.Warn("Failed to clear stored credential", "error", err)
		}
	}
	for _, fn := range listeners {
		fn()
	}
	return true
}

// WithoutCredential marks ctx so requests made with it carry no credential
// and their rejection does not tear the session down (login).
func WithoutCredential(ctx context.Context) context.Context {
	return context.WithValue(ctx, anonymousKey, true)
}

// Attach installs the credential hooks on a resty client
func (m *Manager) Attach(client *resty.Client) {
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		ctx := req.Context()
		if anon, _ := ctx.Value(anonymousKey).(bool); anon {
			return nil
		}
		token, gen, ok := m.Credential()
		if !ok {
			return nil
		}
		req.SetContext(context.WithValue(ctx, generationKey, gen))
		req.SetAuthToken(token)
		return nil
	})

	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		if resp.StatusCode() != http.StatusUnauthorized {
			return nil
		}
		gen, ok := resp.Request.Context().Value(generationKey).(uint64)
		if !ok {
			return nil
		}
		m.ReportUnauthorized(gen)
		return nil
	})
}
