// Package state persists console state in SQLite: the session credential and
// an audit log of operator actions.
package state

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ducanh19020217/fall-detection/internal/encryption"
	"github.com/ducanh19020217/fall-detection/internal/logger"
)

const (
	// KeyCredential is the system_state key holding the session token
	KeyCredential = "session.credential"
	// KeyCredentialSalt holds the key-derivation salt for a sealed credential
	KeyCredentialSalt = "session.credential_salt"
)

// Sealer encrypts the stored credential. encryption.Sealer satisfies it.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(value string) ([]byte, error)
}

// Manager manages state persistence and recovery
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
	sealer Sealer
}

// NewManager opens the state database at dbPath
func NewManager(dbPath string, log *logger.Logger) (*Manager, error) {
	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: log,
	}, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// Path returns the database file location
func (m *Manager) Path() string {
	return m.db.Path()
}

// Ping checks the database is reachable
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.Ping(ctx)
}

// SaveSystemState saves a system state value
func (m *Manager) SaveSystemState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if _, err := m.db.GetDB().ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save system state: %w", err)
	}
	return nil
}

// GetSystemState retrieves a system state value. A missing key yields "".
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var value string
	err := m.db.GetDB().QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system state: %w", err)
	}
	return value, nil
}

// DeleteSystemState removes a system state value
func (m *Manager) DeleteSystemState(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM system_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete system state: %w", err)
	}
	return nil
}

// SetSealer makes later credential reads and writes go through s
func (m *Manager) SetSealer(s Sealer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealer = s
}

func (m *Manager) getSealer() Sealer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealer
}

// CredentialSalt returns the salt for sealing the credential, creating and
// storing one with generate on first use
func (m *Manager) CredentialSalt(ctx context.Context, generate func() ([]byte, error)) ([]byte, error) {
	stored, err := m.GetSystemState(ctx, KeyCredentialSalt)
	if err != nil {
		return nil, err
	}
	if stored != "" {
		salt, err := hex.DecodeString(stored)
		if err != nil {
			return nil, fmt.Errorf("corrupt credential salt: %w", err)
		}
		return salt, nil
	}

	salt, err := generate()
	if err != nil {
		return nil, err
	}
	if err := m.SaveSystemState(ctx, KeyCredentialSalt, hex.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}

// LoadCredential returns the persisted session token, or "" if none. A
// plaintext token written before sealing was enabled is returned as is.
func (m *Manager) LoadCredential(ctx context.Context) (string, error) {
	value, err := m.GetSystemState(ctx, KeyCredential)
	if err != nil || value == "" {
		return value, err
	}

	sealer := m.getSealer()
	switch {
	case sealer != nil && encryption.IsSealed(value):
		token, err := sealer.Open(value)
		if err != nil {
			return "", err
		}
		return string(token), nil
	case encryption.IsSealed(value):
		return "", fmt.Errorf("%w: set a session secret to read the stored credential", encryption.ErrSealed)
	default:
		return value, nil
	}
}

// SaveCredential persists the session token, sealed when a sealer is set
func (m *Manager) SaveCredential(ctx context.Context, token string) error {
	value := token
	if sealer := m.getSealer(); sealer != nil {
		sealed, err := sealer.Seal([]byte(token))
		if err != nil {
			return fmt.Errorf("seal credential: %w", err)
		}
		value = sealed
	}
	return m.SaveSystemState(ctx, KeyCredential, value)
}

// ClearCredential forgets the persisted session token
func (m *Manager) ClearCredential(ctx context.Context) error {
	return m.DeleteSystemState(ctx, KeyCredential)
}
