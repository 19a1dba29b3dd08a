package state

import (
	"path/filepath"
	"testing"

	"github.com/ducanh19020217/fall-detection/internal/logger"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()

	mgr, err := NewManager(filepath.Join(t.TempDir(), "db", "console.db"), logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	return mgr
}
