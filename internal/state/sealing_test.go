package state

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ducanh19020217/fall-detection/internal/encryption"
)

func newSealer(t *testing.T, mgr *Manager, secret string) *encryption.Sealer {
	t.Helper()
	salt, err := mgr.CredentialSalt(context.Background(), encryption.GenerateSalt)
	if err != nil {
		t.Fatalf("CredentialSalt failed: %v", err)
	}
	s, err := encryption.NewSealer([]byte(secret), salt, encryption.Params{Memory: 1024, Iterations: 1, Parallelism: 1})
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	return s
}

func TestManager_CredentialSaltIsStable(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	calls := 0
	gen := func() ([]byte, error) {
		calls++
		return bytes.Repeat([]byte{9}, 32), nil
	}

	first, err := mgr.CredentialSalt(ctx, gen)
	if err != nil {
		t.Fatalf("CredentialSalt failed: %v", err)
	}
	second, err := mgr.CredentialSalt(ctx, gen)
	if err != nil {
		t.Fatalf("CredentialSalt failed: %v", err)
	}
	if !bytes.Equal(first, second) || calls != 1 {
		t.Errorf("Salt should be generated once and reused, calls=%d", calls)
	}

	if _, err := mgr.CredentialSalt(ctx, func() ([]byte, error) { return nil, errors.New("unused") }); err != nil {
		t.Errorf("Stored salt should not call the generator: %v", err)
	}
}

func TestManager_SealedCredential(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()
	mgr.SetSealer(newSealer(t, mgr, "passphrase"))

	if err := mgr.SaveCredential(ctx, "token-1"); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}

	raw, err := mgr.GetSystemState(ctx, KeyCredential)
	if err != nil {
		t.Fatalf("GetSystemState failed: %v", err)
	}
	if !encryption.IsSealed(raw) || raw == "token-1" {
		t.Errorf("Stored credential should be sealed, got %q", raw)
	}

	token, err := mgr.LoadCredential(ctx)
	if err != nil {
		t.Fatalf("LoadCredential failed: %v", err)
	}
	if token != "token-1" {
		t.Errorf("Expected token-1, got %q", token)
	}
}

func TestManager_SealedCredentialWithoutSecret(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()
	mgr.SetSealer(newSealer(t, mgr, "passphrase"))
	if err := mgr.SaveCredential(ctx, "token-1"); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}

	mgr.SetSealer(nil)
	if _, err := mgr.LoadCredential(ctx); !errors.Is(err, encryption.ErrSealed) {
		t.Errorf("Expected ErrSealed, got %v", err)
	}

	mgr.SetSealer(newSealer(t, mgr, "wrong"))
	if _, err := mgr.LoadCredential(ctx); !errors.Is(err, encryption.ErrOpen) {
		t.Errorf("Expected ErrOpen, got %v", err)
	}
}

func TestManager_PlaintextCredentialReadWhenSealing(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	if err := mgr.SaveCredential(ctx, "legacy"); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}
	mgr.SetSealer(newSealer(t, mgr, "passphrase"))

	token, err := mgr.LoadCredential(ctx)
	if err != nil {
		t.Fatalf("LoadCredential failed: %v", err)
	}
	if token != "legacy" {
		t.Errorf("Expected legacy, got %q", token)
	}
}
