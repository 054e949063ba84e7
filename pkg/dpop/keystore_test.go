//go:build unix

package dpop

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileKeyStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "key.pem")
	store := NewFileKeyStore(path)

	if store.Exists() {
		t.Fatal("store should be empty initially")
	}

	t.Log("Saving a key, creating parent directories on the way")
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if err := store.Save(key); err != nil {
		t.Fatalf("failed to save key: %v", err)
	}
	if !store.Exists() {
		t.Error("store should report the key exists")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("failed to load key: %v", err)
	}
	if !loaded.Equal(key) {
		t.Error("loaded key does not equal saved key")
	}
}

func TestFileKeyStoreNotFound(t *testing.T) {
	store := NewFileKeyStore(filepath.Join(t.TempDir(), "absent.pem"))

	_, err := store.Load()
	if err == nil {
		t.Fatal("expected error for missing key")
	}
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
	if !IsNotFoundError(err) {
		t.Error("IsNotFoundError should match")
	}
}

func TestFileKeyStoreRejectsLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	store := NewFileKeyStore(path)

	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if err := store.Save(key); err != nil {
		t.Fatalf("failed to save key: %v", err)
	}

	t.Log("Widening the key file to 0644")
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}

	_, err = store.Load()
	if err == nil {
		t.Fatal("expected error for group/world-readable key")
	}
	if !IsPermissionError(err) {
		t.Errorf("expected permission error, got %v", err)
	}
}

func TestFileKeyStoreSavedWithOwnerOnlyMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	store := NewFileKeyStore(path)

	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if err := store.Save(key); err != nil {
		t.Fatalf("failed to save key: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("expected mode 0600, got %04o", mode)
	}
}

func TestDefaultKeyPathOverride(t *testing.T) {
	t.Setenv("DPOP_KEY_PATH", "/tmp/custom-key.pem")
	if got := DefaultKeyPath(); got != "/tmp/custom-key.pem" {
		t.Errorf("expected env override, got %q", got)
	}
}
