package dpop

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// KeyStore provides access to the client's signing key for DPoP proof
// generation. Implementations must be safe for concurrent use.
type KeyStore interface {
	// Load loads the private key from storage.
	// Returns an error if the key doesn't exist or cannot be loaded.
	Load() (*ecdsa.PrivateKey, error)

	// Save saves a private key to storage.
	Save(key *ecdsa.PrivateKey) error

	// Exists returns true if a key exists in storage.
	Exists() bool

	// Path returns the storage path (for display purposes).
	Path() string
}

var (
	// ErrKeyNotFound indicates the key does not exist in storage.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidPermissions indicates the key file has insecure permissions.
	// On Unix: file mode must be 0600
	// On Windows: file must not be accessible to Everyone, Users, or Authenticated Users
	ErrInvalidPermissions = errors.New("insecure file permissions: file accessible to other users")
)

// KeyNotFoundError indicates the key does not exist at the specified path.
type KeyNotFoundError struct {
	Path string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found at %s", e.Path)
}

// Is allows errors.Is to match against ErrKeyNotFound.
func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

// FileKeyStore stores P-256 private keys in PKCS#8 PEM files.
// It enforces 0600 permissions to protect key confidentiality.
type FileKeyStore struct {
	path string
}

// NewFileKeyStore creates a new file-based key store.
func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{path: path}
}

// Load loads the private key from the file.
// Returns KeyNotFoundError if the file doesn't exist.
// Returns ErrInvalidPermissions if the file is accessible to other users.
func (s *FileKeyStore) Load() (*ecdsa.PrivateKey, error) {
	_, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil, &KeyNotFoundError{Path: s.path}
	}
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}

	if err := checkFilePermissions(s.path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	return LoadPrivateKeyPEM(data)
}

// Save saves the private key to the file with owner-only permissions.
// Creates parent directories if they don't exist.
func (s *FileKeyStore) Save(key *ecdsa.PrivateKey) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	data, err := EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}

	// Write file (0600 on Unix, default ACLs on Windows)
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	if err := setFilePermissions(s.path); err != nil {
		return fmt.Errorf("set key file permissions: %w", err)
	}

	return nil
}

// Exists returns true if the key file exists.
func (s *FileKeyStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the file path.
func (s *FileKeyStore) Path() string {
	return s.path
}

// CheckFilePermissions verifies a file has owner-only access.
// On Unix: file mode must be 0600
// On Windows: file must not be accessible to Everyone, Users, or Authenticated Users
func CheckFilePermissions(path string) error {
	return checkFilePermissions(path)
}

// DefaultKeyPath returns the default signing key path, honoring the
// DPOP_KEY_PATH override (useful for testing).
func DefaultKeyPath() string {
	if env := os.Getenv("DPOP_KEY_PATH"); env != "" {
		return env
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".dpopctl", "key.pem")
}

// IsPermissionError returns true if the error is due to invalid permissions.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrInvalidPermissions)
}

// IsNotFoundError returns true if the error is due to a missing key.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist)
}

// Ensure interfaces are implemented
var _ KeyStore = (*FileKeyStore)(nil)
