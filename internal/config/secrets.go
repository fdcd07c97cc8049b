package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// ErrSecretNotFound is returned by a SecretStore when the name has no value.
var ErrSecretNotFound = errors.New("secret not found")

const (
	secretAPIToken     = "api_token"
	secretSharedSecret = "classifier_shared_secret"
)

// SecretStore holds values that never appear in the config file or in
// `config show`.
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// FileSecrets keeps secrets in a 0600 JSON file in the data directory.
type FileSecrets struct {
	path string
	mu   sync.Mutex
}

// NewSecretStore returns the secret store kept in dataDir, normally
// Config.Storage.DataDir.
func NewSecretStore(dataDir string) *FileSecrets {
	return &FileSecrets{path: filepath.Join(dataDir, "secrets.json")}
}

func NewFileSecrets(path string) *FileSecrets {
	return &FileSecrets{path: path}
}

func (s *FileSecrets) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

func (s *FileSecrets) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.read()
	if err != nil {
		return err
	}
	secrets[name] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(out)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return os.Chmod(s.path, 0o600)
}

func (s *FileSecrets) read() (map[string]string, error) {
	secrets := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return secrets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

// GetAPIToken returns the bearer token for the local API, generating and
// storing one on first use. LOCKIN_API_TOKEN takes precedence.
func GetAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv("LOCKIN_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := s.Get(secretAPIToken)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	tok = uuid.NewString()
	if err := s.Set(secretAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetSharedSecret stores the classifier shared secret.
func SetSharedSecret(s SecretStore, value string) error {
	return s.Set(secretSharedSecret, value)
}
