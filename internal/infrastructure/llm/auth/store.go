// Package auth implements the refresh-capable OAuth credential flow shared
// by both provider adapters: reading/writing the JSON auth file, singleflight
// refresh deduplication, and one-shot smoke-test gating.
package auth

import (
	"encoding/json"
	"os"
	"sync"

	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

// Credentials is one provider's entry in the auth file.
type Credentials struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Expires int64  `json:"expires"` // ms-epoch
}

// Store reads and writes a single JSON auth file shared by possibly several
// provider keys. The enclosing object may contain unrelated entries that
// must be preserved across writes.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store bound to path. The file is read lazily; a
// missing file is not an error until a specific key is requested.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Read returns the credentials stored under key, or an AuthMissing error if
// the file or the entry does not exist.
func (s *Store) Read(key string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.readAllLocked()
	if err != nil {
		return nil, coreerrors.NewAuthMissing("no credentials file at " + s.path + ": run the login command")
	}

	entry, ok := raw[key]
	if !ok {
		return nil, coreerrors.NewAuthMissing("no credentials entry for " + key + ": run the login command")
	}

	var creds Credentials
	if err := json.Unmarshal(entry, &creds); err != nil {
		return nil, coreerrors.NewAuthMissing("malformed credentials entry for " + key)
	}
	return &creds, nil
}

// Write persists creds under key, preserving every other entry already in
// the file.
func (s *Store) Write(key string, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.readAllLocked()
	if err != nil {
		raw = make(map[string]json.RawMessage)
	}

	encoded, err := json.Marshal(creds)
	if err != nil {
		return coreerrors.NewInternal("marshal credentials", err)
	}
	raw[key] = encoded

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return coreerrors.NewInternal("marshal auth file", err)
	}
	return os.WriteFile(s.path, out, 0600)
}

func (s *Store) readAllLocked() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
