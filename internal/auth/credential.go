// Package auth guards the HTTP surface. Task routes take a bearer token;
// token management routes take an identity asserted by a fronting
// authenticating proxy.
package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Credential struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialStore holds the single active bearer credential. Load reports
// false when none has been issued yet.
type CredentialStore interface {
	Load() (Credential, bool, error)
	Replace(c Credential) error
}

// FileStore keeps the credential in a 0600 JSON file, replaced atomically.
// Load rereads the file whenever it was replaced since the last read, by this
// process or another one sharing the path.
type FileStore struct {
	path string

	mu     sync.Mutex
	seen   os.FileInfo
	cached Credential
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(s.path)
	if err != nil {
		s.seen = nil
		if os.IsNotExist(err) {
			return Credential{}, false, nil
		}
		return Credential{}, false, err
	}
	if sameVersion(s.seen, info) {
		return s.cached, true, nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, false, nil
		}
		return Credential{}, false, err
	}
	var c Credential
	if err := json.Unmarshal(b, &c); err != nil {
		return Credential{}, false, err
	}
	if c.Token == "" {
		return Credential{}, false, nil
	}
	s.seen, s.cached = info, c
	return c, true, nil
}

// sameVersion reports whether cur is the file last read. Replace renames a
// fresh file into place, so a rotation always changes the file identity.
func sameVersion(prev, cur os.FileInfo) bool {
	return prev != nil && os.SameFile(prev, cur) &&
		prev.ModTime().Equal(cur.ModTime()) && prev.Size() == cur.Size()
}

func (s *FileStore) Replace(c Credential) error {
	if c.Token == "" {
		return errors.New("empty token")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.seen = nil
	return nil
}

type MemoryStore struct {
	mu  sync.Mutex
	c   Credential
	set bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c, s.set, nil
}

func (s *MemoryStore) Replace(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c, s.set = c, true
	return nil
}
