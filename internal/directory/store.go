package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/vlessgate/internal/util"
)

// Compile-time interface check.
var _ Lookup = (*Store)(nil)

// Store is a thread-safe account directory, optionally persisted to a JSON
// file. An empty path keeps the directory in memory only.
//
// The file is the source of truth: other processes (the CLI, another server)
// may rewrite it at any time. Reads reload it when it has been replaced, and
// writes reload it before applying their change, so edits from elsewhere are
// neither missed nor overwritten.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	path     string
	loaded   os.FileInfo // file version the map reflects, nil when absent
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{accounts: make(map[string]*Account)}
}

// Open creates a store backed by the file at path, loading any accounts it
// already holds. A missing file is not an error; it is created on the first
// write.
func Open(path string) (*Store, error) {
	s := NewStore()
	s.path = path

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// refresh reloads the file if another writer has replaced it since it was
// last read. A broken file keeps the current accounts.
func (s *Store) refresh() {
	if s.path == "" {
		return
	}
	fi, err := os.Stat(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return
	}

	s.mu.RLock()
	current := sameVersion(s.loaded, fi)
	s.mu.RUnlock()
	if current {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reload(); err != nil {
		util.LogWarning("keeping previous user directory: %v", err)
	}
}

// reload replaces the accounts with the file contents when the file changed.
// The caller must hold the write lock.
func (s *Store) reload() error {
	if s.path == "" {
		return nil
	}

	fi, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		if s.loaded != nil {
			// Removed by someone else.
			s.accounts = make(map[string]*Account)
			s.loaded = nil
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat user directory %s: %w", s.path, err)
	}
	if sameVersion(s.loaded, fi) {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read user directory %s: %w", s.path, err)
	}

	accounts := make(map[string]*Account)
	if len(strings.TrimSpace(string(data))) > 0 {
		var list []Account
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("failed to parse user directory %s: %w", s.path, err)
		}
		for i := range list {
			a := list[i]
			a.ID = strings.ToLower(a.ID)
			accounts[a.ID] = &a
		}
	}

	s.accounts = accounts
	s.loaded = fi
	return nil
}

// sameVersion reports whether fi is the file version recorded in loaded.
// Saves go through rename, so a rewrite always yields a different file.
func sameVersion(loaded, fi os.FileInfo) bool {
	if loaded == nil || fi == nil {
		return loaded == nil && fi == nil
	}
	return os.SameFile(loaded, fi) &&
		loaded.ModTime().Equal(fi.ModTime()) &&
		loaded.Size() == fi.Size()
}

// Lookup returns a copy of the account with the given ID if it exists and
// has not expired at asOf.
func (s *Store) Lookup(id string, asOf time.Time) (*Account, bool) {
	s.refresh()

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[strings.ToLower(id)]
	if !ok || !a.ValidAt(asOf) {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// Add validates and inserts an account. The ID is normalized to the
// canonical lowercase UUID form.
func (s *Store) Add(a Account) (*Account, error) {
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: uuid %q: %v", ErrInvalidAccount, a.ID, err)
	}
	a.ID = id.String()
	if a.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: missing expiry", ErrInvalidAccount)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		return nil, err
	}
	if _, exists := s.accounts[a.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, a.ID)
	}

	s.accounts[a.ID] = &a
	if err := s.save(); err != nil {
		// Rollback
		delete(s.accounts, a.ID)
		return nil, err
	}

	cp := a
	return &cp, nil
}

// Delete removes the account with the given ID. It reports whether an
// account was actually removed.
func (s *Store) Delete(id string) (bool, error) {
	id = strings.ToLower(strings.TrimSpace(id))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		return false, err
	}
	a, exists := s.accounts[id]
	if !exists {
		return false, nil
	}

	delete(s.accounts, id)
	if err := s.save(); err != nil {
		s.accounts[id] = a
		return false, err
	}
	return true, nil
}

// List returns all accounts, expired ones included, ordered by creation time.
func (s *Store) List() []Account {
	s.refresh()

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		list = append(list, *a)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// save writes the directory to disk through a temp file + rename.
// The caller must hold the write lock.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}

	list := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		list = append(list, *a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode user directory: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to save user directory: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to save user directory: %w", err)
	}

	fi, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to stat user directory: %w", err)
	}
	s.loaded = fi
	return nil
}
