// internal/auth/session.go
package auth

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

	"github.com/zalando/go-keyring"

	"github.com/law-makers/harvest/internal/utils/fileutil"
)

const (
	// KeyringService is the service name for keyring storage
	KeyringService = "harvest-cli"
	// FallbackDir is the directory for file-based session storage (when keyring fails)
	FallbackDir = ".harvest/sessions"

	manifestKey = "_manifest"
)

// ErrSessionExpired is returned when every cookie of a saved session has expired.
var ErrSessionExpired = errors.New("session expired")

// SessionData is a saved browser login.
type SessionData struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Cookies   []Cookie  `json:"cookies"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Cookie represents a browser cookie
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// SessionStore saves sessions in the OS keyring, or as 0600 files under Dir
// where no keyring is reachable (containers, CI).
type SessionStore struct {
	Service string
	Dir     string

	once        sync.Once
	useFile     bool
	keyringDown func() bool
}

// NewSessionStore returns a store under the user's home directory.
func NewSessionStore() *SessionStore {
	dir := FallbackDir
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, FallbackDir)
	}
	return &SessionStore{Service: KeyringService, Dir: dir}
}

func (s *SessionStore) fileBased() bool {
	s.once.Do(func() {
		if s.keyringDown != nil {
			s.useFile = s.keyringDown()
			return
		}
		if os.Getenv("CODESPACES") != "" || os.Getenv("CI") != "" {
			s.useFile = true
			return
		}
		testKey := "_test_keyring_access_"
		if err := keyring.Set(s.Service, testKey, "test"); err != nil {
			s.useFile = true
			return
		}
		_ = keyring.Delete(s.Service, testKey)
	})
	return s.useFile
}

func (s *SessionStore) path(name string) string {
	return filepath.Join(s.Dir, name+".json")
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if strings.ContainsAny(name, `/\`) || name == manifestKey {
		return fmt.Errorf("invalid session name %q", name)
	}
	return nil
}

// Save stores session under its name.
func (s *SessionStore) Save(session *SessionData) error {
	if err := validName(session.Name); err != nil {
		return err
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	if s.fileBased() {
		if err := fileutil.WriteAtomic(s.path(session.Name), data, 0o600); err != nil {
			return fmt.Errorf("failed to save session file: %w", err)
		}
		return nil
	}
	if err := keyring.Set(s.Service, session.Name, string(data)); err != nil {
		return fmt.Errorf("failed to save to keyring: %w", err)
	}
	return s.updateManifest(session.Name, true)
}

// Load returns the named session. Expired sessions return ErrSessionExpired.
func (s *SessionStore) Load(name string) (*SessionData, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	var data []byte
	if s.fileBased() {
		b, err := os.ReadFile(s.path(name))
		if err != nil {
			return nil, fmt.Errorf("failed to load session file: %w", err)
		}
		data = b
	} else {
		v, err := keyring.Get(s.Service, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load from keyring: %w", err)
		}
		data = []byte(v)
	}

	var session SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}
	if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("%s: %w", name, ErrSessionExpired)
	}
	return &session, nil
}

// Delete removes the named session. Deleting a missing session is not an error.
func (s *SessionStore) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if s.fileBased() {
		if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete session file: %w", err)
		}
		return nil
	}
	if err := keyring.Delete(s.Service, name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete from keyring: %w", err)
	}
	return s.updateManifest(name, false)
}

// List returns the saved session names, sorted.
func (s *SessionStore) List() ([]string, error) {
	if s.fileBased() {
		entries, err := os.ReadDir(s.Dir)
		if err != nil {
			if os.IsNotExist(err) {
				return []string{}, nil
			}
			return nil, err
		}
		names := []string{}
		for _, entry := range entries {
			if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
				names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
			}
		}
		sort.Strings(names)
		return names, nil
	}

	// The keyring cannot enumerate, so names are tracked in a manifest entry.
	raw, err := keyring.Get(s.Service, manifestKey)
	if err != nil {
		return []string{}, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("failed to deserialize manifest: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *SessionStore) updateManifest(name string, add bool) error {
	names, _ := s.List()
	kept := names[:0]
	for _, n := range names {
		if n != name {
			kept = append(kept, n)
		}
	}
	if add {
		kept = append(kept, name)
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return keyring.Set(s.Service, manifestKey, string(data))
}
