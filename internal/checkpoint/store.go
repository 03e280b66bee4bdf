package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/utils/fileutil"
)

// Store persists a CrawlState.
//
// Load never fails: a missing, unreadable or malformed snapshot yields an
// empty state for mode and a logged warning. Save fails with a
// failure.ClassPersistence error. Clear is idempotent.
type Store interface {
	Load(ctx context.Context, mode Mode) *CrawlState
	Save(ctx context.Context, st *CrawlState) error
	Clear(ctx context.Context) error
}

// FileStore keeps the state in one JSON document replaced atomically.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Load reads the snapshot.
func (s *FileStore) Load(ctx context.Context, mode Mode) *CrawlState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", s.path).Msg("Checkpoint unreadable, starting fresh")
		}
		return NewCrawlState(mode)
	}
	return decodeState(data, mode, s.path)
}

// Save writes st, stamping SavedAt.
func (s *FileStore) Save(ctx context.Context, st *CrawlState) error {
	st.SavedAt = s.now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return failure.Persistence("encode checkpoint", err)
	}
	if err := fileutil.WriteAtomic(s.path, data, 0o644); err != nil {
		return failure.Persistence("write checkpoint", err).WithUnit(s.path)
	}
	log.Debug().
		Str("path", s.path).
		Int("collected", st.Collected.Len()).
		Str("cursor", st.Cursor.String()).
		Msg("Checkpoint saved")
	return nil
}

// Clear removes the snapshot.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return failure.Persistence("clear checkpoint", err).WithUnit(s.path)
	}
	return nil
}

func decodeState(data []byte, mode Mode, source string) *CrawlState {
	var st CrawlState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn().Err(err).Str("source", source).Msg("Checkpoint malformed, starting fresh")
		return NewCrawlState(mode)
	}
	if st.Collected == nil {
		st.Collected = NewIdentifierSet()
	}
	if st.Cursor.Mode == "" {
		st.Cursor.Mode = mode
	}
	if st.Cursor.Mode != mode {
		log.Warn().
			Str("source", source).
			Str("saved_mode", string(st.Cursor.Mode)).
			Str("mode", string(mode)).
			Msg("Checkpoint cursor belongs to another mode, keeping identifiers only")
		st.Cursor = Cursor{Mode: mode}
	}
	log.Info().
		Str("source", source).
		Int("collected", st.Collected.Len()).
		Str("cursor", st.Cursor.String()).
		Msg("Checkpoint loaded")
	return &st
}

// Describe renders a snapshot for humans.
func Describe(st *CrawlState) string {
	saved := "never"
	if !st.SavedAt.IsZero() {
		saved = st.SavedAt.Local().Format(time.RFC1123)
	}
	return fmt.Sprintf("identifiers: %d\ncursor:      %s\nlast seen:   %s\nsaved:       %s",
		st.Collected.Len(), st.Cursor, st.LastActivity, saved)
}
