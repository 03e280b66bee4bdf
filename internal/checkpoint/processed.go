package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/utils/fileutil"
)

// ProcessedSet tracks identifiers whose record has been durably written.
// Callers add an identifier only after the record write succeeded.
type ProcessedSet struct {
	mu   sync.Mutex
	path string
	ids  IdentifierSet
}

type processedFile struct {
	Processed IdentifierSet `json:"processed_identifiers"`
	SavedAt   time.Time     `json:"saved_at"`
}

// LoadProcessed reads the set at path. Missing or malformed files yield an
// empty set and a warning.
func LoadProcessed(path string) *ProcessedSet {
	ps := &ProcessedSet{path: path, ids: NewIdentifierSet()}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Processed set unreadable, starting fresh")
		}
		return ps
	}
	var f processedFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Processed set malformed, starting fresh")
		return ps
	}
	if f.Processed != nil {
		ps.ids = f.Processed
	}
	return ps
}

// Has reports whether id was processed.
func (p *ProcessedSet) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ids.Has(id)
}

// Add marks id processed in memory.
func (p *ProcessedSet) Add(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ids.Add(id)
}

// Merge adds every identifier in ids and returns how many were new.
func (p *ProcessedSet) Merge(ids []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range ids {
		if p.ids.Add(id) {
			n++
		}
	}
	return n
}

// Len returns the number of processed identifiers.
func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ids.Len()
}

// Save persists the set atomically.
func (p *ProcessedSet) Save() error {
	p.mu.Lock()
	data, err := json.MarshalIndent(processedFile{Processed: p.ids, SavedAt: time.Now().UTC()}, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return failure.Persistence("encode processed set", err)
	}
	if p.path == "" {
		return nil
	}
	if err := fileutil.WriteAtomic(p.path, data, 0o644); err != nil {
		return failure.Persistence("write processed set", err).WithUnit(p.path)
	}
	return nil
}
