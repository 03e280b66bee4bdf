// Package extract runs an ordered list of field extractors against one item
// page and assembles their output into a record.
//
// Each extractor is isolated: a failure, a panic or an empty result turns
// into that section's default payload and a warning, and the remaining
// extractors still run.
package extract

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/metrics"
	"github.com/law-makers/harvest/pkg/models"
)

// Extractor produces one section of a record.
type Extractor interface {
	// Name is the section key in the record.
	Name() string
	Extract(ctx context.Context, p browser.Page) (interface{}, error)
	// Empty returns the payload stored when extraction fails or finds nothing.
	Empty() interface{}
}

// Emptier lets a payload report that it carries nothing worth keeping.
type Emptier interface {
	IsEmpty() bool
}

// Gate blocks while a challenge covers the page.
type Gate interface {
	AwaitClear(ctx context.Context, p browser.Page) error
}

type funcExtractor struct {
	name  string
	fn    func(ctx context.Context, p browser.Page) (interface{}, error)
	empty func() interface{}
}

func (f funcExtractor) Name() string { return f.name }

func (f funcExtractor) Extract(ctx context.Context, p browser.Page) (interface{}, error) {
	return f.fn(ctx, p)
}

func (f funcExtractor) Empty() interface{} {
	if f.empty == nil {
		return map[string]interface{}{}
	}
	return f.empty()
}

// Func adapts a function into an Extractor. A nil empty yields {}.
func Func(name string, empty func() interface{}, fn func(ctx context.Context, p browser.Page) (interface{}, error)) Extractor {
	return funcExtractor{name: name, fn: fn, empty: empty}
}

// Pipeline runs extractors in declaration order.
type Pipeline struct {
	extractors []Extractor
	Gate       Gate
	Metrics    *metrics.Recorder

	now func() time.Time
}

// NewPipeline validates the extractor names.
func NewPipeline(gate Gate, extractors ...Extractor) (*Pipeline, error) {
	seen := map[string]bool{}
	for _, e := range extractors {
		name := e.Name()
		if name == "" || models.Reserved(name) {
			return nil, fmt.Errorf("extract: invalid section name %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("extract: duplicate section %q", name)
		}
		seen[name] = true
	}
	return &Pipeline{extractors: extractors, Gate: gate, now: time.Now}, nil
}

// Names returns the section names in run order.
func (pl *Pipeline) Names() []string {
	names := make([]string, len(pl.extractors))
	for i, e := range pl.extractors {
		names[i] = e.Name()
	}
	return names
}

// Run extracts a record for the item currently shown in p. It only returns
// an error when ctx ends; extractor failures are recorded on their section.
func (pl *Pipeline) Run(ctx context.Context, p browser.Page, identifier, source string) (*models.Record, error) {
	rec := &models.Record{
		Identifier:    identifier,
		SourceLocator: source,
		Sections:      make([]models.Section, 0, len(pl.extractors)),
	}

	for _, e := range pl.extractors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pl.Gate != nil {
			if err := pl.Gate.AwaitClear(ctx, p); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		payload, err := safeExtract(ctx, p, e)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		section := models.Section{Name: e.Name(), Payload: payload}
		switch {
		case err != nil:
			section.Payload = e.Empty()
			section.Err = err.Error()
			pl.Metrics.ExtractorFailed(e.Name())
			log.Warn().
				Err(err).
				Str("identifier", identifier).
				Str("section", e.Name()).
				Msg("Extractor failed, using empty section")
		case isEmpty(payload):
			section.Payload = e.Empty()
			log.Warn().
				Str("identifier", identifier).
				Str("section", e.Name()).
				Msg("Extractor found nothing")
		default:
			log.Debug().
				Str("identifier", identifier).
				Str("section", e.Name()).
				Dur("took", time.Since(start)).
				Msg("Section extracted")
		}
		rec.Sections = append(rec.Sections, section)
	}

	rec.ExtractedAt = pl.now()
	return rec, nil
}

// ErrPanic wraps a recovered extractor panic.
var ErrPanic = errors.New("extractor panicked")

func safeExtract(ctx context.Context, p browser.Page, e Extractor) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return e.Extract(ctx, p)
}

func isEmpty(payload interface{}) bool {
	if payload == nil {
		return true
	}
	if em, ok := payload.(Emptier); ok {
		return em.IsEmpty()
	}
	v := reflect.ValueOf(payload)
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return v.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}
