// Package runctx attaches a run identifier to a context so every log line
// and alert of one invocation can be correlated.
package runctx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type key int

const runKey key = 0

type RunContext struct {
	RunID     string
	Command   string
	StartTime time.Time
}

// With returns a context carrying a fresh run identifier and a logger
// tagged with it.
func With(ctx context.Context, command string, logger zerolog.Logger) context.Context {
	rc := &RunContext{
		RunID:     uuid.NewString(),
		Command:   command,
		StartTime: time.Now(),
	}
	ctx = context.WithValue(ctx, runKey, rc)
	l := logger.With().Str("run_id", rc.RunID).Str("command", command).Logger()
	return l.WithContext(ctx)
}

// Get returns the run context, or a placeholder when none was attached.
func Get(ctx context.Context) *RunContext {
	if rc, ok := ctx.Value(runKey).(*RunContext); ok {
		return rc
	}
	return &RunContext{RunID: "unknown", StartTime: time.Now()}
}

// RunError wraps an error with the run it happened in.
type RunError struct {
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("[%s] %v", e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Wrap tags err with the run identifier from ctx.
func Wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	return &RunError{RunID: Get(ctx).RunID, Err: err}
}
