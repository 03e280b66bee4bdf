package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Pacer spaces out interactions with a uniformly random pause in [Min, Max].
// The pause is cancellable; a cancelled wait returns ctx.Err().
type Pacer struct {
	Min time.Duration
	Max time.Duration

	// Limiter, when set, also bounds the per-host rate.
	Limiter *HostLimiter

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPacer returns a pacer pausing between min and max.
func NewPacer(min, max time.Duration) *Pacer {
	if max < min {
		max = min
	}
	return &Pacer{
		Min: min,
		Max: max,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next pause length.
func (p *Pacer) Next() time.Duration {
	if p == nil || p.Max <= 0 {
		return 0
	}
	span := p.Max - p.Min
	if span <= 0 {
		return p.Min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.Min + time.Duration(p.rnd.Int63n(int64(span)+1))
}

// Wait pauses before the next interaction.
func (p *Pacer) Wait(ctx context.Context) error {
	d := p.Next()
	if d > 0 {
		log.Debug().Dur("pause", d).Msg("Pacing")
	}
	return Sleep(ctx, d)
}

// WaitFor pauses, then waits on the host limit for rawURL.
func (p *Pacer) WaitFor(ctx context.Context, rawURL string) error {
	if err := p.Wait(ctx); err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	return p.Limiter.Wait(ctx, rawURL)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
