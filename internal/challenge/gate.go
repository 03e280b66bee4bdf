package challenge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/metrics"
	"github.com/law-makers/harvest/internal/notify"
	"github.com/law-makers/harvest/internal/ratelimit"
)

// Gate holds callers until the page is free of challenges.
//
// The wait has no overall deadline: a challenge that never clears blocks
// until ctx is cancelled. One alert is sent per challenge occurrence.
type Gate struct {
	Detector  *Detector
	Notifier  notify.Notifier
	Confirmer Confirmer
	Metrics   *metrics.Recorder

	// RecoveryClicks is how many coordinate clicks are tried before asking
	// the operator. Zero disables them.
	RecoveryClicks int
	RecoveryPause  time.Duration
	ClickX, ClickY float64

	mu       sync.Mutex
	notified bool
}

// NewGate returns a gate with the usual recovery settings.
func NewGate(d *Detector, n notify.Notifier, c Confirmer) *Gate {
	if d == nil {
		d = NewDetector()
	}
	if n == nil {
		n = notify.Log{}
	}
	if c == nil {
		c = Poll{}
	}
	return &Gate{
		Detector:       d,
		Notifier:       n,
		Confirmer:      c,
		RecoveryClicks: 3,
		RecoveryPause:  2 * time.Second,
		ClickX:         840,
		ClickY:         660,
	}
}

// AwaitClear returns once no challenge is present. When none is present it
// returns immediately without touching the page.
func (g *Gate) AwaitClear(ctx context.Context, p browser.Page) error {
	present, err := g.Detector.Detect(ctx, p)
	if err != nil {
		return err
	}
	if !present {
		g.setNotified(false)
		return nil
	}

	g.Metrics.Challenge()
	location, _ := p.CurrentLocation(ctx)
	log.Warn().Str("location", location).Msg("Bot challenge detected, pausing")
	g.alert(ctx, location)

	for i := 0; i < g.RecoveryClicks; i++ {
		if err := p.ClickAt(ctx, g.ClickX, g.ClickY); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug().Err(err).Int("attempt", i+1).Msg("Recovery click failed")
		}
		if err := ratelimit.Sleep(ctx, g.RecoveryPause); err != nil {
			return err
		}
		if present, err = g.Detector.Detect(ctx, p); err != nil {
			return err
		}
		if !present {
			log.Info().Int("attempts", i+1).Msg("Challenge cleared by recovery click")
			g.setNotified(false)
			return nil
		}
	}

	log.Warn().Msg("Challenge still present, waiting for the operator to solve it in the browser")
	for {
		if err := g.Confirmer.Wait(ctx); err != nil {
			return err
		}
		if present, err = g.Detector.Detect(ctx, p); err != nil {
			return err
		}
		if !present {
			log.Info().Msg("Challenge cleared, resuming")
			g.setNotified(false)
			return nil
		}
		log.Info().Msg("Challenge still present")
	}
}

func (g *Gate) alert(ctx context.Context, location string) {
	g.mu.Lock()
	already := g.notified
	g.notified = true
	g.mu.Unlock()
	if already {
		return
	}
	body := fmt.Sprintf("A bot challenge is blocking the crawl at %s.\nSolve it in the browser window; the run resumes on its own.", location)
	if err := g.Notifier.Alert(ctx, "harvest: bot challenge needs attention", body); err != nil {
		log.Error().Err(err).Msg("Could not deliver challenge alert")
	}
}

func (g *Gate) setNotified(v bool) {
	g.mu.Lock()
	g.notified = v
	g.mu.Unlock()
}
