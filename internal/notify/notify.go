// Package notify tells the operator that a run needs a human, typically
// because a bot challenge could not be cleared automatically.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrDelivery is wrapped by every failed delivery.
var ErrDelivery = errors.New("notification not delivered")

// Notifier delivers an alert. Delivery failures are reported, never fatal
// to the caller's run.
type Notifier interface {
	Alert(ctx context.Context, subject, body string) error
}

// Log writes alerts to the log only.
type Log struct{}

func (Log) Alert(ctx context.Context, subject, body string) error {
	log.Warn().Str("subject", subject).Msg(body)
	return nil
}

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Alert(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Alert(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async delivers in the background so a slow mail server never stalls the
// caller. Failures are logged. Close waits for pending deliveries, each for
// at most the configured timeout.
//
// The SMTP client does not take a context, so a delivery that times out is
// abandoned rather than interrupted: its connection lives on until the
// server or the OS drops it.
type Async struct {
	next    Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next. Each delivery gets at most timeout.
func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

// Alert schedules delivery and returns immediately.
func (a *Async) Alert(ctx context.Context, subject, body string) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- a.next.Alert(sendCtx, subject, body) }()

		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Str("subject", subject).Msg("Alert delivery failed")
			}
		case <-sendCtx.Done():
			log.Error().
				Err(sendCtx.Err()).
				Str("subject", subject).
				Dur("timeout", a.timeout).
				Msg("Alert delivery timed out, abandoning it")
		}
	}()
	return nil
}

// Close waits for in-flight deliveries.
func (a *Async) Close() {
	a.wg.Wait()
}
