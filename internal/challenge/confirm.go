package challenge

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"
)

// Confirmer blocks until the operator says the challenge is done or it is
// time to look again, whichever comes first.
type Confirmer interface {
	Wait(ctx context.Context) error
}

// Poll wakes up every Interval.
type Poll struct {
	Interval time.Duration
}

func (c Poll) Wait(ctx context.Context) error {
	d := c.Interval
	if d <= 0 {
		d = 15 * time.Second
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

// Lines wakes up when the operator presses Enter on r, or every Interval.
// The reader is consumed by one goroutine for the life of the process.
type Lines struct {
	Interval time.Duration

	once  sync.Once
	r     io.Reader
	lines chan struct{}
}

// NewLines returns a confirmer reading r, typically os.Stdin.
func NewLines(r io.Reader, interval time.Duration) *Lines {
	return &Lines{r: r, Interval: interval}
}

func (c *Lines) start() {
	c.lines = make(chan struct{}, 1)
	go func() {
		sc := bufio.NewScanner(c.r)
		for sc.Scan() {
			select {
			case c.lines <- struct{}{}:
			default:
			}
		}
	}()
}

func (c *Lines) Wait(ctx context.Context) error {
	c.once.Do(c.start)
	d := c.Interval
	if d <= 0 {
		d = 15 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.lines:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
