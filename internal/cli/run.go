package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/law-makers/harvest/internal/app"
	"github.com/law-makers/harvest/internal/runctx"
)

// appFor returns the application and a context tagged with a fresh run id.
func appFor(cmd *cobra.Command) (*app.Application, context.Context) {
	a := GetAppFromCmd(cmd)
	return a, runctx.With(cmd.Context(), cmd.CommandPath(), *a.Logger)
}

// withMetrics runs fn, serving the metrics endpoint beside it when an
// address is configured. A metrics server that cannot start is logged and
// never stops the run.
func withMetrics(ctx context.Context, a *app.Application, fn func(context.Context) error) error {
	addr := a.Config.MetricsAddr
	if addr == "" {
		return fn(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopServing()
		return fn(gctx)
	})
	g.Go(func() error {
		if err := a.Metrics.Serve(serveCtx, addr); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("addr", addr).Msg("Metrics endpoint failed")
		}
		return nil
	})
	return g.Wait()
}

// outcomeError turns a run outcome into the command's error and exit code.
func outcomeError(ctx context.Context, stopped, failed bool, cause error) error {
	switch {
	case failed:
		return &ExitError{Code: ExitFailed, Err: runctx.Wrap(ctx, cause)}
	case stopped:
		return &ExitError{Code: ExitStopped, Err: cause}
	}
	return nil
}
