package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/trailer-cache/internal/server"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy with scheduled refresh and eviction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx)
		},
	}
}

// serve runs the HTTP server and the cron schedule until ctx is done.
func (a *app) serve(ctx context.Context) error {
	var srvOpts []server.Option
	if a.redis != nil {
		srvOpts = append(srvOpts, server.WithReadiness(server.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})))
	}
	if a.cfg.API.Timeout > 0 {
		srvOpts = append(srvOpts, server.WithUpstreamTimeout(a.cfg.API.Timeout))
	}

	httpServer := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      server.New(a.client, srvOpts...).Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	scheduler, err := a.schedule(ctx)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", httpServer.Addr).Msg("Starting server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// schedule registers the refresh cycle on cache.sweep_schedule. Without
// configured paths the cycle is eviction only.
func (a *app) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	_, err := c.AddFunc(a.cfg.Cache.SweepSchedule, func() {
		removed, err := a.refresh(ctx, a.cfg.Refresh.Paths)
		if err != nil {
			a.logger.Error().Err(err).Msg("Scheduled refresh cycle failed")
			return
		}
		a.logger.Info().
			Int("paths", len(a.cfg.Refresh.Paths)).
			Int("evicted", removed).
			Msg("Scheduled refresh cycle complete")
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", a.cfg.Cache.SweepSchedule, err)
	}
	return c, nil
}

func newRefreshCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [paths...]",
		Short: "Fetch every page of the given paths (default refresh.paths), then sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = cfg.Refresh.Paths
			}
			if len(paths) == 0 {
				return errors.New("no paths given and refresh.paths is empty")
			}

			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.refresh(cmd.Context(), paths)
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d path(s), evicted %d entries\n", len(paths), removed)
			return err
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Evict entries not touched within cache.horizon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", removed)
			return nil
		},
	}
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Print a summary of one cache entry without touching it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.show(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

var errNotCached = errors.New("not cached")

func (a *app) show(ctx context.Context, w io.Writer, key string) error {
	rec, ok, err := a.cache.Record(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, errNotCached)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(server.Summarize(rec))
}
