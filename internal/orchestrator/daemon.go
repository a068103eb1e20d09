package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
)

// Daemon polls the state store and advances every non-terminal item one
// stage per poll cycle. Item concurrency is bounded globally; within one
// item the per-plan task concurrency bound applies independently.
type Daemon struct {
	orch           *Orchestrator
	metricsHandler http.Handler
}

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithMetricsHandler serves the given handler at /metrics on the
// configured listen address while the daemon runs.
func WithMetricsHandler(h http.Handler) DaemonOption {
	return func(d *Daemon) { d.metricsHandler = h }
}

// NewDaemon creates a Daemon around an Orchestrator.
func NewDaemon(orch *Orchestrator, opts ...DaemonOption) *Daemon {
	d := &Daemon{orch: orch}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run resumes interrupted items, then polls until the context is
// canceled. Each poll enumerates stored items and processes the pending
// ones under the configured item-concurrency bound. Run returns nil on
// clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.orch.cfg
	logger := d.orch.logger

	if err := d.orch.ResumeAll(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if d.metricsHandler != nil && cfg.Metrics.Enabled {
		metricsSrv = d.serveMetrics(cfg.Metrics.ListenAddr)
		defer d.shutdownMetrics(metricsSrv)
	}

	interval := cfg.Engine.PollInterval
	if interval <= 0 {
		interval = constants.DefaultPollInterval
	}

	logger.Info().
		Dur("poll_interval", interval).
		Int("item_concurrency", cfg.Engine.ItemConcurrency).
		Msg("daemon started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info().Msg("daemon stopping")
				return nil
			}
			// A failed poll is logged, not fatal: the store may be
			// briefly unavailable and the next tick retries.
			logger.Error().Err(err).Msg("poll failed")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("daemon stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// poll advances every pending item one stage, bounded by the item
// concurrency limit. Per-item failures are logged and do not abort the
// poll; other items keep making progress.
func (d *Daemon) poll(ctx context.Context) error {
	items, err := d.orch.store.List(ctx)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	limit := d.orch.cfg.Engine.ItemConcurrency
	if limit <= 0 {
		limit = constants.DefaultItemConcurrency
	}
	group.SetLimit(limit)

	for _, item := range items {
		if item.Status.IsTerminal() {
			continue
		}
		itemID := item.ID
		group.Go(func() error {
			summary, err := d.orch.Process(groupCtx, &domain.Trigger{
				ItemID:     itemID,
				ReceivedAt: d.orch.clock.Now(),
			})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				d.orch.logger.Error().Str("item_id", itemID).Err(err).Msg("item processing failed")
				return nil
			}
			d.orch.logger.Info().
				Str("item_id", summary.ItemID).
				Str("stage", summary.Stage.String()).
				Str("outcome", summary.Outcome.String()).
				Str("status", summary.Status.String()).
				Msg("item processed")
			return nil
		})
	}

	return group.Wait()
}

func (d *Daemon) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metricsHandler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.orch.logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	d.orch.logger.Info().Str("addr", addr).Msg("metrics server listening")
	return srv
}

func (d *Daemon) shutdownMetrics(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
