package cli

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/forge"
	"github.com/gantryhq/gantry/internal/metrics"
	"github.com/gantryhq/gantry/internal/orchestrator"
	"github.com/gantryhq/gantry/internal/state"
)

// engine bundles the wired collaborators a command needs to process items.
type engine struct {
	cfg         *config.Config
	store       state.Store
	checkpoints checkpoint.Store
	orch        *orchestrator.Orchestrator
	metrics     *metrics.Prometheus
}

// close releases resources held by the engine.
func (e *engine) close() {
	_ = e.checkpoints.Close()
}

// newEngine loads configuration and wires the state store, checkpoint
// store, forge and agent providers, and the orchestrator.
func newEngine(ctx context.Context, logger zerolog.Logger) (*engine, error) {
	cfg, err := config.Load(logger.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	home, err := cfg.HomeDir()
	if err != nil {
		return nil, err
	}

	store, err := state.NewFileStore(home)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open state store")
	}

	checkpoints, err := checkpoint.New(cfg.Checkpoints.Backend, home)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint store")
	}

	forgeProvider := forge.NewCLIProvider(cfg.Forge.Binary, cfg.Forge.Remote,
		forge.WithLogger(logger))

	agentProvider := agent.NewCLIAgent(cfg.Agent.Binary, cfg.Agent.APIKeyEnvVar,
		agent.WithModel(cfg.Agent.Model),
		agent.WithTimeout(cfg.Agent.Timeout),
		agent.WithLogger(logger))

	recorder := metrics.NewPrometheus()

	orch := orchestrator.New(cfg, store, checkpoints, forgeProvider, agentProvider,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(recorder))

	return &engine{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoints,
		orch:        orch,
		metrics:     recorder,
	}, nil
}
