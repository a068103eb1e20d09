package config

import (
	"fmt"

	"github.com/gantryhq/gantry/internal/errors"
)

// Validate checks a configuration for values the engine cannot run with.
// It returns a wrapped ErrConfigInvalid describing the first problem found.
// Validation failures are fatal: they must stop the process before any
// item is touched.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", errors.ErrConfigInvalid)
	}

	if cfg.Engine.PollInterval <= 0 {
		return fmt.Errorf("%w: engine.poll_interval must be positive, got %s",
			errors.ErrConfigInvalid, cfg.Engine.PollInterval)
	}
	if cfg.Engine.ItemConcurrency < 1 {
		return fmt.Errorf("%w: engine.item_concurrency must be at least 1, got %d",
			errors.ErrConfigInvalid, cfg.Engine.ItemConcurrency)
	}
	if cfg.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("%w: engine.max_concurrency must be at least 1, got %d",
			errors.ErrConfigInvalid, cfg.Engine.MaxConcurrency)
	}

	if cfg.Stages.Timeout <= 0 {
		return fmt.Errorf("%w: stages.timeout must be positive, got %s",
			errors.ErrConfigInvalid, cfg.Stages.Timeout)
	}
	if cfg.Stages.TaskTimeout <= 0 {
		return fmt.Errorf("%w: stages.task_timeout must be positive, got %s",
			errors.ErrConfigInvalid, cfg.Stages.TaskTimeout)
	}
	for name, d := range cfg.Stages.Timeouts {
		if d <= 0 {
			return fmt.Errorf("%w: stages.timeouts[%s] must be positive, got %s",
				errors.ErrConfigInvalid, name, d)
		}
	}

	if cfg.Recovery.MaxRetries < 0 {
		return fmt.Errorf("%w: recovery.max_retries must not be negative, got %d",
			errors.ErrConfigInvalid, cfg.Recovery.MaxRetries)
	}
	if cfg.Recovery.MaxFixAttempts < 0 {
		return fmt.Errorf("%w: recovery.max_fix_attempts must not be negative, got %d",
			errors.ErrConfigInvalid, cfg.Recovery.MaxFixAttempts)
	}
	if cfg.Recovery.BackoffInitial <= 0 {
		return fmt.Errorf("%w: recovery.backoff_initial must be positive, got %s",
			errors.ErrConfigInvalid, cfg.Recovery.BackoffInitial)
	}
	if cfg.Recovery.BackoffMultiplier < 1.0 {
		return fmt.Errorf("%w: recovery.backoff_multiplier must be at least 1.0, got %g",
			errors.ErrConfigInvalid, cfg.Recovery.BackoffMultiplier)
	}
	if cfg.Recovery.BackoffMax < cfg.Recovery.BackoffInitial {
		return fmt.Errorf("%w: recovery.backoff_max %s is below backoff_initial %s",
			errors.ErrConfigInvalid, cfg.Recovery.BackoffMax, cfg.Recovery.BackoffInitial)
	}

	switch cfg.Checkpoints.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("%w: checkpoints.backend must be \"file\" or \"sqlite\", got %q",
			errors.ErrConfigInvalid, cfg.Checkpoints.Backend)
	}

	if cfg.Forge.Binary == "" {
		return fmt.Errorf("%w: forge.binary %s", errors.ErrConfigInvalid, errors.ErrEmptyValue)
	}
	if cfg.Agent.Binary == "" {
		return fmt.Errorf("%w: agent.binary %s", errors.ErrConfigInvalid, errors.ErrEmptyValue)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		return fmt.Errorf("%w: metrics.listen_addr %s", errors.ErrConfigInvalid, errors.ErrEmptyValue)
	}

	return nil
}
