package config

import (
	"github.com/spf13/viper"

	"github.com/gantryhq/gantry/internal/constants"
)

// DefaultConfig returns a new Config with default values. These form the
// base layer that config files and environment variables override.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			PollInterval:    constants.DefaultPollInterval,
			ItemConcurrency: constants.DefaultItemConcurrency,
			MaxConcurrency:  constants.DefaultMaxConcurrency,
		},
		Stages: StagesConfig{
			Timeout:     constants.DefaultStageTimeout,
			TaskTimeout: constants.DefaultTaskTimeout,
		},
		Recovery: RecoveryConfig{
			MaxRetries:        constants.DefaultMaxRetries,
			MaxFixAttempts:    constants.DefaultMaxFixAttempts,
			BackoffInitial:    constants.DefaultBackoffInitial,
			BackoffMultiplier: constants.DefaultBackoffMultiplier,
			BackoffMax:        constants.DefaultBackoffMax,
		},
		Checkpoints: CheckpointsConfig{
			Backend: "file",
		},
		Forge: ForgeConfig{
			Binary:     "gh",
			BaseBranch: "main",
			Remote:     "origin",
		},
		Agent: AgentConfig{
			Binary:       "claude",
			Model:        "sonnet",
			APIKeyEnvVar: "ANTHROPIC_API_KEY",
			Timeout:      constants.DefaultStageTimeout,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9090",
		},
	}
}

// setDefaults registers default values on a viper instance so that env
// vars and config files merge over them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.poll_interval", constants.DefaultPollInterval)
	v.SetDefault("engine.item_concurrency", constants.DefaultItemConcurrency)
	v.SetDefault("engine.max_concurrency", constants.DefaultMaxConcurrency)

	v.SetDefault("stages.timeout", constants.DefaultStageTimeout)
	v.SetDefault("stages.task_timeout", constants.DefaultTaskTimeout)

	v.SetDefault("recovery.max_retries", constants.DefaultMaxRetries)
	v.SetDefault("recovery.max_fix_attempts", constants.DefaultMaxFixAttempts)
	v.SetDefault("recovery.backoff_initial", constants.DefaultBackoffInitial)
	v.SetDefault("recovery.backoff_multiplier", constants.DefaultBackoffMultiplier)
	v.SetDefault("recovery.backoff_max", constants.DefaultBackoffMax)

	v.SetDefault("checkpoints.backend", "file")

	v.SetDefault("forge.binary", "gh")
	v.SetDefault("forge.base_branch", "main")
	v.SetDefault("forge.remote", "origin")

	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.model", "sonnet")
	v.SetDefault("agent.api_key_env_var", "ANTHROPIC_API_KEY")
	v.SetDefault("agent.timeout", constants.DefaultStageTimeout)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")
}

// EffectiveLabels resolves label names, applying configured overrides on
// top of the defaults from internal/constants.
func (c *Config) EffectiveLabels() LabelsConfig {
	l := c.Labels
	if l.NeedsPlanning == "" {
		l.NeedsPlanning = constants.LabelNeedsPlanning
	}
	if l.Proposed == "" {
		l.Proposed = constants.LabelProposed
	}
	if l.PlanApproved == "" {
		l.PlanApproved = constants.LabelPlanApproved
	}
	if l.InProgress == "" {
		l.InProgress = constants.LabelInProgress
	}
	if l.NeedsReview == "" {
		l.NeedsReview = constants.LabelNeedsReview
	}
	if l.NeedsQA == "" {
		l.NeedsQA = constants.LabelNeedsQA
	}
	if l.ReadyToMerge == "" {
		l.ReadyToMerge = constants.LabelReadyToMerge
	}
	if l.Done == "" {
		l.Done = constants.LabelDone
	}
	if l.NeedsHuman == "" {
		l.NeedsHuman = constants.LabelNeedsHuman
	}
	if l.Failed == "" {
		l.Failed = constants.LabelFailed
	}
	return l
}
