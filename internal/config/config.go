// Package config provides configuration management for GANTRY with layered
// precedence.
//
// Configuration sources are loaded in the following order (highest
// precedence first):
//  1. Environment variables (GANTRY_* prefix)
//  2. Project config (.gantry/config.yaml)
//  3. Global config (~/.gantry/config.yaml)
//  4. Built-in defaults
//
// Each higher level overrides the lower level for the same key.
//
// IMPORTANT: This package may import internal/constants and internal/errors,
// but MUST NOT import internal/domain or other internal packages.
package config

import "time"

// Config is the root configuration structure for GANTRY.
type Config struct {
	// Home is the gantry home directory holding item state, checkpoint
	// logs, and log files. Empty means ~/.gantry.
	Home string `yaml:"home" mapstructure:"home"`

	// Engine contains daemon and orchestrator settings.
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`

	// Stages contains per-stage execution settings.
	Stages StagesConfig `yaml:"stages" mapstructure:"stages"`

	// Recovery contains failure-recovery tuning.
	Recovery RecoveryConfig `yaml:"recovery" mapstructure:"recovery"`

	// Checkpoints selects and tunes the checkpoint store.
	Checkpoints CheckpointsConfig `yaml:"checkpoints" mapstructure:"checkpoints"`

	// Forge contains git-hosting collaborator settings.
	Forge ForgeConfig `yaml:"forge" mapstructure:"forge"`

	// Agent contains AI-agent collaborator settings.
	Agent AgentConfig `yaml:"agent" mapstructure:"agent"`

	// Labels overrides the default trigger/progress label names.
	Labels LabelsConfig `yaml:"labels" mapstructure:"labels"`

	// Metrics contains metrics exposition settings.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// EngineConfig contains daemon and orchestrator settings.
type EngineConfig struct {
	// PollInterval is how often the daemon enumerates pending triggers.
	// Default: 30s
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// ItemConcurrency bounds concurrently processed items in daemon mode,
	// independent of any single plan's internal task concurrency.
	// Default: 2
	ItemConcurrency int `yaml:"item_concurrency" mapstructure:"item_concurrency"`

	// MaxConcurrency bounds parallel task dispatch within one plan.
	// Default: 4
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// StagesConfig contains per-stage execution settings.
type StagesConfig struct {
	// Timeout is the default wall-clock limit for one stage execution.
	// Default: 30m
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// TaskTimeout is the wall-clock limit for one task execution.
	// Default: 30m
	TaskTimeout time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`

	// Timeouts overrides the default per stage, keyed by stage name
	// (e.g., "implementation": "1h").
	Timeouts map[string]time.Duration `yaml:"timeouts" mapstructure:"timeouts"`
}

// StageTimeout returns the effective timeout for a stage name.
func (s *StagesConfig) StageTimeout(stage string) time.Duration {
	if d, ok := s.Timeouts[stage]; ok && d > 0 {
		return d
	}
	return s.Timeout
}

// RecoveryConfig contains failure-recovery tuning. Bounds are deliberately
// configurable rather than hard-coded; the defaults are a starting point.
type RecoveryConfig struct {
	// MaxRetries bounds transient-error retries per stage.
	// Default: 3
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// MaxFixAttempts bounds test-fix cycles, counted separately from
	// transient retries.
	// Default: 3
	MaxFixAttempts int `yaml:"max_fix_attempts" mapstructure:"max_fix_attempts"`

	// BackoffInitial is the first retry delay.
	// Default: 1s
	BackoffInitial time.Duration `yaml:"backoff_initial" mapstructure:"backoff_initial"`

	// BackoffMultiplier grows the delay between retries.
	// Default: 2.0
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`

	// BackoffMax caps the retry delay.
	// Default: 2m
	BackoffMax time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
}

// CheckpointsConfig selects and tunes the checkpoint store.
type CheckpointsConfig struct {
	// Backend selects the checkpoint store: "file" (JSONL per item) or
	// "sqlite" (single database, recommended for daemon deployments).
	// Default: "file"
	Backend string `yaml:"backend" mapstructure:"backend"`
}

// ForgeConfig contains git-hosting collaborator settings.
type ForgeConfig struct {
	// Binary is the forge CLI executable.
	// Default: "gh"
	Binary string `yaml:"binary" mapstructure:"binary"`

	// BaseBranch is the default base branch for feature branches.
	// Default: "main"
	BaseBranch string `yaml:"base_branch" mapstructure:"base_branch"`

	// Remote is the git remote name.
	// Default: "origin"
	Remote string `yaml:"remote" mapstructure:"remote"`
}

// AgentConfig contains AI-agent collaborator settings.
type AgentConfig struct {
	// Binary is the agent CLI executable.
	// Default: "claude"
	Binary string `yaml:"binary" mapstructure:"binary"`

	// Model selects the model the agent binary should use.
	Model string `yaml:"model" mapstructure:"model"`

	// APIKeyEnvVar names the environment variable holding the agent API
	// key. Credentials stay in the environment; the core never reads or
	// stores the value itself.
	// Default: "ANTHROPIC_API_KEY"
	APIKeyEnvVar string `yaml:"api_key_env_var" mapstructure:"api_key_env_var"`

	// Timeout bounds one agent invocation.
	// Default: 30m
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// LabelsConfig overrides the default trigger/progress label names.
// Empty fields keep the defaults from internal/constants.
type LabelsConfig struct {
	NeedsPlanning string `yaml:"needs_planning" mapstructure:"needs_planning"`
	Proposed      string `yaml:"proposed" mapstructure:"proposed"`
	PlanApproved  string `yaml:"plan_approved" mapstructure:"plan_approved"`
	InProgress    string `yaml:"in_progress" mapstructure:"in_progress"`
	NeedsReview   string `yaml:"needs_review" mapstructure:"needs_review"`
	NeedsQA       string `yaml:"needs_qa" mapstructure:"needs_qa"`
	ReadyToMerge  string `yaml:"ready_to_merge" mapstructure:"ready_to_merge"`
	Done          string `yaml:"done" mapstructure:"done"`
	NeedsHuman    string `yaml:"needs_human" mapstructure:"needs_human"`
	Failed        string `yaml:"failed" mapstructure:"failed"`
}

// MetricsConfig contains metrics exposition settings.
type MetricsConfig struct {
	// Enabled turns on the prometheus /metrics endpoint in daemon mode.
	// Default: false
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// ListenAddr is the address the metrics server binds to.
	// Default: ":9090"
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
}
