package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryhq/gantry/internal/constants"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

func TestDefaultConfig_ReturnsValidConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg, "DefaultConfig should not return nil")

	// Verify engine defaults
	assert.Equal(t, constants.DefaultPollInterval, cfg.Engine.PollInterval, "default poll interval")
	assert.Equal(t, constants.DefaultItemConcurrency, cfg.Engine.ItemConcurrency, "default item concurrency")
	assert.Equal(t, constants.DefaultMaxConcurrency, cfg.Engine.MaxConcurrency, "default task concurrency")

	// Verify stage defaults
	assert.Equal(t, constants.DefaultStageTimeout, cfg.Stages.Timeout, "default stage timeout")
	assert.Equal(t, constants.DefaultTaskTimeout, cfg.Stages.TaskTimeout, "default task timeout")

	// Verify recovery defaults
	assert.Equal(t, constants.DefaultMaxRetries, cfg.Recovery.MaxRetries, "default max retries")
	assert.Equal(t, constants.DefaultMaxFixAttempts, cfg.Recovery.MaxFixAttempts, "default max fix attempts")
	assert.Equal(t, constants.DefaultBackoffInitial, cfg.Recovery.BackoffInitial, "default initial backoff")
	assert.InDelta(t, constants.DefaultBackoffMultiplier, cfg.Recovery.BackoffMultiplier, 0.001, "default backoff multiplier")
	assert.Equal(t, constants.DefaultBackoffMax, cfg.Recovery.BackoffMax, "default backoff cap")

	// Verify collaborator defaults
	assert.Equal(t, "file", cfg.Checkpoints.Backend, "default checkpoint backend")
	assert.Equal(t, "gh", cfg.Forge.Binary, "default forge binary")
	assert.Equal(t, "main", cfg.Forge.BaseBranch, "default base branch")
	assert.Equal(t, "origin", cfg.Forge.Remote, "default remote")
	assert.Equal(t, "claude", cfg.Agent.Binary, "default agent binary")
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.Agent.APIKeyEnvVar, "default API key env var")

	// Verify metrics defaults
	assert.False(t, cfg.Metrics.Enabled, "metrics should be off by default")
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr, "default metrics address")

	// Validate the default config passes validation
	err := Validate(cfg)
	assert.NoError(t, err, "default config should pass validation")
}

func TestValidate_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{
			name:   "zero poll interval",
			mutate: func(cfg *Config) { cfg.Engine.PollInterval = 0 },
		},
		{
			name:   "zero item concurrency",
			mutate: func(cfg *Config) { cfg.Engine.ItemConcurrency = 0 },
		},
		{
			name:   "negative task concurrency",
			mutate: func(cfg *Config) { cfg.Engine.MaxConcurrency = -1 },
		},
		{
			name:   "zero stage timeout",
			mutate: func(cfg *Config) { cfg.Stages.Timeout = 0 },
		},
		{
			name:   "zero task timeout",
			mutate: func(cfg *Config) { cfg.Stages.TaskTimeout = 0 },
		},
		{
			name: "negative per-stage timeout override",
			mutate: func(cfg *Config) {
				cfg.Stages.Timeouts = map[string]time.Duration{"implementation": -time.Minute}
			},
		},
		{
			name:   "negative max retries",
			mutate: func(cfg *Config) { cfg.Recovery.MaxRetries = -1 },
		},
		{
			name:   "negative max fix attempts",
			mutate: func(cfg *Config) { cfg.Recovery.MaxFixAttempts = -2 },
		},
		{
			name:   "zero initial backoff",
			mutate: func(cfg *Config) { cfg.Recovery.BackoffInitial = 0 },
		},
		{
			name:   "backoff multiplier below one",
			mutate: func(cfg *Config) { cfg.Recovery.BackoffMultiplier = 0.5 },
		},
		{
			name: "backoff cap below initial",
			mutate: func(cfg *Config) {
				cfg.Recovery.BackoffInitial = time.Minute
				cfg.Recovery.BackoffMax = time.Second
			},
		},
		{
			name:   "unknown checkpoint backend",
			mutate: func(cfg *Config) { cfg.Checkpoints.Backend = "redis" },
		},
		{
			name:   "empty forge binary",
			mutate: func(cfg *Config) { cfg.Forge.Binary = "" },
		},
		{
			name:   "empty agent binary",
			mutate: func(cfg *Config) { cfg.Agent.Binary = "" },
		},
		{
			name: "metrics enabled without listen address",
			mutate: func(cfg *Config) {
				cfg.Metrics.Enabled = true
				cfg.Metrics.ListenAddr = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, gantryerrors.ErrConfigInvalid)
		})
	}
}

func TestValidate_NilConfig(t *testing.T) {
	err := Validate(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gantryerrors.ErrConfigInvalid)
}

func TestStagesConfig_StageTimeout(t *testing.T) {
	stages := StagesConfig{
		Timeout: 30 * time.Minute,
		Timeouts: map[string]time.Duration{
			"implementation": time.Hour,
			"qa":             0, // zero overrides fall back to the default
		},
	}

	assert.Equal(t, time.Hour, stages.StageTimeout("implementation"), "explicit override wins")
	assert.Equal(t, 30*time.Minute, stages.StageTimeout("qa"), "zero override falls back")
	assert.Equal(t, 30*time.Minute, stages.StageTimeout("planning"), "unlisted stage uses default")
}

func TestEffectiveLabels(t *testing.T) {
	t.Run("all defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		labels := cfg.EffectiveLabels()

		assert.Equal(t, constants.LabelNeedsPlanning, labels.NeedsPlanning)
		assert.Equal(t, constants.LabelPlanApproved, labels.PlanApproved)
		assert.Equal(t, constants.LabelNeedsHuman, labels.NeedsHuman)
		assert.Equal(t, constants.LabelFailed, labels.Failed)
	})

	t.Run("partial override keeps remaining defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Labels.NeedsPlanning = "triage/plan"
		labels := cfg.EffectiveLabels()

		assert.Equal(t, "triage/plan", labels.NeedsPlanning, "override should win")
		assert.Equal(t, constants.LabelProposed, labels.Proposed, "untouched labels keep defaults")
	})
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigSources(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, constants.DefaultPollInterval, cfg.Engine.PollInterval)
	assert.Equal(t, "file", cfg.Checkpoints.Backend)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	isolateConfigSources(t)
	t.Setenv("GANTRY_ENGINE_ITEM_CONCURRENCY", "7")
	t.Setenv("GANTRY_ENGINE_POLL_INTERVAL", "45s")
	t.Setenv("GANTRY_CHECKPOINTS_BACKEND", "sqlite")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.ItemConcurrency)
	assert.Equal(t, 45*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, "sqlite", cfg.Checkpoints.Backend)
}

func TestLoad_ProjectConfigOverridesDefaults(t *testing.T) {
	isolateConfigSources(t)

	projectDir := filepath.Join(".", constants.ConfigDirName)
	require.NoError(t, os.MkdirAll(projectDir, 0o750))
	configYAML := []byte("engine:\n  max_concurrency: 8\nforge:\n  base_branch: develop\n")
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, constants.ConfigFileName+".yaml"), configYAML, 0o600))

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.MaxConcurrency, "project config should override defaults")
	assert.Equal(t, "develop", cfg.Forge.BaseBranch)
	assert.Equal(t, constants.DefaultItemConcurrency, cfg.Engine.ItemConcurrency, "unset keys keep defaults")
}

func TestLoad_InvalidConfigFails(t *testing.T) {
	isolateConfigSources(t)
	t.Setenv("GANTRY_RECOVERY_MAX_RETRIES", "-1")

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, gantryerrors.ErrConfigInvalid)
}

func TestConfig_HomeDir(t *testing.T) {
	t.Run("explicit home wins", func(t *testing.T) {
		cfg := &Config{Home: "/tmp/gantry-test"}
		home, err := cfg.HomeDir()
		require.NoError(t, err)
		assert.Equal(t, "/tmp/gantry-test", home)
	})

	t.Run("defaults under user home", func(t *testing.T) {
		userHome := t.TempDir()
		t.Setenv("HOME", userHome)

		cfg := &Config{}
		home, err := cfg.HomeDir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(userHome, constants.GantryHome), home)
	})
}

// isolateConfigSources points global and project config lookups at empty
// temp directories so tests never read the developer's real config.
func isolateConfigSources(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	oldWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(oldWD) })
}
