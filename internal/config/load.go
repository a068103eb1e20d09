package config

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/errors"
)

// newViperInstance creates a new Viper instance with the standard gantry
// setup: defaults, GANTRY_ env prefix, and a key replacer so that
// GANTRY_ENGINE_POLL_INTERVAL maps to engine.poll_interval.
func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// isConfigNotFoundError returns true if the error is a viper config file
// not found error. Missing config files are expected, not failures.
func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var notFound viper.ConfigFileNotFoundError
	return stderrors.As(err, &notFound)
}

// viperDecoderOption returns the mapstructure decode hooks used for all
// config unmarshaling: string → time.Duration and comma-separated string →
// slice.
func viperDecoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// Load reads configuration from all available sources with proper
// precedence (env > project config > global config > defaults).
//
// It returns an error only for actual configuration problems, not for
// missing config files. A configuration error is fatal: processing must
// not begin with an invalid configuration.
func Load(ctx context.Context) (*Config, error) {
	v := newViperInstance()

	if err := loadGlobalConfig(v); err != nil {
		return nil, err
	}
	if err := loadProjectConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viperDecoderOption()); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	logger := zerolog.Ctx(ctx).With().Str("component", "config").Logger()
	logger.Debug().
		Dur("engine.poll_interval", cfg.Engine.PollInterval).
		Int("engine.item_concurrency", cfg.Engine.ItemConcurrency).
		Str("checkpoints.backend", cfg.Checkpoints.Backend).
		Msg("configuration loaded")

	if err := Validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return &cfg, nil
}

// loadGlobalConfig attempts to load ~/.gantry/config.yaml.
// Missing file or undeterminable home directory is not an error.
func loadGlobalConfig(v *viper.Viper) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	path := filepath.Join(home, constants.GantryHome, constants.ConfigFileName+".yaml")
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if isConfigNotFoundError(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read global config %s", path)
	}
	return nil
}

// loadProjectConfig attempts to load .gantry/config.yaml from the current
// working directory, merging over the global config.
func loadProjectConfig(v *viper.Viper) error {
	path := filepath.Join(constants.ConfigDirName, constants.ConfigFileName+".yaml")
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		if isConfigNotFoundError(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read project config %s", path)
	}
	return nil
}

// HomeDir resolves the effective gantry home directory for this config.
func (c *Config) HomeDir() (string, error) {
	if c.Home != "" {
		return c.Home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve home directory")
	}
	return filepath.Join(home, constants.GantryHome), nil
}
