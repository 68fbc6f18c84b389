package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultProviderCommand = "opencode"
	defaultReadyTimeout    = 30 * time.Second
	defaultShutdownGrace   = 5 * time.Second
	defaultHealthPath      = "/health"
	defaultScriptTimeout   = 60 * time.Second
	defaultScriptGrace     = 5 * time.Second
	defaultMaxFileBytes    = 10 * 1024 * 1024
	defaultMaxResultBytes  = 900_000
	defaultLogLevel        = "info"

	// EnvConfigPath names an extra config file overlaid last.
	EnvConfigPath = "WFRUN_CONFIG"
	// EnvProviderCommand overrides provider.command.
	EnvProviderCommand = "WFRUN_PROVIDER_COMMAND"
	// EnvLogLevel overrides log.level.
	EnvLogLevel = "WFRUN_LOG_LEVEL"
)

var defaultProviderArgs = []string{"serve", "--hostname", "127.0.0.1", "--port", "0"}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Provider   ProviderConfig
	Validation ValidationConfig
	Workflow   WorkflowConfig
	Output     OutputConfig
	Log        LogConfig
	OTel       OTelConfig
}

// ProviderConfig describes how to launch and reach the session provider.
type ProviderConfig struct {
	Command       string
	Args          []string
	ReadyTimeout  time.Duration
	ShutdownGrace time.Duration
	HealthPath    string
}

// ValidationConfig tunes the validation script executor.
type ValidationConfig struct {
	Timeout     time.Duration
	GracePeriod time.Duration
	PassEnv     []string
	Python      string
	Node        string
}

// WorkflowConfig bounds workflow file reads.
type WorkflowConfig struct {
	MaxFileBytes int64
}

// OutputConfig bounds the serialized run result.
type OutputConfig struct {
	MaxResultBytes int
}

// LogConfig selects log destination and verbosity.
type LogConfig struct {
	Dir   string
	Level string
}

// OTelConfig configures trace export.
type OTelConfig struct {
	Endpoint string
}

type fileConfig struct {
	Provider   *providerFileConfig   `toml:"provider"`
	Validation *validationFileConfig `toml:"validation"`
	Workflow   *workflowFileConfig   `toml:"workflow"`
	Output     *outputFileConfig     `toml:"output"`
	Log        *logFileConfig        `toml:"log"`
	OTel       *otelFileConfig       `toml:"otel"`
}

type providerFileConfig struct {
	Command       *string   `toml:"command"`
	Args          *[]string `toml:"args"`
	ReadyTimeout  *string   `toml:"ready_timeout"`
	ShutdownGrace *string   `toml:"shutdown_grace"`
	HealthPath    *string   `toml:"health_path"`
}

type validationFileConfig struct {
	Timeout     *string   `toml:"timeout"`
	GracePeriod *string   `toml:"grace_period"`
	PassEnv     *[]string `toml:"pass_env"`
	Python      *string   `toml:"python"`
	Node        *string   `toml:"node"`
}

type workflowFileConfig struct {
	MaxFileBytes *int64 `toml:"max_file_bytes"`
}

type outputFileConfig struct {
	MaxResultBytes *int `toml:"max_result_bytes"`
}

type logFileConfig struct {
	Dir   *string `toml:"dir"`
	Level *string `toml:"level"`
}

type otelFileConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.wfrun/config.toml, overlays
// <workspace>/.wfrun/config.toml and then the file named by WFRUN_CONFIG,
// and finally applies environment overrides.
func Load(ctx context.Context, workspaceRoot string) (*Config, error) {
	cfg := defaults()

	paths := []string{}
	homeDir, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths, filepath.Join(homeDir, ".wfrun", "config.toml"))
	}
	if strings.TrimSpace(workspaceRoot) != "" {
		paths = append(paths, filepath.Join(workspaceRoot, ".wfrun", "config.toml"))
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if explicit := strings.TrimSpace(os.Getenv(EnvConfigPath)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("stat config file %q from %s: %w", explicit, EnvConfigPath, err)
		}
		if err := overlayFromFile(&cfg, explicit); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg, os.Getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return defaults()
}

func defaults() Config {
	return Config{
		Provider: ProviderConfig{
			Command:       defaultProviderCommand,
			Args:          append([]string(nil), defaultProviderArgs...),
			ReadyTimeout:  defaultReadyTimeout,
			ShutdownGrace: defaultShutdownGrace,
			HealthPath:    defaultHealthPath,
		},
		// PassEnv stays empty: scripts see no host variables unless
		// pass_env opts them in.
		Validation: ValidationConfig{
			Timeout:     defaultScriptTimeout,
			GracePeriod: defaultScriptGrace,
		},
		Workflow: WorkflowConfig{MaxFileBytes: defaultMaxFileBytes},
		Output:   OutputConfig{MaxResultBytes: defaultMaxResultBytes},
		Log:      LogConfig{Level: defaultLogLevel},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	if err := applyProviderOverrides(cfg, decoded.Provider, path); err != nil {
		return err
	}
	if err := applyValidationOverrides(cfg, decoded.Validation, path); err != nil {
		return err
	}
	applyScalarOverrides(cfg, decoded)
	return nil
}

func applyProviderOverrides(cfg *Config, decoded *providerFileConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.Command != nil {
		cfg.Provider.Command = strings.TrimSpace(*decoded.Command)
	}
	if decoded.Args != nil {
		cfg.Provider.Args = append([]string(nil), (*decoded.Args)...)
	}
	if decoded.HealthPath != nil {
		cfg.Provider.HealthPath = strings.TrimSpace(*decoded.HealthPath)
	}
	if decoded.ReadyTimeout != nil {
		value, err := parseDuration(*decoded.ReadyTimeout, "provider.ready_timeout", path)
		if err != nil {
			return err
		}
		cfg.Provider.ReadyTimeout = value
	}
	if decoded.ShutdownGrace != nil {
		value, err := parseDuration(*decoded.ShutdownGrace, "provider.shutdown_grace", path)
		if err != nil {
			return err
		}
		cfg.Provider.ShutdownGrace = value
	}
	return nil
}

func applyValidationOverrides(cfg *Config, decoded *validationFileConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.Timeout != nil {
		value, err := parseDuration(*decoded.Timeout, "validation.timeout", path)
		if err != nil {
			return err
		}
		cfg.Validation.Timeout = value
	}
	if decoded.GracePeriod != nil {
		value, err := parseDuration(*decoded.GracePeriod, "validation.grace_period", path)
		if err != nil {
			return err
		}
		cfg.Validation.GracePeriod = value
	}
	if decoded.PassEnv != nil {
		cfg.Validation.PassEnv = append([]string(nil), (*decoded.PassEnv)...)
	}
	if decoded.Python != nil {
		cfg.Validation.Python = strings.TrimSpace(*decoded.Python)
	}
	if decoded.Node != nil {
		cfg.Validation.Node = strings.TrimSpace(*decoded.Node)
	}
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Workflow != nil && decoded.Workflow.MaxFileBytes != nil {
		cfg.Workflow.MaxFileBytes = *decoded.Workflow.MaxFileBytes
	}
	if decoded.Output != nil && decoded.Output.MaxResultBytes != nil {
		cfg.Output.MaxResultBytes = *decoded.Output.MaxResultBytes
	}
	if decoded.Log != nil {
		if decoded.Log.Dir != nil {
			cfg.Log.Dir = strings.TrimSpace(*decoded.Log.Dir)
		}
		if decoded.Log.Level != nil {
			cfg.Log.Level = normalizeKey(*decoded.Log.Level)
		}
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTel.Endpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if command := strings.TrimSpace(getenv(EnvProviderCommand)); command != "" {
		cfg.Provider.Command = command
	}
	if level := normalizeKey(getenv(EnvLogLevel)); level != "" {
		cfg.Log.Level = level
	}
}

func (c *Config) validate() error {
	if c.Provider.Command == "" {
		return errors.New("provider.command must not be empty")
	}
	if c.Provider.ReadyTimeout <= 0 {
		return fmt.Errorf("provider.ready_timeout must be positive, got %s", c.Provider.ReadyTimeout)
	}
	if c.Validation.Timeout <= 0 || c.Validation.Timeout > defaultScriptTimeout {
		return fmt.Errorf("validation.timeout must be between 0 and %s, got %s", defaultScriptTimeout, c.Validation.Timeout)
	}
	if c.Workflow.MaxFileBytes <= 0 {
		return fmt.Errorf("workflow.max_file_bytes must be positive, got %d", c.Workflow.MaxFileBytes)
	}
	if c.Output.MaxResultBytes <= 0 {
		return fmt.Errorf("output.max_result_bytes must be positive, got %d", c.Output.MaxResultBytes)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
