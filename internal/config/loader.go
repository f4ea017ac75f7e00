package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/canvas-bridge/internal/auth"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "CANVAS_BRIDGE_CONFIG"

// ErrNoConfig is returned by Discover when no config file exists anywhere.
var ErrNoConfig = errors.New("no config found")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, verifies and validates a config file.
// A .env file beside the config is loaded into the environment first;
// variables already set win.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifyChecksums(absPath); err != nil && !errors.Is(err, ErrNoManifest) {
		return nil, err
	}

	if envPath := filepath.Join(filepath.Dir(absPath), ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse([]byte(interpolateEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	if cfg.State.Path != "" && !filepath.IsAbs(cfg.State.Path) && cfg.State.Path != ":memory:" {
		cfg.State.Path = filepath.Join(filepath.Dir(absPath), cfg.State.Path)
	}
	return cfg, nil
}

// Parse decodes YAML config, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyConfigDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover resolves the config file to use.
// Priority order: explicit path, $CANVAS_BRIDGE_CONFIG, ~/.config/canvas-bridge/config.yaml, ./config.yaml.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "canvas-bridge", "config.yaml")
		if fileExists(p) {
			return p, nil
		}
	}
	if fileExists("config.yaml") {
		return "config.yaml", nil
	}
	return "", fmt.Errorf("%w (checked: $%s, ~/.config/canvas-bridge/config.yaml, ./config.yaml)", ErrNoConfig, EnvConfigPath)
}

// LoadOrDefault loads the discovered config, or returns defaults when none exists.
func LoadOrDefault(explicit string) (*Config, error) {
	path, err := Discover(explicit)
	if errors.Is(err, ErrNoConfig) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if cfg.State.JournalRetention == 0 {
		cfg.State.JournalRetention = d.State.JournalRetention
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
	if cfg.API.MaxBodyBytes == 0 {
		cfg.API.MaxBodyBytes = d.API.MaxBodyBytes
	}

	if cfg.Bridge.CallTimeout == 0 {
		cfg.Bridge.CallTimeout = d.Bridge.CallTimeout
	}
	if cfg.Bridge.SweepInterval == 0 {
		cfg.Bridge.SweepInterval = d.Bridge.SweepInterval
	}
	if cfg.Bridge.MaxPending == 0 {
		cfg.Bridge.MaxPending = d.Bridge.MaxPending
	}
	if cfg.Bridge.PollInterval == 0 {
		cfg.Bridge.PollInterval = d.Bridge.PollInterval
	}

	if cfg.Events.HeartbeatInterval == 0 {
		cfg.Events.HeartbeatInterval = d.Events.HeartbeatInterval
	}
	if cfg.Events.StatusInterval == 0 {
		cfg.Events.StatusInterval = d.Events.StatusInterval
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = d.Events.Buffer
	}

	if cfg.Executor.URL == "" {
		cfg.Executor.URL = d.Executor.URL
	}
	if cfg.Executor.PollInterval == 0 {
		cfg.Executor.PollInterval = d.Executor.PollInterval
	}
	if cfg.Executor.Concurrency == 0 {
		cfg.Executor.Concurrency = d.Executor.Concurrency
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place and caught by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "console" {
		return fmt.Errorf("service.log_format must be json or console (got %q)", cfg.Service.LogFormat)
	}

	if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
		return fmt.Errorf("api.listen %q is not host:port: %w", cfg.API.Listen, err)
	}
	if cfg.API.MaxBodyBytes < 0 {
		return fmt.Errorf("api.max_body_bytes must not be negative")
	}
	if err := validateAuth(cfg.API.Auth); err != nil {
		return err
	}

	if cfg.Bridge.CallTimeout < 0 {
		return fmt.Errorf("bridge.call_timeout must be positive")
	}
	if cfg.Bridge.SweepInterval < 0 {
		return fmt.Errorf("bridge.sweep_interval must be positive")
	}
	if cfg.Bridge.ExecutorTTL < 0 {
		return fmt.Errorf("bridge.executor_ttl must not be negative")
	}
	if cfg.Bridge.ExecutorTTL > 0 && cfg.Bridge.ExecutorTTL < cfg.Bridge.PollInterval {
		return fmt.Errorf("bridge.executor_ttl (%s) must be at least bridge.poll_interval (%s)",
			cfg.Bridge.ExecutorTTL, cfg.Bridge.PollInterval)
	}
	if cfg.Bridge.MaxPending < 0 {
		return fmt.Errorf("bridge.max_pending must not be negative")
	}
	seen := make(map[string]bool, len(cfg.Bridge.Operations))
	for i, op := range cfg.Bridge.Operations {
		if strings.TrimSpace(op) == "" {
			return fmt.Errorf("bridge.operations[%d] is empty", i)
		}
		if seen[op] {
			return fmt.Errorf("bridge.operations[%d]: duplicate operation %q", i, op)
		}
		seen[op] = true
	}

	if cfg.Events.HeartbeatInterval < 0 || cfg.Events.StatusInterval < 0 {
		return fmt.Errorf("events intervals must be positive")
	}
	if cfg.Events.NATS.URL != "" && envVarPattern.MatchString(cfg.Events.NATS.URL) {
		return fmt.Errorf("events.nats.url references an unset environment variable: %s", cfg.Events.NATS.URL)
	}

	if cfg.Executor.Concurrency < 0 {
		return fmt.Errorf("executor.concurrency must not be negative")
	}
	return nil
}

func validateAuth(cfg APIAuthConfig) error {
	if envVarPattern.MatchString(cfg.APIKey) {
		return fmt.Errorf("api.auth.api_key references an unset environment variable: %s", cfg.APIKey)
	}
	for i, tok := range cfg.Tokens {
		if strings.TrimSpace(tok.Token) == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
		}
		if envVarPattern.MatchString(tok.Token) {
			return fmt.Errorf("api.auth.tokens[%d].token references an unset environment variable", i)
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d] has no scopes", i)
		}
		for _, scope := range tok.Scopes {
			if !auth.KnownScope(strings.TrimSpace(scope)) {
				return fmt.Errorf("api.auth.tokens[%d] has unknown scope %q", i, scope)
			}
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
