package config

import "time"

// Config represents the complete canvas-bridge configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	API      APIConfig      `yaml:"api"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Events   EventsConfig   `yaml:"events"`
	Executor ExecutorConfig `yaml:"executor"`

	// SourcePath is the file the config was loaded from; empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | console
	LogFile   string `yaml:"log_file,omitempty"`
}

// StateConfig defines where the call journal lives.
type StateConfig struct {
	Path             string        `yaml:"path"`
	JournalRetention time.Duration `yaml:"journal_retention"`
}

// APIConfig defines HTTP server settings.
type APIConfig struct {
	Listen       string        `yaml:"listen"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	Auth         APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings. Auth is off when
// neither an api key nor tokens are set.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// BridgeConfig tunes the broker.
type BridgeConfig struct {
	CallTimeout   time.Duration `yaml:"call_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ExecutorTTL is how long an executor may go without polling before it
	// is considered gone. Zero keeps it connected until restart.
	ExecutorTTL  time.Duration `yaml:"executor_ttl"`
	MaxPending   int           `yaml:"max_pending"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Operations overrides the dispatchable operation catalog.
	Operations []string `yaml:"operations,omitempty"`
}

// EventsConfig configures the observer stream.
type EventsConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StatusInterval    time.Duration `yaml:"status_interval"`
	Buffer            int           `yaml:"buffer"`
	NATS              NATSConfig    `yaml:"nats,omitempty"`
}

// NATSConfig enables mirroring observer events to NATS.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ExecutorConfig configures the built-in executor client.
type ExecutorConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// Defaults returns a Config with working defaults for a local bridge.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "canvas-bridge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:             "./data/bridge.db",
			JournalRetention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Listen:       "127.0.0.1:3015",
			MaxBodyBytes: 10 << 20,
		},
		Bridge: BridgeConfig{
			CallTimeout:   60 * time.Second,
			SweepInterval: time.Second,
			ExecutorTTL:   0,
			MaxPending:    1000,
			PollInterval:  time.Second,
		},
		Events: EventsConfig{
			HeartbeatInterval: 30 * time.Second,
			StatusInterval:    5 * time.Second,
			Buffer:            128,
		},
		Executor: ExecutorConfig{
			URL:          "http://127.0.0.1:3015",
			PollInterval: time.Second,
			Concurrency:  4,
		},
	}
}

// Redacted returns a copy safe to print, with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.API.Auth.APIKey = mask(c.API.Auth.APIKey)
	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, tok := range c.API.Auth.Tokens {
		out.API.Auth.Tokens[i] = APIToken{Token: mask(tok.Token), Scopes: tok.Scopes}
	}
	out.Executor.Token = mask(c.Executor.Token)
	return &out
}
