package config

/*
Package config loads and validates the proxy configuration from viper. The
config file describes this proxy's identity and role, the bus connection, the
agent groups whose topics it uses, and the full agent directory.
*/

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/theapemachine/a2a-relay/pkg/bus"
	"github.com/theapemachine/a2a-relay/pkg/directory"
	"github.com/theapemachine/a2a-relay/pkg/errors"
)

// Proxy roles. The coordinator creates bus topology at start-up; followers
// only verify it exists.
const (
	RoleCoordinator = "coordinator"
	RoleFollower    = "follower"
)

type Proxy struct {
	ID      string `mapstructure:"id"`
	Role    string `mapstructure:"role"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`
}

// Addr returns the listen address for the HTTP server.
func (p Proxy) Addr() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

type Bus struct {
	Namespace         string        `mapstructure:"namespace"`
	ConnectionString  string        `mapstructure:"connectionString"`
	MaxDeliveryCount  int32         `mapstructure:"maxDeliveryCount"`
	MaxRetryCount     int           `mapstructure:"maxRetryCount"`
	InitialRetryDelay time.Duration `mapstructure:"initialRetryDelay"`
	MaxRetryDelay     time.Duration `mapstructure:"maxRetryDelay"`
}

type Group struct {
	Name                     string        `mapstructure:"name"`
	MaxSizeMB                int32         `mapstructure:"maxSizeMb"`
	MessageTTL               time.Duration `mapstructure:"messageTtl"`
	DuplicateDetectionWindow time.Duration `mapstructure:"duplicateDetectionWindow"`
	EnablePartitioning       bool          `mapstructure:"enablePartitioning"`
}

type Timeouts struct {
	Request    time.Duration `mapstructure:"request"`
	StreamIdle time.Duration `mapstructure:"streamIdle"`
}

type Limits struct {
	StreamBuffer    int           `mapstructure:"streamBuffer"`
	ReorderWindow   int           `mapstructure:"reorderWindow"`
	MaxConnsPerHost int           `mapstructure:"maxConnsPerHost"`
	IdleConnTimeout time.Duration `mapstructure:"idleConnTimeout"`
}

type Config struct {
	Proxy    Proxy               `mapstructure:"proxy"`
	Bus      Bus                 `mapstructure:"bus"`
	Groups   []Group             `mapstructure:"groups"`
	Agents   []directory.Entry   `mapstructure:"agents"`
	Hosted   map[string][]string `mapstructure:"hostedAgents"`
	Timeouts Timeouts            `mapstructure:"timeouts"`
	Limits   Limits              `mapstructure:"limits"`
}

/*
Load unmarshals the proxy configuration from viper, applies defaults and
validates it.
*/
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	if err := v.UnmarshalKey("relay", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Proxy.Host == "" {
		cfg.Proxy.Host = "0.0.0.0"
	}
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = 3210
	}
	if cfg.Proxy.Role == "" {
		cfg.Proxy.Role = RoleFollower
	}
	if cfg.Proxy.BaseURL == "" {
		cfg.Proxy.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Proxy.Port)
	}
	if cfg.Timeouts.Request == 0 {
		cfg.Timeouts.Request = 30 * time.Second
	}
	if cfg.Timeouts.StreamIdle == 0 {
		cfg.Timeouts.StreamIdle = 2 * time.Minute
	}
	if cfg.Limits.StreamBuffer == 0 {
		cfg.Limits.StreamBuffer = 64
	}
	if cfg.Limits.ReorderWindow == 0 {
		cfg.Limits.ReorderWindow = 64
	}
	if cfg.Limits.MaxConnsPerHost == 0 {
		cfg.Limits.MaxConnsPerHost = 32
	}
	if cfg.Limits.IdleConnTimeout == 0 {
		cfg.Limits.IdleConnTimeout = 90 * time.Second
	}
	if cfg.Bus.MaxDeliveryCount == 0 {
		cfg.Bus.MaxDeliveryCount = 10
	}
	if cfg.Bus.MaxRetryCount == 0 {
		cfg.Bus.MaxRetryCount = 3
	}
	if cfg.Bus.InitialRetryDelay == 0 {
		cfg.Bus.InitialRetryDelay = time.Second
	}
	if cfg.Bus.MaxRetryDelay == 0 {
		cfg.Bus.MaxRetryDelay = time.Minute
	}
}

/*
Validate rejects configurations the proxy could not run under: a missing
identity, an unknown role, or hosted agents that contradict the directory.
*/
func (cfg *Config) Validate() error {
	if cfg.Proxy.ID == "" {
		return fmt.Errorf("proxy id is required")
	}
	if cfg.Proxy.Role != RoleCoordinator && cfg.Proxy.Role != RoleFollower {
		return fmt.Errorf("unknown proxy role %q", cfg.Proxy.Role)
	}
	if len(cfg.Groups) == 0 {
		return fmt.Errorf("at least one agent group is required")
	}

	groups := map[string]struct{}{}
	for _, group := range cfg.Groups {
		if group.Name == "" {
			return fmt.Errorf("agent group without name")
		}
		if _, dup := groups[group.Name]; dup {
			return fmt.Errorf("duplicate agent group %s", group.Name)
		}
		groups[group.Name] = struct{}{}
	}

	for _, agent := range cfg.Agents {
		if _, ok := groups[agent.Group]; !ok {
			return fmt.Errorf("agent %s references unknown group %s", agent.ID, agent.Group)
		}
	}

	return nil
}

// Directory builds the agent directory for this proxy.
func (cfg *Config) Directory() (*directory.Directory, error) {
	return directory.New(cfg.Proxy.ID, cfg.Agents, cfg.Hosted)
}

// GroupSpecs converts the configured groups into bus topology specs.
func (cfg *Config) GroupSpecs() []bus.GroupSpec {
	specs := make([]bus.GroupSpec, 0, len(cfg.Groups))
	for _, group := range cfg.Groups {
		specs = append(specs, bus.GroupSpec{
			Name:                     group.Name,
			MaxSizeMB:                group.MaxSizeMB,
			MessageTTL:               group.MessageTTL,
			DuplicateDetectionWindow: group.DuplicateDetectionWindow,
			EnablePartitioning:       group.EnablePartitioning,
		}.WithDefaults())
	}
	return specs
}

// AzureConfig translates the bus section into the Service Bus adapter's
// connection settings.
func (cfg *Config) AzureConfig() bus.AzureConfig {
	return bus.AzureConfig{
		Namespace:        cfg.Bus.Namespace,
		ConnectionString: cfg.Bus.ConnectionString,
		MaxDeliveryCount: cfg.Bus.MaxDeliveryCount,
		Retry: &errors.RetryConfig{
			MaxAttempts:   cfg.Bus.MaxRetryCount,
			InitialDelay:  cfg.Bus.InitialRetryDelay,
			MaxDelay:      cfg.Bus.MaxRetryDelay,
			BackoffFactor: 2.0,
			Jitter:        0.2,
		},
	}
}
