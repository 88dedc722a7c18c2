// Package config provides configuration loading for the Blueprint Manager.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the manager process.
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	CacheDir    string `mapstructure:"cache_dir"`
	RuntimeDir  string `mapstructure:"runtime_dir"`
	KeystoreURI string `mapstructure:"keystore_uri"`

	Verbose uint8 `mapstructure:"verbose"`
	Pretty  bool  `mapstructure:"pretty"`

	BridgeTimeoutSecs  int `mapstructure:"bridge_timeout_secs"`
	ReaperIntervalSecs int `mapstructure:"reaper_interval_secs"`

	DefaultRestartPolicy RestartPolicyConfig `mapstructure:"default_restart_policy"`

	Protocols []ProtocolConfig `mapstructure:"protocols"`

	HTTP HTTPConfig `mapstructure:"http"`
}

// RestartPolicyConfig is the TOML-level representation of a restart policy;
// internal/blueprint.RestartPolicy is parsed from this.
type RestartPolicyConfig struct {
	Kind      string `mapstructure:"kind"` // never | on_failure | always
	Max       int    `mapstructure:"max"`
	BackoffMs int    `mapstructure:"backoff_ms"`
}

// ProtocolConfig describes one on-chain protocol client to start.
type ProtocolConfig struct {
	Kind      string            `mapstructure:"kind"` // tangle-substrate | tangle-evm
	HTTPRPC   string            `mapstructure:"http_rpc"`
	WSRPC     string            `mapstructure:"ws_rpc"`
	Contracts map[string]string `mapstructure:"contracts"`
}

// HTTPConfig controls the operator-facing status/metrics surface.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// BridgeTimeout returns the configured bridge first-ping timeout.
func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.BridgeTimeoutSecs) * time.Second
}

// ReaperInterval returns the configured tracker sweep period.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSecs) * time.Second
}

// Load reads configuration from a TOML file and environment variables.
// configPath, when non-empty, is used verbatim; otherwise "./config.toml" and
// "/etc/blueprint-manager/config.toml" are tried.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/blueprint-manager")
	}

	v.SetEnvPrefix("BLUEPRINT_MANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// A missing config file is fine; defaults and env vars carry us.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	for _, p := range c.Protocols {
		switch p.Kind {
		case "tangle-substrate", "tangle-evm":
		default:
			return fmt.Errorf("config: unknown protocol kind %q", p.Kind)
		}
	}
	switch c.DefaultRestartPolicy.Kind {
	case "", "never", "on_failure", "always":
	default:
		return fmt.Errorf("config: unknown restart policy kind %q", c.DefaultRestartPolicy.Kind)
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/blueprint-manager")
	v.SetDefault("cache_dir", "/var/cache/blueprint-manager")
	v.SetDefault("runtime_dir", "/run/blueprint-manager")

	v.SetDefault("verbose", 0)
	v.SetDefault("pretty", false)

	v.SetDefault("bridge_timeout_secs", 30)
	v.SetDefault("reaper_interval_secs", 30)

	v.SetDefault("default_restart_policy.kind", "on_failure")
	v.SetDefault("default_restart_policy.max", 3)
	v.SetDefault("default_restart_policy.backoff_ms", 500)

	v.SetDefault("http.addr", "127.0.0.1:9615")
}
