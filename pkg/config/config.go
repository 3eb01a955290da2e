// Package config loads, saves and resolves chatproxy configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/papercomputeco/chatproxy/pkg/dotdir"
)

const (
	configFile = "config.toml"

	// v0 is the alpha version of the config
	v0 = 0

	// CurrentV is the currently supported version, points to v0
	CurrentV = v0
)

// orderedKeys follows the TOML section layout.
var orderedKeys = []string{
	"proxy.listen",
	"proxy.upstream",
	"proxy.request_timeout",
	"storage.driver",
	"storage.chats_dir",
	"storage.sqlite_path",
	"storage.postgres_dsn",
	"events.provider",
	"events.kafka_brokers",
	"events.kafka_topic",
	"log.json",
	"log.pretty",
	"log.file",
}

type Configer struct {
	ddm        *dotdir.Manager
	targetPath string
}

func NewConfiger(override string) (*Configer, error) {
	cfger := &Configer{}

	cfger.ddm = dotdir.NewManager()
	target, err := cfger.ddm.Target(override)
	if err != nil {
		return nil, err
	}

	if target == "" {
		return cfger, nil
	}

	path := filepath.Join(target, configFile)
	_, err = os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Set even when the file is missing so SaveConfig can create it.
	cfger.targetPath = path

	return cfger, nil
}

// ValidConfigKeys returns every supported configuration key in section order.
func ValidConfigKeys() []string {
	out := make([]string, 0, len(orderedKeys))
	for _, k := range orderedKeys {
		if _, ok := configKeys[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// IsValidConfigKey returns true if the given key is a supported configuration key.
func IsValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

func (c *Configer) GetTarget() string {
	return c.targetPath
}

// LoadConfig loads config.toml from the target .chatproxy/ directory. A
// missing file yields NewDefaultConfig(); fields absent from the file keep
// their defaults.
func (c *Configer) LoadConfig() (*Config, error) {
	if c.targetPath == "" {
		return NewDefaultConfig(), nil
	}

	data, err := os.ReadFile(c.targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := ParseConfigTOML(data)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults fills zero-value fields in cfg with values from NewDefaultConfig().
func applyDefaults(cfg *Config) {
	defaults := NewDefaultConfig()

	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}

	if cfg.Proxy.Listen == "" {
		cfg.Proxy.Listen = defaults.Proxy.Listen
	}
	if cfg.Proxy.Upstream == "" {
		cfg.Proxy.Upstream = defaults.Proxy.Upstream
	}
	if cfg.Proxy.RequestTimeout == "" {
		cfg.Proxy.RequestTimeout = defaults.Proxy.RequestTimeout
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.ChatsDir == "" {
		cfg.Storage.ChatsDir = defaults.Storage.ChatsDir
	}

	if cfg.Events.Provider == "" {
		cfg.Events.Provider = defaults.Events.Provider
	}
	if cfg.Events.KafkaTopic == "" {
		cfg.Events.KafkaTopic = defaults.Events.KafkaTopic
	}
}

// SaveConfig persists the configuration to config.toml in the target .chatproxy/ directory.
func (c *Configer) SaveConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("cannot save nil config")
	}

	if c.targetPath == "" {
		return errors.New("cannot save empty target path")
	}

	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(c.targetPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// SetConfigValue loads the config, sets the given key to the given value, and saves it.
// Returns an error if the key is not a valid config key.
func (c *Configer) SetConfigValue(key string, value string) error {
	info, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return err
	}

	if err := info.set(cfg, value); err != nil {
		return err
	}

	return c.SaveConfig(cfg)
}

// GetConfigValue loads the config and returns the string representation of the given key.
// Returns an error if the key is not a valid config key.
func (c *Configer) GetConfigValue(key string) (string, error) {
	info, ok := configKeys[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %q", key)
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return "", err
	}

	return info.get(cfg), nil
}

// ParseConfigTOML parses raw TOML bytes into a Config.
// Returns an error if the version field is present and not equal to CurrentV.
func ParseConfigTOML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config TOML: %w", err)
	}

	if cfg.Version != 0 && cfg.Version != CurrentV {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentV)
	}

	return cfg, nil
}

// Validate checks the values serve depends on.
func (c *Config) Validate() error {
	if _, err := c.RequestTimeout(); err != nil {
		return err
	}
	if err := oneOf("storage.driver", StorageDrivers, c.Storage.Driver); err != nil {
		return err
	}
	if err := oneOf("events.provider", EventProviders, c.Events.Provider); err != nil {
		return err
	}

	if c.Storage.Driver == StoragePostgres && c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is required for the postgres driver")
	}

	if c.Events.Provider == EventsKafka && len(c.Events.KafkaBrokerList()) == 0 {
		return errors.New("events.kafka_brokers is required for the kafka provider")
	}
	return nil
}

// RequestTimeout parses proxy.request_timeout.
func (c *Config) RequestTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Proxy.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid proxy.request_timeout %q: %w", c.Proxy.RequestTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid proxy.request_timeout %q: must be positive", c.Proxy.RequestTimeout)
	}
	return d, nil
}
