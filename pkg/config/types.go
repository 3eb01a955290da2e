package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config represents the persistent chatproxy configuration stored as
// config.toml in the .chatproxy/ directory. The TOML layout uses sections for
// logical grouping.
type Config struct {
	Version int           `toml:"version"`
	Proxy   ProxyConfig   `toml:"proxy"`
	Storage StorageConfig `toml:"storage"`
	Events  EventsConfig  `toml:"events"`
	Log     LogConfig     `toml:"log"`
}

// ProxyConfig holds the HTTP listener and upstream settings.
type ProxyConfig struct {
	Listen         string `toml:"listen,omitempty"`
	Upstream       string `toml:"upstream,omitempty"`
	RequestTimeout string `toml:"request_timeout,omitempty"`
}

// StorageConfig selects and configures the record store.
type StorageConfig struct {
	Driver      string `toml:"driver,omitempty"`
	ChatsDir    string `toml:"chats_dir,omitempty"`
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// EventsConfig configures persisted-turn event publishing.
type EventsConfig struct {
	Provider     string `toml:"provider,omitempty"`
	KafkaBrokers string `toml:"kafka_brokers,omitempty"`
	KafkaTopic   string `toml:"kafka_topic,omitempty"`
}

// LogConfig controls log output.
type LogConfig struct {
	JSON   bool   `toml:"json,omitempty"`
	Pretty bool   `toml:"pretty,omitempty"`
	File   string `toml:"file,omitempty"`
}

// Storage drivers.
const (
	StorageFile     = "file"
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Event providers.
const (
	EventsNone  = "none"
	EventsKafka = "kafka"
)

// StorageDrivers lists the accepted storage.driver values.
var StorageDrivers = []string{StorageFile, StorageMemory, StorageSQLite, StoragePostgres}

// EventProviders lists the accepted events.provider values.
var EventProviders = []string{EventsNone, EventsKafka}

// KafkaBrokerList splits the comma-separated broker setting.
func (c EventsConfig) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func oneOf(key string, allowed []string, v string) error {
	if !slices.Contains(allowed, v) {
		return fmt.Errorf("invalid value for %s: %q (expected one of %s)", key, v, strings.Join(allowed, ", "))
	}
	return nil
}

func boolKey(key string, field func(c *Config) *bool) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			*field(c) = b
			return nil
		},
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"proxy.listen": {
		get: func(c *Config) string { return c.Proxy.Listen },
		set: func(c *Config, v string) error { c.Proxy.Listen = v; return nil },
	},
	"proxy.upstream": {
		get: func(c *Config) string { return c.Proxy.Upstream },
		set: func(c *Config, v string) error { c.Proxy.Upstream = v; return nil },
	},
	"proxy.request_timeout": {
		get: func(c *Config) string { return c.Proxy.RequestTimeout },
		set: func(c *Config, v string) error {
			if _, err := time.ParseDuration(v); err != nil {
				return fmt.Errorf("invalid value for proxy.request_timeout: %w", err)
			}
			c.Proxy.RequestTimeout = v
			return nil
		},
	},
	"storage.driver": {
		get: func(c *Config) string { return c.Storage.Driver },
		set: func(c *Config, v string) error {
			if err := oneOf("storage.driver", StorageDrivers, v); err != nil {
				return err
			}
			c.Storage.Driver = v
			return nil
		},
	},
	"storage.chats_dir": {
		get: func(c *Config) string { return c.Storage.ChatsDir },
		set: func(c *Config, v string) error { c.Storage.ChatsDir = v; return nil },
	},
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"storage.postgres_dsn": {
		get: func(c *Config) string { return c.Storage.PostgresDSN },
		set: func(c *Config, v string) error { c.Storage.PostgresDSN = v; return nil },
	},
	"events.provider": {
		get: func(c *Config) string { return c.Events.Provider },
		set: func(c *Config, v string) error {
			if err := oneOf("events.provider", EventProviders, v); err != nil {
				return err
			}
			c.Events.Provider = v
			return nil
		},
	},
	"events.kafka_brokers": {
		get: func(c *Config) string { return c.Events.KafkaBrokers },
		set: func(c *Config, v string) error { c.Events.KafkaBrokers = v; return nil },
	},
	"events.kafka_topic": {
		get: func(c *Config) string { return c.Events.KafkaTopic },
		set: func(c *Config, v string) error { c.Events.KafkaTopic = v; return nil },
	},
	"log.json":   boolKey("log.json", func(c *Config) *bool { return &c.Log.JSON }),
	"log.pretty": boolKey("log.pretty", func(c *Config) *bool { return &c.Log.Pretty }),
	"log.file": {
		get: func(c *Config) string { return c.Log.File },
		set: func(c *Config, v string) error { c.Log.File = v; return nil },
	},
}
