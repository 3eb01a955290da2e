package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flag is the single source of truth for a CLI flag.
// Commands reference flags by registry key rather than hard-coding names,
// shorthands, defaults, and descriptions inline.
type Flag struct {
	// Name is the long flag name (e.g. "upstream").
	Name string

	// Shorthand is the one-letter short flag (e.g. "u"). Empty for no shorthand.
	Shorthand string

	// ViperKey is the dotted config key this flag maps to (e.g. "proxy.upstream").
	ViperKey string

	// Description is the help text shown in --help output.
	Description string
}

// FlagSet is a mapping of flag names to Flag structs that hold their name,
// shorthand, viper key, etc.
type FlagSet map[string]Flag

// Flag registry keys.
const (
	FlagListen         = "listen"
	FlagUpstream       = "upstream"
	FlagRequestTimeout = "request-timeout"
	FlagStorageDriver  = "storage"
	FlagChatsDir       = "chats-dir"
	FlagSQLite         = "sqlite"
	FlagPostgresDSN    = "postgres-dsn"
	FlagEvents         = "events"
	FlagKafkaBrokers   = "kafka-brokers"
	FlagKafkaTopic     = "kafka-topic"
	FlagLogJSON        = "log-json"
	FlagLogPretty      = "log-pretty"
	FlagLogFile        = "log-file"
)

// ServeFlags is the registry used by the serve command and by commands that
// open the record store directly.
var ServeFlags = FlagSet{
	FlagListen:         {Name: "listen", Shorthand: "l", ViperKey: "proxy.listen", Description: "Address for the HTTP server to listen on"},
	FlagUpstream:       {Name: "upstream", Shorthand: "u", ViperKey: "proxy.upstream", Description: "Base URL of the OpenAI-compatible inference server"},
	FlagRequestTimeout: {Name: "request-timeout", ViperKey: "proxy.request_timeout", Description: "Upper bound on one upstream exchange, stream included"},
	FlagStorageDriver:  {Name: "storage", ViperKey: "storage.driver", Description: "Record store (file, memory, sqlite, postgres)"},
	FlagChatsDir:       {Name: "chats-dir", ViperKey: "storage.chats_dir", Description: "Directory holding one JSON file per chat"},
	FlagSQLite:         {Name: "sqlite", Shorthand: "s", ViperKey: "storage.sqlite_path", Description: "Path to the SQLite database"},
	FlagPostgresDSN:    {Name: "postgres-dsn", ViperKey: "storage.postgres_dsn", Description: "PostgreSQL connection string"},
	FlagEvents:         {Name: "events", ViperKey: "events.provider", Description: "Turn event publisher (none, kafka)"},
	FlagKafkaBrokers:   {Name: "kafka-brokers", ViperKey: "events.kafka_brokers", Description: "Comma-separated Kafka brokers"},
	FlagKafkaTopic:     {Name: "kafka-topic", ViperKey: "events.kafka_topic", Description: "Kafka topic for turn events"},
	FlagLogJSON:        {Name: "log-json", ViperKey: "log.json", Description: "Write logs as JSON"},
	FlagLogPretty:      {Name: "log-pretty", ViperKey: "log.pretty", Description: "Write colorized human-readable logs"},
	FlagLogFile:        {Name: "log-file", ViperKey: "log.file", Description: "Also write JSON logs to this file"},
}

// AddStringFlag registers a string flag on cmd from the given FlagSet.
// The flag's name, shorthand, default, and description all come from the
// FlagSet entry so they cannot drift across commands.
func AddStringFlag(cmd *cobra.Command, fs FlagSet, key string, target *string) {
	def, ok := fs[key]
	if !ok {
		return
	}

	defaultVal := defaultString(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().StringVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().StringVar(target, def.Name, defaultVal, def.Description)
	}
}

// AddBoolFlag registers a bool flag on cmd from the given FlagSet.
func AddBoolFlag(cmd *cobra.Command, fs FlagSet, key string, target *bool) {
	def, ok := fs[key]
	if !ok {
		return
	}

	defaultVal := defaultBool(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().BoolVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().BoolVar(target, def.Name, defaultVal, def.Description)
	}
}

// BindRegisteredFlags binds already-registered flags to viper using definitions
// from the given FlagSet. Call this in PreRunE after InitViper to connect flags
// to the viper precedence chain (flag > env > config file > default).
func BindRegisteredFlags(v *viper.Viper, cmd *cobra.Command, fs FlagSet, registryKeys []string) {
	for _, registryKey := range registryKeys {
		def, ok := fs[registryKey]
		if !ok {
			continue
		}

		f := cmd.Flags().Lookup(def.Name)
		if f == nil {
			continue
		}

		_ = v.BindPFlag(def.ViperKey, f)
	}
}

func defaultsViper() *viper.Viper {
	v := viper.New()
	setViperDefaults(v)
	return v
}

// defaultString returns the default string value for a viper key from NewDefaultConfig.
func defaultString(viperKey string) string {
	return defaultsViper().GetString(viperKey)
}

// defaultBool returns the default bool value for a viper key from NewDefaultConfig.
func defaultBool(viperKey string) bool {
	return defaultsViper().GetBool(viperKey)
}
