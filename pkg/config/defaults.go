package config

const (
	defaultListen         = "localhost:8080"
	defaultUpstream       = "http://localhost:1234"
	defaultRequestTimeout = "5m"

	defaultChatsDir = "./chats"

	defaultKafkaTopic = "chatproxy.turns"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Proxy: ProxyConfig{
			Listen:         defaultListen,
			Upstream:       defaultUpstream,
			RequestTimeout: defaultRequestTimeout,
		},
		Storage: StorageConfig{
			Driver:   StorageFile,
			ChatsDir: defaultChatsDir,
		},
		Events: EventsConfig{
			Provider:   EventsNone,
			KafkaTopic: defaultKafkaTopic,
		},
	}
}
