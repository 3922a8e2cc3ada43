package types

// Config represents the sessionstream configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Agent server connection
	TransportEndpoint string `json:"transportEndpoint,omitempty" yaml:"transportEndpoint,omitempty"`
	AuthToken         string `json:"authToken,omitempty" yaml:"authToken,omitempty"`
	Directory         string `json:"directory,omitempty" yaml:"directory,omitempty"`

	// Session limits
	MaxConcurrentSessions int `json:"maxConcurrentSessions,omitempty" yaml:"maxConcurrentSessions,omitempty"`
	MaxMessagesPerSession int `json:"maxMessagesPerSession,omitempty" yaml:"maxMessagesPerSession,omitempty"` // advisory only

	// Periodic eviction, e.g. "1m". Empty disables it.
	EvictInterval string `json:"evictInterval,omitempty" yaml:"evictInterval,omitempty"`

	// Retries for snapshot loads on transport errors
	LoadRetries *int `json:"loadRetries,omitempty" yaml:"loadRetries,omitempty"`

	// Logging
	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogPretty bool   `json:"logPretty,omitempty" yaml:"logPretty,omitempty"`

	// Local HTTP surface
	Server *ServerConfig `json:"server,omitempty" yaml:"server,omitempty"`
}

// ServerConfig configures the local HTTP surface.
type ServerConfig struct {
	Hostname   string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	EnableCORS *bool  `json:"enableCORS,omitempty" yaml:"enableCORS,omitempty"`
}

// Defaults applied when a field is unset.
const (
	DefaultMaxConcurrentSessions = 10
	DefaultMaxMessagesPerSession = 1000
	DefaultLoadRetries           = 2
	DefaultServerPort            = 4097
	DefaultServerHostname        = "127.0.0.1"
)
