// Package config provides configuration loading, merging, hot reload and
// path management for sessionstream.
//
// # Configuration Loading
//
// Load searches for configuration in several places and merges what it
// finds, later sources overriding earlier ones:
//
//  1. Global config (SESSIONSTREAM_CONFIG_DIR, or ~/.config/sessionstream/)
//  2. Project config (sessionstream.* in the directory and in its
//     .sessionstream/ subdirectory)
//  3. SESSIONSTREAM_CONFIG file
//  4. SESSIONSTREAM_CONFIG_CONTENT inline JSON
//  5. Environment variables
//
// Defaults are applied to whatever is still unset, then the result is
// validated.
//
// # Supported Formats
//
//   - sessionstream.json - Standard JSON configuration
//   - sessionstream.jsonc - JSON with comments, processed using tidwall/jsonc
//   - sessionstream.yaml, sessionstream.yml - YAML, decoded with yaml.v3
//
// # Variable Interpolation
//
// Configuration files support two placeholders:
//   - {env:VAR_NAME} - Expands to environment variable values
//   - {file:path} - Expands to file contents, relative to the config file
//
// Example:
//
//	{
//	  "transportEndpoint": "http://127.0.0.1:4096",
//	  "authToken": "{env:AGENT_TOKEN}",
//	  "maxConcurrentSessions": 20,
//	  "evictInterval": "1m"
//	}
//
// # Environment Variable Overrides
//
//   - SESSIONSTREAM_ENDPOINT - Agent server base URL
//   - SESSIONSTREAM_AUTH_TOKEN - Bearer token for the agent server
//   - SESSIONSTREAM_DIRECTORY - Project directory sent with requests
//   - SESSIONSTREAM_MAX_SESSIONS - Eviction target
//   - SESSIONSTREAM_LOG_LEVEL - Log level
//
// # Hot Reload
//
// Watcher observes the directories holding the config sources with
// fsnotify and reloads the whole configuration after a change settles.
// Only the settings that can change at runtime (log level and the
// eviction target) are applied by the serve command.
//
// # Path Management
//
// Paths follows the XDG Base Directory Specification:
//   - Data: ~/.local/share/sessionstream (XDG_DATA_HOME)
//   - Config: ~/.config/sessionstream (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/sessionstream (XDG_CACHE_HOME)
//   - State: ~/.local/state/sessionstream (XDG_STATE_HOME)
package config
