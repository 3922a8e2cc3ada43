package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

// Environment variables read by Load.
const (
	EnvConfig        = "SESSIONSTREAM_CONFIG"
	EnvConfigContent = "SESSIONSTREAM_CONFIG_CONTENT"
	EnvConfigDir     = "SESSIONSTREAM_CONFIG_DIR"
	EnvEndpoint      = "SESSIONSTREAM_ENDPOINT"
	EnvAuthToken     = "SESSIONSTREAM_AUTH_TOKEN"
	EnvDirectory     = "SESSIONSTREAM_DIRECTORY"
	EnvMaxSessions   = "SESSIONSTREAM_MAX_SESSIONS"
	EnvLogLevel      = "SESSIONSTREAM_LOG_LEVEL"
)

// fileNames are the config file names looked up in every config directory.
var fileNames = []string{
	"sessionstream.json",
	"sessionstream.jsonc",
	"sessionstream.yaml",
	"sessionstream.yml",
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/sessionstream/)
// 2. Project config (directory and directory/.sessionstream/)
// 3. SESSIONSTREAM_CONFIG file
// 4. SESSIONSTREAM_CONFIG_CONTENT inline JSON
// 5. Environment variables
//
// Defaults are applied last and the result is validated.
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	for _, path := range Sources(directory) {
		if err := loadConfigFile(path, config, filepath.Dir(path)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if content := os.Getenv(EnvConfigContent); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvConfigContent, err)
		}
		mergeConfig(config, &inline)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Sources lists the config files Load reads, in merge order. Files that do
// not exist are skipped at load time.
func Sources(directory string) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(dir string) {
		for _, name := range fileNames {
			path := filepath.Join(dir, name)
			abs, err := filepath.Abs(path)
			if err != nil || seen[abs] {
				continue
			}
			seen[abs] = true
			paths = append(paths, abs)
		}
	}

	add(GetConfigDir())
	if directory != "" {
		add(directory)
		add(filepath.Join(directory, ".sessionstream"))
	}
	if path := os.Getenv(EnvConfig); path != "" {
		if abs, err := filepath.Abs(path); err == nil && !seen[abs] {
			paths = append(paths, abs)
		}
	}
	return paths
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileConfig types.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data = interpolate(data, baseDir)
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	default:
		// Strip JSONC comments using tidwall/jsonc
		data = interpolate(jsonc.ToJSON(data), baseDir)
		if err := json.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for a quoted string
		escaped := strings.TrimRight(string(content), "\r\n")
		escaped = strings.ReplaceAll(escaped, "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.TransportEndpoint != "" {
		target.TransportEndpoint = source.TransportEndpoint
	}
	if source.AuthToken != "" {
		target.AuthToken = source.AuthToken
	}
	if source.Directory != "" {
		target.Directory = source.Directory
	}
	if source.MaxConcurrentSessions != 0 {
		target.MaxConcurrentSessions = source.MaxConcurrentSessions
	}
	if source.MaxMessagesPerSession != 0 {
		target.MaxMessagesPerSession = source.MaxMessagesPerSession
	}
	if source.EvictInterval != "" {
		target.EvictInterval = source.EvictInterval
	}
	if source.LoadRetries != nil {
		retries := *source.LoadRetries
		target.LoadRetries = &retries
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.LogPretty {
		target.LogPretty = true
	}

	if source.Server != nil {
		if target.Server == nil {
			target.Server = &types.ServerConfig{}
		}
		if source.Server.Hostname != "" {
			target.Server.Hostname = source.Server.Hostname
		}
		if source.Server.Port != 0 {
			target.Server.Port = source.Server.Port
		}
		if source.Server.EnableCORS != nil {
			enabled := *source.Server.EnableCORS
			target.Server.EnableCORS = &enabled
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) error {
	if v := os.Getenv(EnvEndpoint); v != "" {
		config.TransportEndpoint = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		config.AuthToken = v
	}
	if v := os.Getenv(EnvDirectory); v != "" {
		config.Directory = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv(EnvMaxSessions); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxSessions, err)
		}
		config.MaxConcurrentSessions = n
	}
	return nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(config *types.Config) {
	if config.MaxConcurrentSessions <= 0 {
		config.MaxConcurrentSessions = types.DefaultMaxConcurrentSessions
	}
	if config.MaxMessagesPerSession <= 0 {
		config.MaxMessagesPerSession = types.DefaultMaxMessagesPerSession
	}
	if config.LoadRetries == nil {
		retries := types.DefaultLoadRetries
		config.LoadRetries = &retries
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.Server == nil {
		config.Server = &types.ServerConfig{}
	}
	if config.Server.Hostname == "" {
		config.Server.Hostname = types.DefaultServerHostname
	}
	if config.Server.Port == 0 {
		config.Server.Port = types.DefaultServerPort
	}
	if config.Server.EnableCORS == nil {
		enabled := true
		config.Server.EnableCORS = &enabled
	}
}

// Validate reports the first invalid setting.
func Validate(config *types.Config) error {
	if config.LoadRetries != nil && *config.LoadRetries < 0 {
		return fmt.Errorf("loadRetries must not be negative")
	}
	if config.Server != nil && (config.Server.Port < 0 || config.Server.Port > 65535) {
		return fmt.Errorf("server.port %d out of range", config.Server.Port)
	}
	if _, err := EvictInterval(config); err != nil {
		return err
	}
	return nil
}

// EvictInterval parses the periodic eviction interval. Zero disables it.
func EvictInterval(config *types.Config) (time.Duration, error) {
	if config.EvictInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(config.EvictInterval)
	if err != nil {
		return 0, fmt.Errorf("evictInterval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("evictInterval must not be negative")
	}
	return d, nil
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetConfigDir returns the global config directory.
// Prefers SESSIONSTREAM_CONFIG_DIR, then the XDG location.
func GetConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return GetPaths().Config
}
