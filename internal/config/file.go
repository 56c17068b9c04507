package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	appName    = "wsserver"
	configFile = "config.yaml"

	// EnvPrefix prefixes environment overrides, e.g. WSSERVER_SERVER_PORT.
	EnvPrefix = "WSSERVER"
)

// Mutex for thread-safe file operations
var fileMutex sync.Mutex

// FlagKeys maps command-line flag names to settings keys. Load binds every
// flag in this map that exists on the given flag set.
var FlagKeys = map[string]string{
	"host":          "server.host",
	"port":          "server.port",
	"origin":        "server.origins",
	"protocol":      "server.protocols",
	"tcp-nodelay":   "server.tcp_nodelay",
	"read-limit":    "server.read_limit",
	"ping-interval": "server.ping_interval",
	"capture-dir":   "server.capture_dir",
	"log-level":     "logging.level",
	"log-format":    "logging.format",
	"log-file":      "logging.file",
	"advertise":     "discovery.advertise",
	"instance":      "discovery.instance",
	"timeout":       "discovery.timeout",
}

// GetConfigDir returns the OS-appropriate configuration directory for the application.
// This follows platform conventions:
//   - Linux: $XDG_CONFIG_HOME/wsserver or $HOME/.config/wsserver
//   - macOS: $HOME/.config/wsserver (following XDG convention on macOS)
//   - Windows: %LOCALAPPDATA%\wsserver
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			// Fallback to USERPROFILE\AppData\Local if LOCALAPPDATA not set
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
			}
			baseDir = filepath.Join(userProfile, "AppData", "Local", appName)
		} else {
			baseDir = filepath.Join(localAppData, appName)
		}

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".config", appName)

	default:
		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome != "" {
			baseDir = filepath.Join(xdgConfigHome, appName)
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			baseDir = filepath.Join(homeDir, ".config", appName)
		}
	}

	return baseDir, nil
}

// GetConfigPath returns the full path to the configuration file.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFile), nil
}

// ensureConfigDir ensures the directory holding path exists, creating it
// with user-only permissions (0700).
func ensureConfigDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// Load builds Settings from, in increasing priority: defaults, the YAML
// file, WSSERVER_* environment variables and changed flags.
//
// An empty path loads the default config file when it exists. An explicit
// path must exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	setDefaults(v, NewSettings())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range settingKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if path == "" {
		defaultPath, err := GetConfigPath()
		if err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				path = defaultPath
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var s Settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&s, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &s, nil
}

// Save writes s to path as YAML. An empty path writes the default config
// file. Performs an atomic write to prevent corruption on crash.
func Save(path string, s *Settings) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if path == "" {
		defaultPath, err := GetConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
		path = defaultPath
	}

	if err := ensureConfigDir(path); err != nil {
		return fmt.Errorf("failed to ensure config directory exists: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# wsserver configuration file
#
# Every key can be overridden with an environment variable named after its
# path, e.g. WSSERVER_SERVER_PORT=9000 or WSSERVER_LOGGING_LEVEL=debug.
#
# Location: ` + path + `

`)
	data = append(header, data...)

	// Write to temporary file first (atomic write)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Clean up temp file on error
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}

// Marshal renders s as YAML without writing it.
func Marshal(s *Settings) ([]byte, error) {
	return yaml.Marshal(s)
}

var settingKeys = []string{
	"version",
	"server.host",
	"server.port",
	"server.origins",
	"server.protocols",
	"server.tcp_nodelay",
	"server.read_limit",
	"server.write_timeout",
	"server.ping_interval",
	"server.send_queue_size",
	"server.shutdown_timeout",
	"server.close_grace_period",
	"server.reclaim_interval",
	"server.capture_dir",
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.max_size_mb",
	"logging.max_backups",
	"logging.max_age_days",
	"logging.compress",
	"discovery.advertise",
	"discovery.instance",
	"discovery.timeout",
}

func setDefaults(v *viper.Viper, d *Settings) {
	v.SetDefault("version", d.Version)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_limit", d.Server.ReadLimit)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.ping_interval", d.Server.PingInterval)
	v.SetDefault("server.send_queue_size", d.Server.SendQueueSize)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.close_grace_period", d.Server.CloseGracePeriod)
	v.SetDefault("server.reclaim_interval", d.Server.ReclaimInterval)

	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	v.SetDefault("discovery.timeout", d.Discovery.Timeout)
}
