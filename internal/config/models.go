package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/muurk/wsserver/internal/logging"
	"github.com/muurk/wsserver/internal/server"
)

// CurrentVersion is the settings file format version.
const CurrentVersion = 1

// Settings represents the entire configuration file.
type Settings struct {
	Version   int               `yaml:"version" mapstructure:"version"`
	Server    ServerSettings    `yaml:"server" mapstructure:"server"`
	Logging   LoggingSettings   `yaml:"logging" mapstructure:"logging"`
	Discovery DiscoverySettings `yaml:"discovery" mapstructure:"discovery"`
}

// ServerSettings configures the listener and connection handling.
type ServerSettings struct {
	Host       string   `yaml:"host" mapstructure:"host"`
	Port       int      `yaml:"port" mapstructure:"port"`
	Origins    []string `yaml:"origins,omitempty" mapstructure:"origins"`     // empty allows all
	Protocols  []string `yaml:"protocols,omitempty" mapstructure:"protocols"` // empty disables negotiation
	TCPNoDelay *bool    `yaml:"tcp_nodelay,omitempty" mapstructure:"tcp_nodelay"`

	ReadLimit        int64    `yaml:"read_limit" mapstructure:"read_limit"` // bytes, 0 = unlimited
	WriteTimeout     Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	PingInterval     Duration `yaml:"ping_interval" mapstructure:"ping_interval"` // 0 disables heartbeats
	SendQueueSize    int      `yaml:"send_queue_size" mapstructure:"send_queue_size"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CloseGracePeriod Duration `yaml:"close_grace_period" mapstructure:"close_grace_period"`
	ReclaimInterval  Duration `yaml:"reclaim_interval" mapstructure:"reclaim_interval"` // 0 = on registration only
	CaptureDir       string   `yaml:"capture_dir,omitempty" mapstructure:"capture_dir"`
}

// LoggingSettings configures the global logger.
type LoggingSettings struct {
	Level      string `yaml:"level" mapstructure:"level"`   // empty = silent
	Format     string `yaml:"format" mapstructure:"format"` // console or json
	File       string `yaml:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// DiscoverySettings configures mDNS advertising and browsing.
type DiscoverySettings struct {
	Advertise bool     `yaml:"advertise" mapstructure:"advertise"`
	Instance  string   `yaml:"instance,omitempty" mapstructure:"instance"` // defaults to the hostname
	Timeout   Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Duration is a time.Duration written as "10s" in YAML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NewSettings creates Settings with default values.
func NewSettings() *Settings {
	return &Settings{
		Version: CurrentVersion,
		Server: ServerSettings{
			Port:             8080,
			ReadLimit:        16 << 20,
			WriteTimeout:     Duration(10 * time.Second),
			PingInterval:     Duration(54 * time.Second),
			SendQueueSize:    256,
			ShutdownTimeout:  Duration(10 * time.Second),
			CloseGracePeriod: Duration(time.Second),
			ReclaimInterval:  Duration(30 * time.Second),
		},
		Logging: LoggingSettings{
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Discovery: DiscoverySettings{
			Timeout: Duration(5 * time.Second),
		},
	}
}

// Validate checks the settings for values the server cannot run with.
func (s *Settings) Validate() error {
	if s.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %d (expected %d)", s.Version, CurrentVersion)
	}

	if s.Server.Port < 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", s.Server.Port)
	}
	if s.Server.ReadLimit < 0 {
		return fmt.Errorf("server.read_limit must not be negative")
	}
	if s.Server.SendQueueSize <= 0 {
		return fmt.Errorf("server.send_queue_size must be positive, got %d", s.Server.SendQueueSize)
	}
	for name, d := range map[string]Duration{
		"server.write_timeout":      s.Server.WriteTimeout,
		"server.ping_interval":      s.Server.PingInterval,
		"server.shutdown_timeout":   s.Server.ShutdownTimeout,
		"server.close_grace_period": s.Server.CloseGracePeriod,
		"server.reclaim_interval":   s.Server.ReclaimInterval,
		"discovery.timeout":         s.Discovery.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if s.Server.WriteTimeout == 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}

	switch strings.ToLower(s.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", s.Logging.Level)
	}
	switch strings.ToLower(s.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", s.Logging.Format)
	}

	return nil
}

// StartOptions returns the per-run server options.
func (s *Settings) StartOptions() server.Options {
	return server.Options{
		Port:       s.Server.Port,
		Origins:    s.Server.Origins,
		Protocols:  s.Server.Protocols,
		TCPNoDelay: s.Server.TCPNoDelay,
	}
}

// ServerOptions returns the options for server.New.
func (s *Settings) ServerOptions() []server.Option {
	return []server.Option{
		server.WithHost(s.Server.Host),
		server.WithReadLimit(s.Server.ReadLimit),
		server.WithWriteTimeout(s.Server.WriteTimeout.Std()),
		server.WithPingInterval(s.Server.PingInterval.Std()),
		server.WithSendQueueSize(s.Server.SendQueueSize),
		server.WithShutdownTimeout(s.Server.ShutdownTimeout.Std()),
		server.WithCloseGracePeriod(s.Server.CloseGracePeriod.Std()),
		server.WithReclaimInterval(s.Server.ReclaimInterval.Std()),
		server.WithCaptureDir(s.Server.CaptureDir),
	}
}

// LoggingOptions returns the options for logging.InitializeWithOptions.
func (s *Settings) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      s.Logging.Level,
		Format:     s.Logging.Format,
		File:       s.Logging.File,
		MaxSizeMB:  s.Logging.MaxSizeMB,
		MaxBackups: s.Logging.MaxBackups,
		MaxAgeDays: s.Logging.MaxAgeDays,
		Compress:   s.Logging.Compress,
	}
}
