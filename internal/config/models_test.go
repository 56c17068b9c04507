package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSettings(t *testing.T) {
	s := NewSettings()

	if s.Version != CurrentVersion {
		t.Errorf("NewSettings().Version = %v, want %v", s.Version, CurrentVersion)
	}
	if s.Server.Port != 8080 {
		t.Errorf("NewSettings().Server.Port = %v, want 8080", s.Server.Port)
	}
	if s.Logging.Level != "" {
		t.Errorf("NewSettings().Logging.Level = %q, want silent", s.Logging.Level)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("NewSettings().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(*Settings) {}, false},
		{"ephemeral port", func(s *Settings) { s.Server.Port = 0 }, false},
		{"max port", func(s *Settings) { s.Server.Port = 65535 }, false},
		{"port too large", func(s *Settings) { s.Server.Port = 65536 }, true},
		{"negative port", func(s *Settings) { s.Server.Port = -1 }, true},
		{"wrong version", func(s *Settings) { s.Version = 2 }, true},
		{"zero queue", func(s *Settings) { s.Server.SendQueueSize = 0 }, true},
		{"negative read limit", func(s *Settings) { s.Server.ReadLimit = -1 }, true},
		{"negative ping", func(s *Settings) { s.Server.PingInterval = Duration(-time.Second) }, true},
		{"heartbeat disabled", func(s *Settings) { s.Server.PingInterval = 0 }, false},
		{"zero write timeout", func(s *Settings) { s.Server.WriteTimeout = 0 }, true},
		{"bad level", func(s *Settings) { s.Logging.Level = "verbose" }, true},
		{"warning level", func(s *Settings) { s.Logging.Level = "WARNING" }, false},
		{"bad format", func(s *Settings) { s.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSettings()
			tt.mutate(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationText(t *testing.T) {
	d := Duration(90 * time.Second)
	text, err := d.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	var parsed Duration
	assert.NoError(t, parsed.UnmarshalText([]byte("250ms")))
	assert.Equal(t, 250*time.Millisecond, parsed.Std())
	assert.Error(t, parsed.UnmarshalText([]byte("soon")))
}

func TestStartOptions(t *testing.T) {
	s := NewSettings()
	s.Server.Port = 9000
	s.Server.Origins = []string{"https://a"}
	s.Server.Protocols = []string{"p"}
	noDelay := true
	s.Server.TCPNoDelay = &noDelay

	opts := s.StartOptions()
	assert.Equal(t, 9000, opts.Port)
	assert.Equal(t, []string{"https://a"}, opts.Origins)
	assert.Equal(t, []string{"p"}, opts.Protocols)
	assert.Same(t, &noDelay, opts.TCPNoDelay)

	assert.Len(t, s.ServerOptions(), 9)
}

func TestLoggingOptions(t *testing.T) {
	s := NewSettings()
	s.Logging.Level = "info"
	s.Logging.File = "/tmp/ws.log"

	opts := s.LoggingOptions()
	assert.Equal(t, "info", opts.Level)
	assert.Equal(t, "/tmp/ws.log", opts.File)
	assert.Equal(t, 100, opts.MaxSizeMB)
}
