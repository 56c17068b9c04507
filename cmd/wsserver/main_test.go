package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/muurk/wsserver/internal/config"
)

func TestServerFlagsAreBound(t *testing.T) {
	for _, name := range []string{"host", "port", "origin", "protocol", "tcp-nodelay", "read-limit", "ping-interval", "capture-dir", "advertise", "instance"} {
		if serveCmd.Flags().Lookup(name) == nil {
			t.Errorf("serve is missing --%s", name)
		}
		if _, ok := config.FlagKeys[name]; !ok {
			t.Errorf("--%s has no settings key", name)
		}
	}
	for _, name := range []string{"log-level", "log-format", "log-file"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("root is missing --%s", name)
		}
	}
	if discoverCmd.Flags().Lookup("timeout") == nil {
		t.Error("discover is missing --timeout")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "wsserver ") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsserver.yaml")

	if _, err := execute(t, "config", "init", "--config", path, "--port", "9100", "--origin", "https://a.example"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	if _, err := execute(t, "config", "init", "--config", path); err == nil {
		t.Error("second init without --force should fail")
	}

	out, err := execute(t, "config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, want := range []string{"port: 9100", "https://a.example"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "config", "path", "--config", path)
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if strings.TrimSpace(out) != path {
		t.Errorf("config path = %q, want %q", out, path)
	}
}

func TestListOr(t *testing.T) {
	if got := listOrAll(nil); got != "*" {
		t.Errorf("listOrAll(nil) = %q", got)
	}
	if got := listOr([]string{"a", "b"}, "-"); got != "a, b" {
		t.Errorf("listOr = %q", got)
	}
}
