package core

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadSettingsWritesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "manager")

	settings, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}

	if diff := cmp.Diff(DefaultSettings(dir), settings); diff != "" {
		t.Errorf("unexpected defaults (-want +got):\n%s", diff)
	}

	if _, err := os.Stat(filepath.Join(dir, SettingsFileName)); err != nil {
		t.Fatalf("expected default settings file: %v", err)
	}

	// The written file must decode to the same defaults
	reloaded, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("reloading default settings failed: %v", err)
	}
	if diff := cmp.Diff(settings, reloaded); diff != "" {
		t.Errorf("default file does not round trip (-want +got):\n%s", diff)
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	content := `ssh_binary = "/usr/local/bin/ssh"
registry_file = "tunnels.yml"
backup_retention = 3
use_pty = false
log_level = "debug"
log_history = 50
instance_dir = "/run/user/1000"

icons {
  user_dir  = "/opt/icons"
  local_dir = "share/icons"
}
`
	if err := os.WriteFile(filepath.Join(dir, SettingsFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	settings, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}

	want := &Settings{
		ConfigPath:      dir,
		SSHBinary:       "/usr/local/bin/ssh",
		RegistryFile:    filepath.Join(dir, "tunnels.yml"),
		BackupRetention: 3,
		UsePTY:          false,
		LogLevel:        "debug",
		LogHistory:      50,
		InstanceDir:     "/run/user/1000",
		Icons: IconSettings{
			UserDir:  "/opt/icons",
			LocalDir: "share/icons",
		},
	}
	if diff := cmp.Diff(want, settings); diff != "" {
		t.Errorf("unexpected settings (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsAbsoluteRegistryFile(t *testing.T) {
	dir := t.TempDir()
	registry := filepath.Join(t.TempDir(), "elsewhere.yml")
	content := `registry_file = "` + registry + `"`
	if err := os.WriteFile(filepath.Join(dir, SettingsFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	settings, err := LoadSettings(dir)
	if err != nil {
		t.Fatal(err)
	}
	if settings.RegistryFile != registry {
		t.Errorf("expected %s, got %s", registry, settings.RegistryFile)
	}
}

func TestLoadSettingsErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "syntax error", content: `ssh_binary = `, wantErr: "failed to parse HCL settings"},
		{name: "unknown attribute", content: `reconnect = true`, wantErr: "failed to parse HCL settings"},
		{name: "bad log level", content: `log_level = "loud"`, wantErr: "unknown log_level"},
		{name: "negative retention", content: `backup_retention = -1`, wantErr: "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, SettingsFileName), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			_, err := LoadSettings(dir)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		verbose  int
		want     slog.Level
	}{
		{name: "default", logLevel: "info", want: slog.LevelInfo},
		{name: "verbose flag", logLevel: "info", verbose: 1, want: slog.LevelDebug},
		{name: "warn from settings", logLevel: "warn", want: slog.LevelWarn},
		{name: "verbose overrides error", logLevel: "error", verbose: 2, want: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings(t.TempDir())
			s.LogLevel = tt.logLevel
			if got := s.Level(tt.verbose); got != tt.want {
				t.Errorf("Level(%d) = %v, want %v", tt.verbose, got, tt.want)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	s := DefaultSettings("/home/me/.ssh-tunnel-manager")

	got := []string{s.SettingsPath(), s.SocketPath(), s.PIDFilePath(), s.EventsDBPath(), s.RegistryFile, s.Icons.UserDir}
	want := []string{
		"/home/me/.ssh-tunnel-manager/settings.hcl",
		"/home/me/.ssh-tunnel-manager/manager.sock",
		"/home/me/.ssh-tunnel-manager/manager.pid",
		"/home/me/.ssh-tunnel-manager/events.db",
		"/home/me/.ssh-tunnel-manager/config.yml",
		"/home/me/.ssh-tunnel-manager/icons",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected paths (-want +got):\n%s", diff)
	}
}
