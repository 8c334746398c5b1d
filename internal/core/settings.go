package core

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultConfigDirName = ".ssh-tunnel-manager"
	SettingsFileName     = "settings.hcl"
	SocketName           = "manager.sock"
	PidFileName          = "manager.pid"
	EventsDBName         = "events.db"
	IconsDirName         = "icons"

	DefaultSSHBinary       = "ssh"
	DefaultRegistryFile    = "config.yml"
	DefaultBackupRetention = 10
	DefaultLogLevel        = "info"
	DefaultLogHistory      = 200
)

// Settings are the manager settings. They are passed explicitly to the
// components that need them.
type Settings struct {
	ConfigPath      string // Directory holding every manager file
	SSHBinary       string // ssh client executable
	RegistryFile    string // Absolute path of the tunnel registry
	BackupRetention int    // Registry backups kept after a save
	UsePTY          bool   // Run ssh on a pseudo terminal
	LogLevel        string
	LogHistory      int // Log lines kept for `logs`
	InstanceDir     string
	Icons           IconSettings
}

type IconSettings struct {
	UserDir  string
	LocalDir string
}

type hclSettings struct {
	SSHBinary       string    `hcl:"ssh_binary,optional"`
	RegistryFile    string    `hcl:"registry_file,optional"`
	BackupRetention int       `hcl:"backup_retention,optional"`
	UsePTY          *bool     `hcl:"use_pty,optional"`
	LogLevel        string    `hcl:"log_level,optional"`
	LogHistory      int       `hcl:"log_history,optional"`
	InstanceDir     string    `hcl:"instance_dir,optional"`
	Icons           *hclIcons `hcl:"icons,block"`
}

type hclIcons struct {
	UserDir  string `hcl:"user_dir,optional"`
	LocalDir string `hcl:"local_dir,optional"`
}

const defaultSettingsFile = `# tunnelmgr settings

# ssh client used for every tunnel
ssh_binary = "ssh"

# Tunnel registry, relative to this directory
registry_file = "config.yml"

# Number of registry backups kept after each save
backup_retention = 10

# Keep ssh attached to a pseudo terminal so the remote session stays open
use_pty = true

# debug, info, warn or error
log_level = "info"

# Log lines kept in memory for "tunnelmgr logs"
log_history = 200

# icons {
#   user_dir  = "~/.ssh-tunnel-manager/icons"
#   local_dir = "./icons"
# }
`

// DefaultConfigPath returns ~/.ssh-tunnel-manager
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfigDirName
	}
	return filepath.Join(home, DefaultConfigDirName)
}

// DefaultSettings returns the settings used when no settings file exists
func DefaultSettings(configPath string) *Settings {
	return &Settings{
		ConfigPath:      configPath,
		SSHBinary:       DefaultSSHBinary,
		RegistryFile:    filepath.Join(configPath, DefaultRegistryFile),
		BackupRetention: DefaultBackupRetention,
		UsePTY:          true,
		LogLevel:        DefaultLogLevel,
		LogHistory:      DefaultLogHistory,
		InstanceDir:     os.TempDir(),
		Icons: IconSettings{
			UserDir:  filepath.Join(configPath, IconsDirName),
			LocalDir: IconsDirName,
		},
	}
}

// LoadSettings reads <configPath>/settings.hcl. A missing file is created
// with the defaults.
func LoadSettings(configPath string) (*Settings, error) {
	settings := DefaultSettings(configPath)
	path := filepath.Join(configPath, SettingsFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(configPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultSettingsFile), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write default settings: %w", err)
		}
		slog.Debug("Wrote default settings", "path", path)
		return settings, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var raw hclSettings
	if err := hclsimple.DecodeFile(path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse HCL settings: %w", err)
	}

	if raw.SSHBinary != "" {
		settings.SSHBinary = expandHome(raw.SSHBinary)
	}
	if raw.RegistryFile != "" {
		settings.RegistryFile = resolvePath(configPath, raw.RegistryFile)
	}
	if raw.BackupRetention < 0 {
		return nil, fmt.Errorf("backup_retention must not be negative, got %d", raw.BackupRetention)
	}
	if raw.BackupRetention > 0 {
		settings.BackupRetention = raw.BackupRetention
	}
	if raw.UsePTY != nil {
		settings.UsePTY = *raw.UsePTY
	}
	if raw.LogLevel != "" {
		if _, err := ParseLogLevel(raw.LogLevel); err != nil {
			return nil, err
		}
		settings.LogLevel = raw.LogLevel
	}
	if raw.LogHistory > 0 {
		settings.LogHistory = raw.LogHistory
	}
	if raw.InstanceDir != "" {
		settings.InstanceDir = expandHome(raw.InstanceDir)
	}
	if raw.Icons != nil {
		if raw.Icons.UserDir != "" {
			settings.Icons.UserDir = expandHome(raw.Icons.UserDir)
		}
		if raw.Icons.LocalDir != "" {
			settings.Icons.LocalDir = expandHome(raw.Icons.LocalDir)
		}
	}

	return settings, nil
}

// ParseLogLevel maps a settings level name to a slog level
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", level)
}

// Level returns the effective log level; any -v selects debug
func (s *Settings) Level(verbose int) slog.Level {
	level, _ := ParseLogLevel(s.LogLevel)
	if verbose > 0 {
		level = min(level, slog.LevelDebug)
	}
	return level
}

func (s *Settings) SettingsPath() string {
	return filepath.Join(s.ConfigPath, SettingsFileName)
}

func (s *Settings) SocketPath() string {
	return filepath.Join(s.ConfigPath, SocketName)
}

func (s *Settings) PIDFilePath() string {
	return filepath.Join(s.ConfigPath, PidFileName)
}

func (s *Settings) EventsDBPath() string {
	return filepath.Join(s.ConfigPath, EventsDBName)
}

// InstanceToken names the single-instance marker, one per user
func (s *Settings) InstanceToken() string {
	return fmt.Sprintf("tunnelmgr-%d", os.Getuid())
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func resolvePath(base, path string) string {
	path = expandHome(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
