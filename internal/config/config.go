// Package config loads the gateway configuration from YAML with .env and
// environment-variable overrides, and publishes it as an immutable
// runtime snapshot that reloads atomically.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shellgate/shellgate/internal/policy"
	"github.com/shellgate/shellgate/internal/sshpool"
)

// Config is the on-disk configuration shape.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
	LogLevel   string `yaml:"log_level"`
	AuditLog   string `yaml:"audit_log"`

	Security SecurityConfig         `yaml:"security"`
	Shells   map[string]ShellConfig `yaml:"shells"`
	SSH      SSHConfig              `yaml:"ssh"`
}

// SecurityConfig mirrors policy.Security in YAML form.
type SecurityConfig struct {
	MaxCommandLength          int      `yaml:"max_command_length"`
	BlockedCommands           []string `yaml:"blocked_commands"`
	BlockedArguments          []string `yaml:"blocked_arguments"`
	AllowedPaths              []string `yaml:"allowed_paths"`
	RestrictWorkingDirectory  bool     `yaml:"restrict_working_directory"`
	CommandTimeoutSeconds     int      `yaml:"command_timeout_seconds"`
	EnableInjectionProtection bool     `yaml:"enable_injection_protection"`
}

// ShellConfig describes one local shell profile.
type ShellConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args"`
	BlockedOperators []string `yaml:"blocked_operators"`
}

// SSHConfig holds the remote-execution section.
type SSHConfig struct {
	Enabled     bool                        `yaml:"enabled"`
	MaxSessions int                         `yaml:"max_sessions"`
	Connections map[string]ConnectionConfig `yaml:"connections"`
}

// ConnectionConfig describes one named SSH connection.
type ConnectionConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	PrivateKeyPath      string `yaml:"private_key_path"`
	KeepaliveIntervalMs int    `yaml:"keepalive_interval_ms"`
	KeepaliveCountMax   int    `yaml:"keepalive_count_max"`
	ReadyTimeoutMs      int    `yaml:"ready_timeout_ms"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:9320",
		LogLevel:   "info",
		Security: SecurityConfig{
			MaxCommandLength:          2000,
			BlockedCommands:           []string{"rm", "del", "rmdir", "format", "shutdown", "restart", "reg", "regedit", "net", "netsh", "takeown", "icacls"},
			BlockedArguments:          []string{"--exec", "-e", "/c", "-enc", "-encodedcommand", "-command", "--interactive", "-i", "--login", "--system"},
			AllowedPaths:              nil,
			RestrictWorkingDirectory:  true,
			CommandTimeoutSeconds:     30,
			EnableInjectionProtection: true,
		},
		Shells: map[string]ShellConfig{
			"cmd": {
				Enabled:          true,
				Command:          `C:\Windows\System32\cmd.exe`,
				Args:             []string{"/c"},
				BlockedOperators: []string{"&", "|", ";", "`"},
			},
			"powershell": {
				Enabled:          true,
				Command:          "powershell.exe",
				Args:             []string{"-NoProfile", "-NonInteractive", "-Command"},
				BlockedOperators: []string{"&", ";", "`"},
			},
			"gitbash": {
				Enabled:          true,
				Command:          `C:\Program Files\Git\bin\bash.exe`,
				Args:             []string{"-c"},
				BlockedOperators: []string{"&", "|", ";", "`"},
			},
		},
		SSH: SSHConfig{
			Enabled:     false,
			MaxSessions: sshpool.DefaultMaxSessions,
		},
	}
}

// Load reads the configuration file at path, overlays a sibling .env file
// and SHELLGATE_* environment variables, validates and returns it. A
// missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Warn().Str("config_file", path).Msg("Config file not found, using defaults")
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			log.Info().
				Str("config_file", path).
				Int("shell_count", len(cfg.Shells)).
				Int("connection_count", len(cfg.SSH.Connections)).
				Msg("Loaded configuration from file")
		}
	}

	// A .env next to the binary or cwd supplies overrides in dev setups.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env overrides")
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHELLGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SHELLGATE_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("SHELLGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SHELLGATE_AUDIT_LOG"); v != "" {
		cfg.AuditLog = v
	}
	if v := os.Getenv("SHELLGATE_ALLOWED_PATHS"); v != "" {
		cfg.Security.AllowedPaths = append(cfg.Security.AllowedPaths, strings.Split(v, string(os.PathListSeparator))...)
	}
	if v := os.Getenv("SHELLGATE_COMMAND_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Security.CommandTimeoutSeconds = secs
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid SHELLGATE_COMMAND_TIMEOUT")
		}
	}
}

// Validate rejects configurations that cannot be served.
func (c *Config) Validate() error {
	if c.Security.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("security.command_timeout_seconds must be positive")
	}
	for name, shell := range c.Shells {
		if shell.Enabled && shell.Command == "" {
			return fmt.Errorf("shell %q is enabled but has no command", name)
		}
	}
	for name, conn := range c.SSH.Connections {
		if conn.Host == "" {
			return fmt.Errorf("ssh connection %q has no host", name)
		}
		if conn.Username == "" {
			return fmt.Errorf("ssh connection %q has no username", name)
		}
	}
	return nil
}

// Snapshot converts the file shape into the immutable policy snapshot
// consumed per request. Allowed roots are canonicalized here, once.
func (c *Config) Snapshot() *policy.Snapshot {
	shells := make(map[string]policy.ShellProfile, len(c.Shells))
	for name, shell := range c.Shells {
		shells[name] = policy.ShellProfile{
			Name:             name,
			Enabled:          shell.Enabled,
			Executable:       shell.Command,
			BaseArgs:         append([]string{}, shell.Args...),
			BlockedOperators: append([]string{}, shell.BlockedOperators...),
		}
	}
	return &policy.Snapshot{
		Security: policy.Security{
			MaxCommandLength:          c.Security.MaxCommandLength,
			BlockedCommands:           append([]string{}, c.Security.BlockedCommands...),
			BlockedArguments:          append([]string{}, c.Security.BlockedArguments...),
			AllowedPaths:              policy.CanonicalizeRoots(c.Security.AllowedPaths),
			RestrictWorkingDirectory:  c.Security.RestrictWorkingDirectory,
			CommandTimeout:            time.Duration(c.Security.CommandTimeoutSeconds) * time.Second,
			EnableInjectionProtection: c.Security.EnableInjectionProtection,
		},
		Shells: shells,
	}
}

// SSHProfiles converts the connection section into pool profiles.
func (c *Config) SSHProfiles() map[string]sshpool.Profile {
	profiles := make(map[string]sshpool.Profile, len(c.SSH.Connections))
	for name, conn := range c.SSH.Connections {
		profiles[name] = sshpool.Profile{
			Host:              conn.Host,
			Port:              conn.Port,
			Username:          conn.Username,
			Password:          conn.Password,
			PrivateKeyPath:    conn.PrivateKeyPath,
			KeepaliveInterval: time.Duration(conn.KeepaliveIntervalMs) * time.Millisecond,
			KeepaliveCountMax: conn.KeepaliveCountMax,
			ReadyTimeout:      time.Duration(conn.ReadyTimeoutMs) * time.Millisecond,
		}
	}
	return profiles
}
