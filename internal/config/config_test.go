package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
listen_addr: "127.0.0.1:9999"
auth_token: "test-token"
log_level: debug
security:
  max_command_length: 500
  blocked_commands: [rm, del]
  blocked_arguments: ["-rf"]
  allowed_paths:
    - 'C:\work'
    - 'C:\work\nested'
    - 'D:/data'
  restrict_working_directory: true
  command_timeout_seconds: 10
  enable_injection_protection: true
shells:
  cmd:
    enabled: true
    command: 'C:\Windows\System32\cmd.exe'
    args: ["/c"]
    blocked_operators: ["&", ";"]
  wsl:
    enabled: false
    command: wsl.exe
ssh:
  enabled: true
  max_sessions: 4
  connections:
    web-1:
      host: 10.0.0.5
      port: 2222
      username: ops
      password: hunter2
      keepalive_interval_ms: 10000
      ready_timeout_ms: 5000
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, "test-token", cfg.AuthToken)
	assert.Equal(t, 500, cfg.Security.MaxCommandLength)
	assert.True(t, cfg.SSH.Enabled)
	assert.Equal(t, 4, cfg.SSH.MaxSessions)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9320", cfg.ListenAddr)
	assert.Contains(t, cfg.Security.BlockedCommands, "format")
	assert.True(t, cfg.Security.RestrictWorkingDirectory)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHELLGATE_AUTH_TOKEN", "env-token")
	t.Setenv("SHELLGATE_LISTEN_ADDR", "0.0.0.0:8000")
	t.Setenv("SHELLGATE_COMMAND_TIMEOUT", "77")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.AuthToken)
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr)
	assert.Equal(t, 77, cfg.Security.CommandTimeoutSeconds)
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	cfg := Default()
	cfg.Security.CommandTimeoutSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Shells["broken"] = ShellConfig{Enabled: true}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SSH.Connections = map[string]ConnectionConfig{"x": {Username: "u"}}
	assert.Error(t, cfg.Validate())
}

func TestSnapshotCanonicalizesRoots(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	snap := cfg.Snapshot()
	// The nested root collapses into its ancestor; spellings unify.
	assert.Equal(t, []string{`c:\work`, `d:\data`}, snap.Security.AllowedPaths)
	assert.Equal(t, 10*time.Second, snap.Security.CommandTimeout)

	profile, ok := snap.Shell("cmd")
	require.True(t, ok)
	assert.Equal(t, []string{"/c"}, profile.BaseArgs)

	_, ok = snap.Shell("wsl")
	assert.False(t, ok)
}

func TestSSHProfiles(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	profiles := cfg.SSHProfiles()
	require.Contains(t, profiles, "web-1")
	p := profiles["web-1"]
	assert.Equal(t, "10.0.0.5:2222", p.Addr())
	assert.Equal(t, 10*time.Second, p.KeepaliveInterval)
	assert.Equal(t, 5*time.Second, p.ReadyTimeout)
}

func TestStoreReloadSwapsAtomically(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	store, err := NewStore(path)
	require.NoError(t, err)

	before := store.Runtime()
	assert.Equal(t, 500, before.Config.Security.MaxCommandLength)

	updated := sampleYAML + "\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.NoError(t, store.Reload())

	after := store.Runtime()
	assert.NotSame(t, before, after, "reload publishes a fresh runtime")
	assert.Equal(t, before.Policy.Security.AllowedPaths, after.Policy.Security.AllowedPaths)
}

func TestStoreReloadKeepsOldRuntimeOnError(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	store, err := NewStore(path)
	require.NoError(t, err)
	before := store.Runtime()

	require.NoError(t, os.WriteFile(path, []byte("security: {command_timeout_seconds: 0}"), 0o600))
	require.Error(t, store.Reload())
	assert.Same(t, before, store.Runtime())
}
