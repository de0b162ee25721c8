package gateway

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellgate/shellgate/internal/config"
	gateerrors "github.com/shellgate/shellgate/internal/errors"
	"github.com/shellgate/shellgate/internal/executor"
	"github.com/shellgate/shellgate/internal/policy"
	"github.com/shellgate/shellgate/internal/sshpool"
)

type staticStore struct {
	rt *config.Runtime
}

func (s staticStore) Runtime() *config.Runtime { return s.rt }

type fakeDispatcher struct {
	calls   int
	outcome executor.Outcome
	err     error
}

func (f *fakeDispatcher) Execute(ctx context.Context, shell policy.ShellProfile, rawCommand, workingDir string, timeout time.Duration) (executor.Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

type fakePool struct {
	calls       int
	lastID      string
	lastCommand string
	outcome     sshpool.Outcome
	err         error
}

func (f *fakePool) Run(ctx context.Context, id string, profile sshpool.Profile, command string) (sshpool.Outcome, error) {
	f.calls++
	f.lastID = id
	f.lastCommand = command
	return f.outcome, f.err
}

func (f *fakePool) Disconnect(id string) {}
func (f *fakePool) CloseAll()            {}
func (f *fakePool) Size() int            { return f.calls }

type fakeDirs struct {
	cwd     string
	changed []string
}

func (f *fakeDirs) Getwd() (string, error) { return f.cwd, nil }
func (f *fakeDirs) Chdir(dir string) error {
	f.changed = append(f.changed, dir)
	return nil
}

func testRuntime(t *testing.T, mutate func(cfg *config.Config)) *config.Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Shells["sh"] = config.ShellConfig{
		Enabled:          true,
		Command:          "/bin/sh",
		Args:             []string{"-c"},
		BlockedOperators: []string{"&", "|", ";", "`"},
	}
	cfg.Security.RestrictWorkingDirectory = false
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return &config.Runtime{
		Config:      cfg,
		Policy:      cfg.Snapshot(),
		SSHProfiles: cfg.SSHProfiles(),
	}
}

func testGateway(t *testing.T, rt *config.Runtime, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithPool(&fakePool{})}, opts...)
	return New(staticStore{rt: rt}, opts...)
}

func skipWithoutSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func TestExecuteLocalBlockedCommandNeverSpawns(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	g := testGateway(t, testRuntime(t, nil), WithDispatcher(dispatcher))

	res, err := g.ExecuteLocal(context.Background(), "sh", `del C:\work\report.txt`, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateerrors.ErrCommandBlocked)
	assert.True(t, gateerrors.IsValidation(err))
	assert.Equal(t, "blocked_command", gateerrors.RuleOf(err))
	assert.Zero(t, dispatcher.calls, "validation failure must precede spawning")
	assert.NotEmpty(t, res.CorrelationID)
}

func TestExecuteLocalBlockedCommandVariants(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	g := testGateway(t, testRuntime(t, nil), WithDispatcher(dispatcher))

	for _, cmd := range []string{
		"rm file.txt",
		"RM.EXE file.txt",
		`C:\tools\rm.cmd file.txt`,
		`"C:\Program Files\rm.bat" file.txt`,
	} {
		_, err := g.ExecuteLocal(context.Background(), "sh", cmd, "")
		assert.ErrorIs(t, err, gateerrors.ErrCommandBlocked, "command %q", cmd)
	}
	assert.Zero(t, dispatcher.calls)
}

func TestExecuteLocalBlockedArgument(t *testing.T) {
	g := testGateway(t, testRuntime(t, nil), WithDispatcher(&fakeDispatcher{}))

	_, err := g.ExecuteLocal(context.Background(), "sh", "tar -e archive.tar", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateerrors.ErrArgumentBlocked)

	// Substring of a blocked pattern inside a longer token is fine.
	dispatcher := &fakeDispatcher{}
	g = testGateway(t, testRuntime(t, nil), WithDispatcher(dispatcher))
	_, err = g.ExecuteLocal(context.Background(), "sh", "tar -export archive.tar", "")
	require.NoError(t, err)
	assert.Equal(t, 1, dispatcher.calls)
}

func TestExecuteLocalOperatorInjection(t *testing.T) {
	g := testGateway(t, testRuntime(t, nil), WithDispatcher(&fakeDispatcher{}))

	_, err := g.ExecuteLocal(context.Background(), "sh", "echo hi && whoami", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateerrors.ErrOperatorBlocked)

	// Operators inside quotes are still rejected.
	_, err = g.ExecuteLocal(context.Background(), "sh", `echo "a | b"`, "")
	assert.ErrorIs(t, err, gateerrors.ErrOperatorBlocked)

	// Disabling injection protection lets operators through.
	dispatcher := &fakeDispatcher{}
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.Security.EnableInjectionProtection = false
	})
	g = testGateway(t, rt, WithDispatcher(dispatcher))
	_, err = g.ExecuteLocal(context.Background(), "sh", "echo hi && whoami", "")
	require.NoError(t, err)
	assert.Equal(t, 1, dispatcher.calls)
}

func TestExecuteLocalUnknownShell(t *testing.T) {
	g := testGateway(t, testRuntime(t, nil), WithDispatcher(&fakeDispatcher{}))

	_, err := g.ExecuteLocal(context.Background(), "zsh", "echo hi", "")
	assert.ErrorIs(t, err, gateerrors.ErrUnknownShell)

	rt := testRuntime(t, func(cfg *config.Config) {
		shell := cfg.Shells["sh"]
		shell.Enabled = false
		cfg.Shells["sh"] = shell
	})
	g = testGateway(t, rt, WithDispatcher(&fakeDispatcher{}))
	_, err = g.ExecuteLocal(context.Background(), "sh", "echo hi", "")
	assert.ErrorIs(t, err, gateerrors.ErrUnknownShell)
}

func TestExecuteLocalTooLongAndEmpty(t *testing.T) {
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.Security.MaxCommandLength = 10
	})
	g := testGateway(t, rt, WithDispatcher(&fakeDispatcher{}))

	_, err := g.ExecuteLocal(context.Background(), "sh", "echo aaaaaaaaaaaaaaaa", "")
	assert.ErrorIs(t, err, gateerrors.ErrCommandTooLong)

	_, err = g.ExecuteLocal(context.Background(), "sh", "   ", "")
	assert.ErrorIs(t, err, gateerrors.ErrEmptyCommand)
}

func TestExecuteLocalWorkingDirEnforced(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.Security.RestrictWorkingDirectory = true
		cfg.Security.AllowedPaths = []string{`C:\work`}
	})
	g := testGateway(t, rt, WithDispatcher(dispatcher))

	_, err := g.ExecuteLocal(context.Background(), "sh", "echo hi", `D:\other`)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateerrors.ErrPathOutsideRoots)
	assert.Zero(t, dispatcher.calls)

	// Relative paths are rejected outright.
	_, err = g.ExecuteLocal(context.Background(), "sh", "echo hi", `work\sub`)
	assert.ErrorIs(t, err, gateerrors.ErrPathNotAbsolute)

	// Separator and case variants of an allowed root pass.
	_, err = g.ExecuteLocal(context.Background(), "sh", "echo hi", `c:/WORK/sub`)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatcher.calls)
}

func TestExecuteLocalDefaultsToCurrentDirectory(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	dirs := &fakeDirs{cwd: `C:\work\project`}
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.Security.RestrictWorkingDirectory = true
		cfg.Security.AllowedPaths = []string{`C:\work`}
	})
	g := testGateway(t, rt, WithDispatcher(dispatcher), WithSystemDirs(dirs))

	_, err := g.ExecuteLocal(context.Background(), "sh", "echo hi", "")
	require.NoError(t, err)
	assert.Equal(t, 1, dispatcher.calls)
}

func TestExecuteLocalSuccess(t *testing.T) {
	skipWithoutSh(t)
	g := testGateway(t, testRuntime(t, nil))

	res, err := g.ExecuteLocal(context.Background(), "sh", "echo hello", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "hello\n", res.Output)
	assert.False(t, res.TimedOut)
}

func TestExecuteLocalNoOutputPlaceholder(t *testing.T) {
	skipWithoutSh(t)
	g := testGateway(t, testRuntime(t, nil))

	res, err := g.ExecuteLocal(context.Background(), "sh", "true", "")
	require.NoError(t, err)
	assert.Equal(t, NoOutputPlaceholder, res.Output)
}

func TestExecuteLocalNonZeroExitIsData(t *testing.T) {
	skipWithoutSh(t)
	g := testGateway(t, testRuntime(t, nil))

	res, err := g.ExecuteLocal(context.Background(), "sh", "fail_with_stderr", "")
	_ = res
	// "fail_with_stderr" is not a real binary; sh reports it on stderr
	// and exits nonzero, which is an outcome, not an error.
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.NotEmpty(t, res.Stderr)
	assert.Equal(t, res.Stderr, res.Output)
}

func TestExecuteLocalTimeout(t *testing.T) {
	skipWithoutSh(t)
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.Security.CommandTimeoutSeconds = 1
	})
	g := testGateway(t, rt)

	start := time.Now()
	res, err := g.ExecuteLocal(context.Background(), "sh", "sleep 30", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateerrors.ErrTimeout)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second, "process must be killed at the deadline")
}

func TestExecuteRemoteValidation(t *testing.T) {
	pool := &fakePool{}

	// Disabled SSH section.
	g := testGateway(t, testRuntime(t, nil), WithPool(pool))
	_, err := g.ExecuteRemote(context.Background(), "build-server", "uptime")
	assert.ErrorIs(t, err, gateerrors.ErrUnknownConnection)

	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.SSH.Enabled = true
		cfg.SSH.Connections = map[string]config.ConnectionConfig{
			"build-server": {Host: "10.0.0.5", Port: 22, Username: "ci", Password: "secret"},
		}
	})
	g = testGateway(t, rt, WithPool(pool))

	_, err = g.ExecuteRemote(context.Background(), "missing", "uptime")
	assert.ErrorIs(t, err, gateerrors.ErrUnknownConnection)

	_, err = g.ExecuteRemote(context.Background(), "build-server", "rm -rf /")
	assert.ErrorIs(t, err, gateerrors.ErrCommandBlocked)

	assert.Zero(t, pool.calls, "validation failures must never reach the pool")
}

func TestExecuteRemoteSuccess(t *testing.T) {
	pool := &fakePool{outcome: sshpool.Outcome{Stdout: "up 3 days\n", ExitCode: 0}}
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.SSH.Enabled = true
		cfg.SSH.Connections = map[string]config.ConnectionConfig{
			"build-server": {Host: "10.0.0.5", Port: 22, Username: "ci", Password: "secret"},
		}
	})
	g := testGateway(t, rt, WithPool(pool))

	res, err := g.ExecuteRemote(context.Background(), "build-server", "uptime")
	require.NoError(t, err)
	assert.Equal(t, 1, pool.calls)
	assert.Equal(t, "build-server", pool.lastID)
	assert.Equal(t, "uptime", pool.lastCommand)
	assert.Equal(t, "up 3 days\n", res.Output)
	assert.NotEmpty(t, res.CorrelationID)
}

func TestExecuteRemoteStderrFallback(t *testing.T) {
	pool := &fakePool{outcome: sshpool.Outcome{Stderr: "warning: foo\n", ExitCode: 0}}
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.SSH.Enabled = true
		cfg.SSH.Connections = map[string]config.ConnectionConfig{
			"build-server": {Host: "10.0.0.5", Username: "ci", Password: "secret"},
		}
	})
	g := testGateway(t, rt, WithPool(pool))

	res, err := g.ExecuteRemote(context.Background(), "build-server", "uptime")
	require.NoError(t, err)
	assert.Equal(t, "warning: foo\n", res.Output)
}

func TestExecuteRemoteTransportError(t *testing.T) {
	pool := &fakePool{err: gateerrors.Transport("ssh_connect", "dial tcp: refused", gateerrors.ErrConnectFailed)}
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.SSH.Enabled = true
		cfg.SSH.Connections = map[string]config.ConnectionConfig{
			"build-server": {Host: "10.0.0.5", Username: "ci", Password: "secret"},
		}
	})
	g := testGateway(t, rt, WithPool(pool))

	_, err := g.ExecuteRemote(context.Background(), "build-server", "uptime")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateerrors.ErrConnectFailed)
	assert.Equal(t, gateerrors.KindTransport, gateerrors.KindOf(err))
}

func TestCheckDirectories(t *testing.T) {
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.Security.AllowedPaths = []string{`C:\work`, `D:\data`}
	})
	g := testGateway(t, rt, WithDispatcher(&fakeDispatcher{}))

	report := g.CheckDirectories([]string{`C:\work\sub`, `d:/data`, `C:\workother`, `relative\path`})
	assert.False(t, report.AllPass)
	assert.Equal(t, []string{`C:\workother`, `relative\path`}, report.Failing)

	report = g.CheckDirectories([]string{`C:\work`, `C:/work/nested`})
	assert.True(t, report.AllPass)
	assert.Empty(t, report.Failing)
}

func TestSetCurrentDirectory(t *testing.T) {
	dirs := &fakeDirs{cwd: `C:\work`}
	rt := testRuntime(t, func(cfg *config.Config) {
		cfg.Security.RestrictWorkingDirectory = true
		cfg.Security.AllowedPaths = []string{`C:\work`}
	})
	g := testGateway(t, rt, WithDispatcher(&fakeDispatcher{}), WithSystemDirs(dirs))

	require.NoError(t, g.SetCurrentDirectory(`C:\work\sub`))
	assert.Equal(t, []string{`C:\work\sub`}, dirs.changed)

	err := g.SetCurrentDirectory(`D:\other`)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateerrors.ErrPathOutsideRoots)
	assert.Len(t, dirs.changed, 1)
}

func TestDispatcherErrorSurfaced(t *testing.T) {
	dispatcher := &fakeDispatcher{err: gateerrors.Execution("spawn", "no such file", gateerrors.ErrSpawnFailed)}
	g := testGateway(t, testRuntime(t, nil), WithDispatcher(dispatcher))

	_, err := g.ExecuteLocal(context.Background(), "sh", "echo hi", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateerrors.ErrSpawnFailed))
}
