// Package gateway is the trust boundary between callers and the
// operating-system shell. Every execution request, local or remote, runs
// the full validation chain before any process or transport is touched.
package gateway

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shellgate/shellgate/internal/audit"
	"github.com/shellgate/shellgate/internal/config"
	gateerrors "github.com/shellgate/shellgate/internal/errors"
	"github.com/shellgate/shellgate/internal/executor"
	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/policy"
	"github.com/shellgate/shellgate/internal/shellparse"
	"github.com/shellgate/shellgate/internal/sshpool"
	"github.com/shellgate/shellgate/internal/winpath"
)

// NoOutputPlaceholder is returned when a successful command wrote nothing.
const NoOutputPlaceholder = "Command completed successfully (no output)"

// RuntimeProvider hands out the current immutable configuration snapshot.
type RuntimeProvider interface {
	Runtime() *config.Runtime
}

// localRunner dispatches validated local commands.
type localRunner interface {
	Execute(ctx context.Context, shell policy.ShellProfile, rawCommand, workingDir string, timeout time.Duration) (executor.Outcome, error)
}

// remoteRunner executes validated commands over pooled SSH sessions.
type remoteRunner interface {
	Run(ctx context.Context, id string, profile sshpool.Profile, command string) (sshpool.Outcome, error)
	Disconnect(id string)
	CloseAll()
	Size() int
}

// SystemDirs is the OS-state collaborator for the process working
// directory.
type SystemDirs interface {
	Getwd() (string, error)
	Chdir(dir string) error
}

type osDirs struct{}

func (osDirs) Getwd() (string, error) { return os.Getwd() }
func (osDirs) Chdir(dir string) error { return os.Chdir(dir) }

// Result is the outcome of one execution request.
type Result struct {
	CorrelationID string
	Output        string
	Stdout        string
	Stderr        string
	ExitCode      int
	TimedOut      bool
	Duration      time.Duration
}

// Gateway validates and dispatches execution requests.
type Gateway struct {
	store      RuntimeProvider
	dispatcher localRunner
	pool       remoteRunner
	metrics    *metrics.Metrics
	audit      *audit.Logger
	dirs       SystemDirs
}

// Option customizes gateway construction.
type Option func(*Gateway)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithAudit attaches the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(g *Gateway) { g.audit = a }
}

// WithDispatcher overrides the local dispatcher.
func WithDispatcher(d localRunner) Option {
	return func(g *Gateway) { g.dispatcher = d }
}

// WithPool overrides the SSH pool.
func WithPool(p remoteRunner) Option {
	return func(g *Gateway) { g.pool = p }
}

// WithSystemDirs overrides the working-directory collaborator.
func WithSystemDirs(d SystemDirs) Option {
	return func(g *Gateway) { g.dirs = d }
}

// New builds a gateway over the given configuration store.
func New(store RuntimeProvider, opts ...Option) *Gateway {
	g := &Gateway{
		store:      store,
		dispatcher: &executor.Dispatcher{},
		dirs:       osDirs{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.pool == nil {
		maxSessions := sshpool.DefaultMaxSessions
		if rt := store.Runtime(); rt != nil && rt.Config.SSH.MaxSessions > 0 {
			maxSessions = rt.Config.SSH.MaxSessions
		}
		g.pool = sshpool.New(
			sshpool.WithMaxSessions(maxSessions),
			sshpool.WithReconnectHook(g.metrics.RecordSSHReconnect),
		)
	}
	return g
}

// ExecuteLocal runs the full validation chain and, only if every check
// passes, dispatches rawCommand on the named shell. A validation failure
// is returned before any process is spawned.
func (g *Gateway) ExecuteLocal(ctx context.Context, shellName, rawCommand, workingDir string) (Result, error) {
	corrID := uuid.NewString()
	rt := g.store.Runtime()
	snap := rt.Policy

	shell, spawnDir, err := g.validateLocal(snap, shellName, rawCommand, workingDir)
	if err != nil {
		g.recordDenial(corrID, shellName, rawCommand, workingDir, err)
		return Result{CorrelationID: corrID}, err
	}

	outcome, err := g.dispatcher.Execute(ctx, shell, rawCommand, spawnDir, snap.Security.CommandTimeout)
	g.metrics.RecordExecution(shell.Name, executionResult(outcome, err), outcome.Duration)
	if err != nil {
		g.audit.LogError(corrID, "command.error", err.Error())
		return Result{CorrelationID: corrID, Stdout: outcome.Stdout, Stderr: outcome.Stderr, TimedOut: outcome.TimedOut}, err
	}
	g.audit.LogExecution(corrID, shell.Name, outcome.ExitCode, outcome.Duration, outcome.Stdout, outcome.Stderr)

	log.Debug().
		Str("correlation_id", corrID).
		Str("shell", shell.Name).
		Int("exit_code", outcome.ExitCode).
		Dur("duration", outcome.Duration).
		Msg("Local command finished")

	return Result{
		CorrelationID: corrID,
		Output:        localOutput(outcome),
		Stdout:        outcome.Stdout,
		Stderr:        outcome.Stderr,
		ExitCode:      outcome.ExitCode,
		Duration:      outcome.Duration,
	}, nil
}

// validateLocal runs every policy check in order and resolves the spawn
// directory. It never touches a process.
func (g *Gateway) validateLocal(snap *policy.Snapshot, shellName, rawCommand, workingDir string) (policy.ShellProfile, string, error) {
	shell, ok := snap.Shell(shellName)
	if !ok {
		return policy.ShellProfile{}, "", gateerrors.Validation("execute_local", "unknown_shell",
			fmt.Sprintf("shell %q is not configured or not enabled", shellName), gateerrors.ErrUnknownShell)
	}

	if err := policy.CheckLength(rawCommand, snap.Security.MaxCommandLength); err != nil {
		return policy.ShellProfile{}, "", err
	}

	parsed := shellparse.Tokenize(rawCommand)
	if parsed.Executable == "" {
		return policy.ShellProfile{}, "", gateerrors.Validation("execute_local", "empty_command",
			"command is empty", gateerrors.ErrEmptyCommand)
	}

	if policy.IsCommandBlocked(parsed.Executable, snap.Security.BlockedCommands) {
		return policy.ShellProfile{}, "", gateerrors.Validation("execute_local", "blocked_command",
			fmt.Sprintf("executable %q matches a blocked command (blocked: %v)",
				parsed.Executable, snap.Security.BlockedCommands), gateerrors.ErrCommandBlocked)
	}
	if policy.IsArgumentBlocked(parsed.Args, snap.Security.BlockedArguments) {
		return policy.ShellProfile{}, "", gateerrors.Validation("execute_local", "blocked_argument",
			fmt.Sprintf("an argument matches a blocked pattern (blocked: %v)",
				snap.Security.BlockedArguments), gateerrors.ErrArgumentBlocked)
	}
	if err := policy.CheckOperators(rawCommand, shell, snap.Security.EnableInjectionProtection); err != nil {
		return policy.ShellProfile{}, "", err
	}

	spawnDir := workingDir
	if spawnDir == "" {
		cwd, err := g.dirs.Getwd()
		if err != nil {
			return policy.ShellProfile{}, "", fmt.Errorf("resolve working directory: %w", err)
		}
		spawnDir = cwd
	}

	if snap.Security.RestrictWorkingDirectory {
		normalized := winpath.Normalize(spawnDir)
		if err := policy.EnforceWorkingDirectory(normalized, snap.Security.AllowedPaths, true); err != nil {
			return policy.ShellProfile{}, "", err
		}
		spawnDir = normalized
	} else if err := policy.EnforceWorkingDirectory(spawnDir, nil, false); err != nil {
		// Even unrestricted, the spawn directory must be absolute.
		return policy.ShellProfile{}, "", err
	}

	return shell, spawnDir, nil
}

// ExecuteRemote validates rawCommand against the blocklists and runs it
// on the pooled session for connectionID.
func (g *Gateway) ExecuteRemote(ctx context.Context, connectionID, rawCommand string) (Result, error) {
	corrID := uuid.NewString()
	rt := g.store.Runtime()
	snap := rt.Policy

	profile, err := g.validateRemote(rt, snap, connectionID, rawCommand)
	if err != nil {
		g.recordDenial(corrID, connectionID, rawCommand, "", err)
		return Result{CorrelationID: corrID}, err
	}

	outcome, err := g.pool.Run(ctx, connectionID, profile, rawCommand)
	g.metrics.SetPooledSessions(g.pool.Size())
	if err != nil {
		g.metrics.RecordSSHCommand(connectionID, "error")
		g.audit.LogError(corrID, "ssh.error", err.Error())
		return Result{CorrelationID: corrID}, err
	}
	g.metrics.RecordSSHCommand(connectionID, "success")
	g.audit.LogRemote(corrID, connectionID, outcome.ExitCode, outcome.Duration, outcome.Stdout, outcome.Stderr)

	return Result{
		CorrelationID: corrID,
		Output:        outcome.CombinedOutput(),
		Stdout:        outcome.Stdout,
		Stderr:        outcome.Stderr,
		ExitCode:      outcome.ExitCode,
		Duration:      outcome.Duration,
	}, nil
}

func (g *Gateway) validateRemote(rt *config.Runtime, snap *policy.Snapshot, connectionID, rawCommand string) (sshpool.Profile, error) {
	if !rt.Config.SSH.Enabled {
		return sshpool.Profile{}, gateerrors.Validation("execute_remote", "ssh_disabled",
			"remote execution is disabled", gateerrors.ErrUnknownConnection)
	}
	profile, ok := rt.SSHProfiles[connectionID]
	if !ok {
		return sshpool.Profile{}, gateerrors.Validation("execute_remote", "unknown_connection",
			fmt.Sprintf("connection %q is not configured", connectionID), gateerrors.ErrUnknownConnection)
	}

	if err := policy.CheckLength(rawCommand, snap.Security.MaxCommandLength); err != nil {
		return sshpool.Profile{}, err
	}
	parsed := shellparse.Tokenize(rawCommand)
	if parsed.Executable == "" {
		return sshpool.Profile{}, gateerrors.Validation("execute_remote", "empty_command",
			"command is empty", gateerrors.ErrEmptyCommand)
	}
	if policy.IsCommandBlocked(parsed.Executable, snap.Security.BlockedCommands) {
		return sshpool.Profile{}, gateerrors.Validation("execute_remote", "blocked_command",
			fmt.Sprintf("executable %q matches a blocked command", parsed.Executable), gateerrors.ErrCommandBlocked)
	}
	if policy.IsArgumentBlocked(parsed.Args, snap.Security.BlockedArguments) {
		return sshpool.Profile{}, gateerrors.Validation("execute_remote", "blocked_argument",
			"an argument matches a blocked pattern", gateerrors.ErrArgumentBlocked)
	}
	return profile, nil
}

// DirectoryReport is the verdict of CheckDirectories.
type DirectoryReport struct {
	AllPass bool
	Failing []string
}

// CheckDirectories validates each path against the allow-list without
// executing anything.
func (g *Gateway) CheckDirectories(paths []string) DirectoryReport {
	snap := g.store.Runtime().Policy

	report := DirectoryReport{AllPass: true}
	for _, p := range paths {
		normalized := winpath.Normalize(p)
		if !winpath.IsAbsolute(p) || !policy.IsAllowed(normalized, snap.Security.AllowedPaths) {
			report.AllPass = false
			report.Failing = append(report.Failing, p)
		}
	}
	return report
}

// CurrentDirectory reports the process working directory.
func (g *Gateway) CurrentDirectory() (string, error) {
	return g.dirs.Getwd()
}

// SetCurrentDirectory changes the process working directory after
// enforcing the allow-list.
func (g *Gateway) SetCurrentDirectory(dir string) error {
	snap := g.store.Runtime().Policy
	normalized := winpath.Normalize(dir)
	if err := policy.EnforceWorkingDirectory(normalized, snap.Security.AllowedPaths, snap.Security.RestrictWorkingDirectory); err != nil {
		return err
	}
	return g.dirs.Chdir(dir)
}

// Disconnect tears down the pooled session for connectionID.
func (g *Gateway) Disconnect(connectionID string) {
	g.pool.Disconnect(connectionID)
	g.metrics.SetPooledSessions(g.pool.Size())
}

// Close releases every pooled resource. For process shutdown.
func (g *Gateway) Close() {
	g.pool.CloseAll()
}

func (g *Gateway) recordDenial(corrID, target, rawCommand, workingDir string, err error) {
	rule := gateerrors.RuleOf(err)
	g.metrics.RecordDenial(rule)
	g.audit.LogDecision(corrID, target, rawCommand, workingDir, "denied", rule)
	log.Info().
		Str("correlation_id", corrID).
		Str("target", target).
		Str("rule", rule).
		Msg("Request denied by policy")
}

func localOutput(outcome executor.Outcome) string {
	if outcome.ExitCode == 0 {
		if outcome.Stdout == "" {
			return NoOutputPlaceholder
		}
		return outcome.Stdout
	}
	if outcome.Stderr != "" {
		return outcome.Stderr
	}
	return outcome.Stdout
}

func executionResult(outcome executor.Outcome, err error) string {
	switch {
	case err != nil && outcome.TimedOut:
		return "timeout"
	case err != nil:
		return "error"
	case outcome.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}
