package sshpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	gateerrors "github.com/shellgate/shellgate/internal/errors"
)

// State is the connection lifecycle position of one pooled session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Outcome is the result of one remote command.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CombinedOutput prefers stdout and falls back to stderr when stdout is
// empty. Compatibility behavior: on a failing exit with non-empty stdout
// the stderr text is not merged in, which can hide diagnostics — both
// streams stay available on the Outcome for callers that want them.
func (o Outcome) CombinedOutput() string {
	if o.Stdout != "" {
		return o.Stdout
	}
	return o.Stderr
}

// Session is one pooled logical connection. The pool owns exactly one
// per connection id. runMu serializes commands on the session; mu guards
// state transitions only and is never held across a remote command, so a
// disconnect takes effect immediately even with a command in flight.
// Different sessions run fully in parallel.
type Session struct {
	id      string
	profile Profile
	pool    *Pool

	runMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           transport
	lastActivity   time.Time
	reconnectTimer *time.Timer
	closed         bool // explicit disconnect: no reconnects, ever
}

// State reports the session's current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes one command on the session, reconnecting first if the
// transport is down. Commands on the same session are serialized. A
// disconnect while the command is in flight closes the transport under
// the command and the call fails with ErrConnectionLost.
func (s *Session) Run(ctx context.Context, command string) (Outcome, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Outcome{}, gateerrors.Transport("ssh_run", s.id,
			fmt.Errorf("%w: session disconnected", gateerrors.ErrConnectionLost))
	}
	s.lastActivity = time.Now()
	if err := s.connectLocked(ctx); err != nil {
		s.mu.Unlock()
		return Outcome{}, err
	}
	conn := s.conn
	s.mu.Unlock()

	started := time.Now()
	stdout, stderr, exitCode, err := conn.Run(command)
	if err != nil {
		s.mu.Lock()
		interrupted := s.closed || s.conn != conn
		s.mu.Unlock()
		if interrupted {
			return Outcome{}, gateerrors.Transport("ssh_run", s.id,
				fmt.Errorf("%w: session disconnected during command", gateerrors.ErrConnectionLost))
		}
		return Outcome{}, err
	}
	return Outcome{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: time.Since(started),
	}, nil
}

// connectLocked brings the session to Connected. Caller holds mu.
func (s *Session) connectLocked(ctx context.Context) error {
	if s.state == StateConnected {
		return nil
	}

	s.state = StateConnecting
	conn, err := s.pool.dial(ctx, s.profile)
	if err != nil {
		s.state = StateDisconnected
		return err
	}

	s.conn = conn
	s.state = StateConnected
	s.lastActivity = time.Now()
	go s.watch(conn)

	log.Debug().Str("connection", s.id).Str("addr", s.profile.Addr()).Msg("SSH session connected")
	return nil
}

// watch blocks until conn closes, then drives the disconnect path. One
// watcher per live transport; a stale watcher for a replaced transport
// is a no-op.
func (s *Session) watch(conn transport) {
	err := conn.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.conn = nil
	s.state = StateDisconnected

	if s.closed {
		return
	}

	log.Warn().Str("connection", s.id).Err(err).Msg("SSH transport closed unexpectedly")

	// One reconnect attempt, only while the session saw recent use. A
	// failed attempt is not retried; the next Run reconnects on demand.
	if time.Since(s.lastActivity) <= s.pool.activityWindow && s.reconnectTimer == nil {
		s.reconnectTimer = time.AfterFunc(s.pool.reconnectDelay, s.reconnectOnce)
	}
}

// reconnectOnce is the single scheduled reconnect attempt.
func (s *Session) reconnectOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectTimer = nil

	if s.closed || s.state != StateDisconnected {
		return
	}

	if hook := s.pool.onReconnect; hook != nil {
		hook(s.id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.profile.readyTimeout())
	defer cancel()
	if err := s.connectLocked(ctx); err != nil {
		log.Warn().Str("connection", s.id).Err(err).Msg("SSH reconnect attempt failed; will retry on next use")
	}
}

// closeLocked tears the session down for good. Caller holds mu.
func (s *Session) closeLocked() {
	s.closed = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateDisconnected
}
