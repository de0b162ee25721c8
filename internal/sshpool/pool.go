// Package sshpool maintains one reusable authenticated SSH session per
// named connection profile, with on-demand connect, keepalive, and a
// bounded single-attempt reconnect policy.
package sshpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	gateerrors "github.com/shellgate/shellgate/internal/errors"
)

const (
	// DefaultReconnectDelay is the pause before the single automatic
	// reconnect attempt after an unexpected transport close.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultActivityWindow is how recently a session must have been
	// used for an automatic reconnect to be worth scheduling.
	DefaultActivityWindow = 30 * time.Minute
	// DefaultMaxSessions caps the number of pooled sessions.
	DefaultMaxSessions = 32
)

// Pool owns every pooled session. The session map is the only shared
// mutable resource; concurrent Get calls for the same new id collapse to
// a single connect attempt.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session

	connects singleflight.Group
	dial     dialFunc

	maxSessions    int
	reconnectDelay time.Duration
	activityWindow time.Duration
	onReconnect    func(id string)
}

// Option tweaks pool construction.
type Option func(*Pool)

// WithMaxSessions sets the pooled-session ceiling.
func WithMaxSessions(n int) Option {
	return func(p *Pool) { p.maxSessions = n }
}

// WithReconnectHook registers fn, invoked with the connection id on every
// automatic reconnect attempt.
func WithReconnectHook(fn func(id string)) Option {
	return func(p *Pool) { p.onReconnect = fn }
}

// New builds a pool using the real SSH dialer.
func New(opts ...Option) *Pool {
	p := &Pool{
		sessions:       make(map[string]*Session),
		dial:           dialSSH,
		maxSessions:    DefaultMaxSessions,
		reconnectDelay: DefaultReconnectDelay,
		activityWindow: DefaultActivityWindow,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the session for id, connecting it synchronously if needed.
// A burst of concurrent calls for the same unconnected id produces
// exactly one transport.
func (p *Pool) Get(ctx context.Context, id string, profile Profile) (*Session, error) {
	session, err := p.lookupOrCreate(id, profile)
	if err != nil {
		return nil, err
	}

	_, err, _ = p.connects.Do(id, func() (interface{}, error) {
		session.mu.Lock()
		defer session.mu.Unlock()
		if session.closed {
			return nil, gateerrors.Transport("ssh_get", id,
				fmt.Errorf("%w: session disconnected", gateerrors.ErrConnectionLost))
		}
		return nil, session.connectLocked(ctx)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Run executes command through the pooled session for id.
func (p *Pool) Run(ctx context.Context, id string, profile Profile, command string) (Outcome, error) {
	session, err := p.Get(ctx, id, profile)
	if err != nil {
		return Outcome{}, err
	}
	return session.Run(ctx, command)
}

// Disconnect tears down the session for id: any pending reconnect timer
// is canceled, the transport is closed, and the bookkeeping entry is
// removed so a later Get performs a fresh connect.
func (p *Pool) Disconnect(id string) {
	p.mu.Lock()
	session, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if !ok {
		return
	}

	session.mu.Lock()
	session.closeLocked()
	session.mu.Unlock()
	log.Info().Str("connection", id).Msg("SSH session disconnected")
}

// CloseAll tears down every pooled session without reconnect attempts.
// For process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
	}
}

// Size reports the number of pooled sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) lookupOrCreate(id string, profile Profile) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if session, ok := p.sessions[id]; ok {
		return session, nil
	}
	if p.maxSessions > 0 && len(p.sessions) >= p.maxSessions {
		return nil, gateerrors.Transport("ssh_get", id,
			fmt.Errorf("%w: %d sessions pooled", gateerrors.ErrPoolExhausted, len(p.sessions)))
	}

	session := &Session{id: id, profile: profile, pool: p}
	p.sessions[id] = session
	return session, nil
}
