package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	gateerrors "github.com/shellgate/shellgate/internal/errors"
)

// transport abstracts the live connection so tests can substitute a fake.
type transport interface {
	// Run executes one remote command and returns both streams and the
	// remote exit code (zero when the transport supplies none).
	Run(command string) (stdout, stderr string, exitCode int, err error)
	// Wait blocks until the transport closes, expectedly or not.
	Wait() error
	Close() error
}

// dialFunc establishes a transport for a profile.
type dialFunc func(ctx context.Context, profile Profile) (transport, error)

// dialSSH is the production dialer built on golang.org/x/crypto/ssh.
func dialSSH(ctx context.Context, profile Profile) (transport, error) {
	cfg, err := profile.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: profile.readyTimeout()}
	netConn, err := dialer.DialContext(ctx, "tcp", profile.Addr())
	if err != nil {
		return nil, gateerrors.Transport("ssh_dial", profile.Addr(),
			fmt.Errorf("%w: %w", gateerrors.ErrConnectFailed, err))
	}

	sshConnHandle, chans, reqs, err := ssh.NewClientConn(netConn, profile.Addr(), cfg)
	if err != nil {
		netConn.Close()
		sentinel := gateerrors.ErrConnectFailed
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			sentinel = gateerrors.ErrReadyTimeout
		}
		return nil, gateerrors.Transport("ssh_handshake", profile.Addr(),
			fmt.Errorf("%w: %w", sentinel, err))
	}

	client := ssh.NewClient(sshConnHandle, chans, reqs)
	t := &sshTransport{client: client}

	if profile.KeepaliveInterval > 0 {
		go t.keepalive(profile.KeepaliveInterval, profile.KeepaliveCountMax)
	}
	return t, nil
}

type sshTransport struct {
	client *ssh.Client
}

func (t *sshTransport) Run(command string) (string, string, int, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return "", "", 0, gateerrors.Transport("ssh_session", "open channel",
			fmt.Errorf("%w: %w", gateerrors.ErrConnectionLost, err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := session.Run(command)
	exitCode := 0
	if runErr != nil {
		var exitErr *ssh.ExitError
		var missingErr *ssh.ExitMissingError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitStatus()
		case errors.As(runErr, &missingErr):
			// Remote gave no exit status; treat as success per the
			// transport contract.
			exitCode = 0
		default:
			return stdout.String(), stderr.String(), 0,
				gateerrors.Transport("ssh_run", "remote execution",
					fmt.Errorf("%w: %w", gateerrors.ErrRemoteCommandFailed, runErr))
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

func (t *sshTransport) Wait() error {
	return t.client.Wait()
}

func (t *sshTransport) Close() error {
	return t.client.Close()
}

// keepalive pings the server and tears the connection down after
// countMax consecutive misses, which wakes the pool's watcher.
func (t *sshTransport) keepalive(interval time.Duration, countMax int) {
	if countMax <= 0 {
		countMax = 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for range ticker.C {
		_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			misses++
			if misses >= countMax {
				log.Warn().Int("misses", misses).Msg("SSH keepalive failed, closing transport")
				t.client.Close()
				return
			}
			continue
		}
		misses = 0
	}
}
