package sshpool

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	gateerrors "github.com/shellgate/shellgate/internal/errors"
)

// DefaultReadyTimeout bounds connection establishment when a profile does
// not set its own.
const DefaultReadyTimeout = 20 * time.Second

// Profile describes one named remote connection. The pool only reads
// credentials, never mutates or logs them.
type Profile struct {
	Host              string
	Port              int
	Username          string
	Password          string
	PrivateKeyPath    string
	KeepaliveInterval time.Duration
	KeepaliveCountMax int
	ReadyTimeout      time.Duration
}

// Addr returns host:port with the SSH default port applied.
func (p Profile) Addr() string {
	port := p.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", p.Host, port)
}

func (p Profile) readyTimeout() time.Duration {
	if p.ReadyTimeout > 0 {
		return p.ReadyTimeout
	}
	return DefaultReadyTimeout
}

// clientConfig resolves authentication for the profile. Exactly one of
// password or private key must be usable; password wins when both are
// set. Absence of both is a configuration error surfaced here, at
// connect time.
func (p Profile) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	switch {
	case p.Password != "":
		methods = append(methods, ssh.Password(p.Password))
	case p.PrivateKeyPath != "":
		keyBytes, err := os.ReadFile(p.PrivateKeyPath)
		if err != nil {
			return nil, gateerrors.Transport("ssh_auth",
				fmt.Sprintf("read private key for %s", p.Host),
				fmt.Errorf("%w: %w", gateerrors.ErrConnectFailed, err))
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, gateerrors.Transport("ssh_auth",
				fmt.Sprintf("parse private key for %s", p.Host),
				fmt.Errorf("%w: %w", gateerrors.ErrConnectFailed, err))
		}
		methods = append(methods, ssh.PublicKeys(signer))
	default:
		return nil, gateerrors.Validation("ssh_auth", "missing_credential",
			fmt.Sprintf("connection to %s has neither password nor private key", p.Host),
			gateerrors.ErrMissingCredential)
	}

	return &ssh.ClientConfig{
		User: p.Username,
		Auth: methods,
		// Host key pinning is the deployment's job (known_hosts on the
		// gateway host); the pool accepts whatever key the transport
		// presents.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.readyTimeout(),
	}, nil
}
