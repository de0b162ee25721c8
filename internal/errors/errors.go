package errors

import (
	"errors"
	"fmt"
)

// Validation errors. All of these are raised before any process or
// transport is touched and are never retried.
var (
	ErrCommandBlocked    = errors.New("command is blocked")
	ErrArgumentBlocked   = errors.New("argument is blocked")
	ErrOperatorBlocked   = errors.New("operator is blocked")
	ErrCommandTooLong    = errors.New("command exceeds maximum length")
	ErrEmptyCommand      = errors.New("command is empty")
	ErrPathNotAbsolute   = errors.New("working directory must be an absolute path")
	ErrPathOutsideRoots  = errors.New("working directory outside allowed paths")
	ErrUnknownShell      = errors.New("unknown or disabled shell")
	ErrUnknownConnection = errors.New("unknown ssh connection")
	ErrMissingCredential = errors.New("no password or private key configured")
)

// Execution errors.
var (
	ErrSpawnFailed      = errors.New("failed to start process")
	ErrStreamInitFailed = errors.New("failed to open output stream")
	ErrTimeout          = errors.New("command timed out")
)

// Transport errors (SSH).
var (
	ErrConnectFailed       = errors.New("ssh connect failed")
	ErrReadyTimeout        = errors.New("ssh connection not ready in time")
	ErrConnectionLost      = errors.New("ssh connection lost")
	ErrRemoteCommandFailed = errors.New("remote command failed")
	ErrPoolExhausted       = errors.New("ssh session limit reached")
)

// Kind categorizes an error for metrics labels and API responses.
type Kind string

const (
	KindValidation Kind = "validation"
	KindExecution  Kind = "execution"
	KindTransport  Kind = "transport"
	KindInternal   Kind = "internal"
)

// GatewayError is a structured error carrying the failed operation and
// enough detail for the caller to self-correct. Detail never contains
// credential material.
type GatewayError struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "execute_local"
	Rule   string // validation rule or transport phase, e.g. "blocked_command"
	Detail string // human-readable specifics (which term, which roots)
	Err    error  // underlying sentinel or wrapped error
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Validation wraps a sentinel as a validation failure.
func Validation(op, rule, detail string, err error) *GatewayError {
	return &GatewayError{Kind: KindValidation, Op: op, Rule: rule, Detail: detail, Err: err}
}

// Execution wraps a sentinel as an execution failure.
func Execution(op, detail string, err error) *GatewayError {
	return &GatewayError{Kind: KindExecution, Op: op, Detail: detail, Err: err}
}

// Transport wraps a sentinel as an SSH transport failure.
func Transport(op, detail string, err error) *GatewayError {
	return &GatewayError{Kind: KindTransport, Op: op, Detail: detail, Err: err}
}

// KindOf extracts the category of err, defaulting to internal.
func KindOf(err error) Kind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// RuleOf extracts the validation rule label, empty if not a GatewayError.
func RuleOf(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Rule
	}
	return ""
}

// IsValidation reports whether err was rejected by the policy layer.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}
