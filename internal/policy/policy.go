// Package policy decides whether a requested command may run. It owns the
// allow-list of working-directory roots and the blocklists for executable
// names, argument tokens and shell operators.
//
// Policy values are immutable snapshots: configuration reload builds a new
// Snapshot and swaps it atomically, so a request never observes a
// half-updated rule set.
package policy

import (
	"time"
)

// ShellProfile is the fixed launch recipe and operator rules for one
// supported local shell. Immutable once loaded.
type ShellProfile struct {
	Name             string
	Enabled          bool
	Executable       string
	BaseArgs         []string // fixed leading args, e.g. ["-c"] or ["/c"]
	BlockedOperators []string // raw tokens forbidden anywhere in the command
}

// Security is the administrator-defined rule set applied to every request.
type Security struct {
	MaxCommandLength          int
	BlockedCommands           []string
	BlockedArguments          []string
	AllowedPaths              []string // canonicalized by CanonicalizeRoots
	RestrictWorkingDirectory  bool
	CommandTimeout            time.Duration
	EnableInjectionProtection bool
}

// Snapshot bundles everything a single request is validated against.
type Snapshot struct {
	Security Security
	Shells   map[string]ShellProfile
}

// Shell looks up an enabled shell profile by name.
func (s *Snapshot) Shell(name string) (ShellProfile, bool) {
	profile, ok := s.Shells[name]
	if !ok || !profile.Enabled {
		return ShellProfile{}, false
	}
	return profile, true
}
