package policy

import (
	"fmt"
	"strings"

	gateerrors "github.com/shellgate/shellgate/internal/errors"
)

var blockedSuffixes = []string{".exe", ".cmd", ".bat"}

// ExtractBaseName strips directory components and one trailing recognized
// executable extension, case-folded. C:\Windows\System32\RM.EXE → rm.
func ExtractBaseName(executable string) string {
	name := strings.ToLower(baseName(executable))
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

// IsCommandBlocked reports whether the executable token's base name
// matches a blocked entry, either exactly or with a recognized extension
// appended. Whole-name match only: blocking "rm" catches RM.EXE and
// C:\x\rm.cmd but never warm_dir.
func IsCommandBlocked(executable string, blocked []string) bool {
	name := strings.ToLower(baseName(executable))
	stripped := ExtractBaseName(executable)
	for _, entry := range blocked {
		e := strings.ToLower(entry)
		if name == e || stripped == e {
			return true
		}
		for _, suffix := range blockedSuffixes {
			if name == e+suffix {
				return true
			}
		}
	}
	return false
}

// IsArgumentBlocked reports whether any single argument token equals a
// blocked pattern, case-insensitively. Each token is compared in full;
// -rf is caught, -rfoo is not.
func IsArgumentBlocked(args []string, blocked []string) bool {
	for _, arg := range args {
		a := strings.ToLower(arg)
		for _, entry := range blocked {
			if a == strings.ToLower(entry) {
				return true
			}
		}
	}
	return false
}

// CheckOperators scans the raw, untokenized command for the shell
// profile's blocked operator tokens. The scan is deliberately
// string-level, inside quotes included: shell-aware parsing here would
// just be a bypass surface. A profile permits a benign operator by
// leaving it out of its blocked set.
func CheckOperators(rawCommand string, shell ShellProfile, protectionEnabled bool) error {
	if !protectionEnabled {
		return nil
	}
	for _, op := range shell.BlockedOperators {
		if op != "" && strings.Contains(rawCommand, op) {
			return gateerrors.Validation("check_operators", "blocked_operator",
				fmt.Sprintf("operator %q is not allowed for shell %s", op, shell.Name),
				gateerrors.ErrOperatorBlocked)
		}
	}
	return nil
}

// CheckLength rejects commands longer than the configured maximum.
func CheckLength(rawCommand string, maxLength int) error {
	if maxLength > 0 && len(rawCommand) > maxLength {
		return gateerrors.Validation("check_length", "command_too_long",
			fmt.Sprintf("command length %d exceeds maximum %d", len(rawCommand), maxLength),
			gateerrors.ErrCommandTooLong)
	}
	return nil
}

// baseName returns the final path component, accepting both separators.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[i+1:]
	}
	return p
}
