package policy

import (
	"fmt"
	"strings"

	gateerrors "github.com/shellgate/shellgate/internal/errors"
	"github.com/shellgate/shellgate/internal/winpath"
)

// CanonicalizeRoots normalizes allowed directory roots into a
// deduplicated, non-nested set. Each root is canonicalized, lower-cased
// and stripped of its trailing separator; exact duplicates are dropped,
// and any root that lives under another surviving root is dropped no
// matter the input order. The invariant this buys: no entry is an
// ancestor of another, so IsAllowed stays a single linear prefix scan.
func CanonicalizeRoots(roots []string) []string {
	kept := make([]string, 0, len(roots))
	for _, raw := range roots {
		candidate := comparableForm(raw)
		if candidate == "" {
			continue
		}

		redundant := false
		next := kept[:0]
		for _, existing := range kept {
			if existing == candidate || isProperDescendant(candidate, existing) {
				redundant = true
			}
			// A previously kept root that becomes a descendant of the
			// new one is evicted.
			if !isProperDescendant(existing, candidate) {
				next = append(next, existing)
			}
		}
		kept = next
		if !redundant {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// IsAllowed reports whether candidate equals one of the canonical roots
// or sits beneath one on a separator boundary. C:\Users\testXYZ does not
// match a root of C:\Users\test.
func IsAllowed(candidate string, roots []string) bool {
	c := comparableForm(candidate)
	for _, root := range roots {
		if c == root || strings.HasPrefix(c, root+winpath.Sep) {
			return true
		}
	}
	return false
}

// EnforceWorkingDirectory validates dir against the allow-list. A
// non-absolute dir is rejected regardless of the restriction setting; an
// absolute dir outside every root is rejected only when restriction is
// enabled. The returned error names the allowed roots so the caller can
// self-correct.
func EnforceWorkingDirectory(dir string, roots []string, restricted bool) error {
	if !winpath.IsAbsolute(dir) {
		return gateerrors.Validation("enforce_working_directory", "path_not_absolute",
			fmt.Sprintf("%q is not an absolute path", dir), gateerrors.ErrPathNotAbsolute)
	}
	if restricted && !IsAllowed(dir, roots) {
		return gateerrors.Validation("enforce_working_directory", "path_outside_roots",
			fmt.Sprintf("%q is not under any allowed path (allowed: %s)", dir, strings.Join(roots, ", ")),
			gateerrors.ErrPathOutsideRoots)
	}
	return nil
}

// comparableForm is the spelling used for all allow-list comparisons:
// canonical, lower-case, no trailing separator.
func comparableForm(p string) string {
	n := strings.ToLower(winpath.Normalize(p))
	if len(n) > 1 {
		n = strings.TrimSuffix(n, winpath.Sep)
	}
	return n
}

// isProperDescendant reports whether child lives strictly under parent on
// a separator boundary.
func isProperDescendant(child, parent string) bool {
	return child != parent && strings.HasPrefix(child, parent+winpath.Sep)
}
