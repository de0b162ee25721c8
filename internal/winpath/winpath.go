// Package winpath canonicalizes Windows-style path spellings so policy
// comparisons always see one representation. It is pure string
// manipulation and does not consult the local filesystem, which keeps the
// result identical on every host OS.
package winpath

import (
	"strings"
)

// Sep is the canonical separator used in normalized output.
const Sep = `\`

// DefaultDrive is assumed for paths that start with a bare separator.
const DefaultDrive = "C:"

// Normalize converts any accepted path spelling into the canonical form.
// It is idempotent and side-effect free. The rules, in order:
//
//  1. forward slashes become backslashes
//  2. a POSIX-style drive marker (\c\...) becomes an upper-cased C:\...
//  3. UNC paths (\\server\share) keep their form
//  4. a leading separator with no drive is rooted at the default drive
//  5. dot segments are resolved and repeated separators collapse
//  6. the drive letter is upper-cased
//  7. a trailing separator survives iff the input had one; a bare drive
//     root always carries one
func Normalize(path string) string {
	p := strings.ReplaceAll(strings.TrimSpace(path), "/", Sep)
	if p == "" {
		return ""
	}

	unc := strings.HasPrefix(p, Sep+Sep)
	hadTrailing := strings.HasSuffix(p, Sep) && len(p) > 1

	var root string
	switch {
	case unc:
		// \\server\share\... — server and share are part of the root.
		root = Sep + Sep
		p = strings.TrimPrefix(p, Sep+Sep)
	case isPosixDriveMarker(p):
		// \c\Users → C:\Users
		root = strings.ToUpper(string(p[1])) + ":" + Sep
		p = strings.TrimPrefix(p[2:], Sep)
	case hasDrivePrefix(p):
		root = strings.ToUpper(string(p[0])) + ":" + Sep
		p = strings.TrimPrefix(p[2:], Sep)
	case strings.HasPrefix(p, Sep):
		// Bare leading separator: assume the default drive.
		root = DefaultDrive + Sep
		p = strings.TrimPrefix(p, Sep)
	default:
		root = ""
	}

	segments := resolveSegments(strings.Split(p, Sep), root != "")
	out := root + strings.Join(segments, Sep)

	if out == "" {
		return "."
	}
	if isDriveRoot(out) {
		// C: → C:\ ; the bare drive root always keeps its separator.
		if !strings.HasSuffix(out, Sep) {
			out += Sep
		}
		return out
	}
	if hadTrailing && !strings.HasSuffix(out, Sep) {
		out += Sep
	}
	return out
}

// resolveSegments drops empty and "." segments and resolves "..". For
// rooted paths a ".." at the top is discarded rather than escaping the
// root; for relative paths it is preserved.
func resolveSegments(raw []string, rooted bool) []string {
	out := make([]string, 0, len(raw))
	for _, seg := range raw {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
			} else if !rooted {
				out = append(out, "..")
			}
		default:
			out = append(out, seg)
		}
	}
	return out
}

// IsAbsolute reports whether p is drive-letter-absolute or UNC. Policy
// enforcement requires absolute working directories regardless of the
// restriction setting.
func IsAbsolute(p string) bool {
	p = strings.ReplaceAll(strings.TrimSpace(p), "/", Sep)
	if strings.HasPrefix(p, Sep+Sep) {
		return true
	}
	// A bare separator or POSIX drive marker normalizes to an absolute
	// path, so accept those spellings too.
	if strings.HasPrefix(p, Sep) {
		return true
	}
	return hasDrivePrefix(p)
}

// isPosixDriveMarker matches \X\... only: one letter between separators.
// A bare \x is not a marker; it is a single-letter path on the default
// drive and falls under the bare-leading-separator rule.
func isPosixDriveMarker(p string) bool {
	return len(p) >= 3 && p[0] == Sep[0] && isDriveLetter(p[1]) && p[2] == Sep[0]
}

func hasDrivePrefix(p string) bool {
	return len(p) >= 2 && isDriveLetter(p[0]) && p[1] == ':'
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// isDriveRoot matches C: and C:\ spellings.
func isDriveRoot(p string) bool {
	switch len(p) {
	case 2:
		return hasDrivePrefix(p)
	case 3:
		return hasDrivePrefix(p) && p[2] == Sep[0]
	default:
		return false
	}
}
