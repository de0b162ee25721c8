// Package shellparse splits raw command strings into an executable token
// and argument tokens ahead of policy evaluation.
package shellparse

import (
	"strings"
)

// ParsedCommand is the tokenized form of one raw command string.
type ParsedCommand struct {
	Executable string
	Args       []string
}

// executable suffixes that terminate a space-containing Windows path.
var execSuffixes = []string{".exe", ".cmd", ".bat"}

// Tokenize splits raw on whitespace outside single- or double-quoted
// spans. Quote characters are consumed; a quoted span ends at the next
// quote of the same kind. An empty input yields an empty Executable,
// which callers must reject as invalid rather than treat as a no-op.
//
// If the first token looks like a path, consecutive tokens are
// re-assembled into a single executable token until one ends in a
// recognized executable suffix. This lets an unquoted path such as
// C:\Program Files\Git\bin\bash.exe survive tokenization as one
// executable. When no suffix is ever reached the plain first token wins.
func Tokenize(raw string) ParsedCommand {
	tokens := splitQuoted(strings.TrimSpace(raw))
	if len(tokens) == 0 {
		return ParsedCommand{}
	}

	if hasPathSeparator(tokens[0]) && !HasExecSuffix(tokens[0]) {
		joined := tokens[0]
		for i := 1; i < len(tokens); i++ {
			joined = joined + " " + tokens[i]
			if HasExecSuffix(joined) {
				return ParsedCommand{Executable: joined, Args: rest(tokens, i+1)}
			}
		}
		// No suffix found anywhere: degrade to plain splitting.
	}

	return ParsedCommand{Executable: tokens[0], Args: rest(tokens, 1)}
}

func rest(tokens []string, from int) []string {
	if from >= len(tokens) {
		return nil
	}
	return tokens[from:]
}

// splitQuoted splits on unquoted whitespace, consuming quote characters.
func splitQuoted(raw string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false
	var quoteChar byte

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case (c == '"' || c == '\'') && (!inQuotes || c == quoteChar):
			if inQuotes {
				inQuotes = false
				quoteChar = 0
			} else {
				inQuotes = true
				quoteChar = c
			}
		case (c == ' ' || c == '\t') && !inQuotes:
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// HasExecSuffix reports whether token ends in .exe, .cmd or .bat.
func HasExecSuffix(token string) bool {
	lower := strings.ToLower(token)
	for _, suffix := range execSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func hasPathSeparator(token string) bool {
	return strings.ContainsAny(token, `\/`)
}
