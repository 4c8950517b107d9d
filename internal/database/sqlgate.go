package database

import (
	"fmt"
	"strings"
)

// ErrQueryRejected wraps all gate failures so callers can map them to 400.
type ErrQueryRejected struct {
	Reason string
}

func (e *ErrQueryRejected) Error() string {
	return "query rejected: " + e.Reason
}

// forbiddenTokens are statement keywords that never appear in a legitimate
// read-only query. Matched as whole words, case-insensitive, after comment
// stripping.
var forbiddenTokens = []string{
	"insert", "update", "delete", "drop", "create", "alter", "truncate",
	"grant", "revoke", "copy", "vacuum", "reindex", "call", "do",
	"listen", "notify", "set", "reset",
}

// ValidateQuery enforces the read-only SQL gate: after stripping comments the
// statement must begin with SELECT, EXPLAIN, or WITH, contain no statement
// separator outside string literals, and none of the forbidden keywords.
func ValidateQuery(q string) error {
	stripped, err := stripComments(q)
	if err != nil {
		return &ErrQueryRejected{Reason: err.Error()}
	}
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return &ErrQueryRejected{Reason: "empty statement"}
	}

	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "SELECT"),
		strings.HasPrefix(upper, "EXPLAIN"),
		strings.HasPrefix(upper, "WITH"):
	default:
		return &ErrQueryRejected{Reason: "only SELECT, EXPLAIN, or WITH statements are allowed"}
	}

	if hasTopLevelSemicolon(trimmed) {
		return &ErrQueryRejected{Reason: "multiple statements are not allowed"}
	}

	for _, word := range tokenize(trimmed) {
		for _, bad := range forbiddenTokens {
			if word == bad {
				return &ErrQueryRejected{Reason: fmt.Sprintf("forbidden keyword %q", strings.ToUpper(bad))}
			}
		}
	}
	return nil
}

// stripComments removes -- line comments and /* */ block comments while
// leaving string literals intact. An unterminated block comment is an error.
func stripComments(q string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(q) {
		c := q[i]
		switch {
		case c == '\'' || c == '"':
			// Copy the whole literal, honouring doubled quotes ('').
			quote := c
			b.WriteByte(c)
			i++
			for i < len(q) {
				b.WriteByte(q[i])
				if q[i] == quote {
					if i+1 < len(q) && q[i+1] == quote {
						i++
						b.WriteByte(q[i])
					} else {
						break
					}
				}
				i++
			}
			i++
		case c == '-' && i+1 < len(q) && q[i+1] == '-':
			for i < len(q) && q[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			i += 2
			closed := false
			for i+1 < len(q) {
				if q[i] == '*' && q[i+1] == '/' {
					i += 2
					closed = true
					break
				}
				i++
			}
			if !closed {
				return "", fmt.Errorf("unterminated block comment")
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// hasTopLevelSemicolon reports whether q contains a ';' outside string
// literals, ignoring a single trailing one.
func hasTopLevelSemicolon(q string) bool {
	q = strings.TrimRight(strings.TrimSpace(q), ";")
	inString := false
	var quote byte
	for i := 0; i < len(q); i++ {
		c := q[i]
		if inString {
			if c == quote {
				inString = false
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = true
			quote = c
		case ';':
			return true
		}
	}
	return false
}

// tokenize splits a statement into lowercase identifier-ish words, skipping
// string literals so 'DROP TABLE' as data does not trip the gate.
func tokenize(q string) []string {
	var words []string
	var cur strings.Builder
	inString := false
	var quote byte

	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}

	for i := 0; i < len(q); i++ {
		c := q[i]
		if inString {
			if c == quote {
				inString = false
			}
			continue
		}
		switch {
		case c == '\'' || c == '"':
			flush()
			inString = true
			quote = c
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			cur.WriteByte(c)
		default:
			flush()
		}
	}
	flush()
	return words
}
