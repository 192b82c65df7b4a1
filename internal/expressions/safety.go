package expressions

import (
	"github.com/rendis/flowcore/pkg/schema"
)

var deniedKeywords = setOf(
	"if", "else", "for", "while", "do", "switch", "case", "break", "continue",
	"return", "function", "var", "let", "const", "class", "try", "catch",
	"finally", "throw", "new", "delete", "yield", "await", "async", "import",
	"export", "with",
)

var deniedIdentifiers = setOf(
	"globalThis", "global", "window", "self", "process", "require", "import",
	"eval", "Function", "constructor", "__proto__", "prototype", "fetch",
	"XMLHttpRequest", "WebSocket", "child_process", "spawn", "exec", "os",
	"syscall", "net", "http",
)

// Member names rejected even after a dot.
var deniedMembers = setOf("constructor", "__proto__", "prototype")

func setOf(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func unsafeErr(expression, reason string) error {
	return schema.NewErrorf(schema.ErrCodeUnsafeExpression, "unsafe expression: %s", reason).
		WithDetails(map[string]any{"expression": expression, "reason": reason})
}

// checkSafety rejects statements, comments, arrows, assignments and any
// identifier that reaches an ambient capability. String literal contents are
// ignored.
func checkSafety(expression string) error {
	src := blankStrings(expression)

	for i := 0; i < len(src); i++ {
		c := src[i]
		next := byte(0)
		if i+1 < len(src) {
			next = src[i+1]
		}
		prev := byte(0)
		if i > 0 {
			prev = src[i-1]
		}

		switch {
		case c == ';':
			return unsafeErr(expression, "statement separator ';'")
		case c == '/' && (next == '/' || next == '*'):
			return unsafeErr(expression, "comment delimiter")
		case c == '*' && next == '/':
			return unsafeErr(expression, "comment delimiter")
		case c == '=' && next == '>':
			return unsafeErr(expression, "arrow syntax '=>'")
		case c == '=' && next == '=':
			i++
		case c == '=' && (prev == '!' || prev == '<' || prev == '>'):
		case c == '=':
			return unsafeErr(expression, "assignment")
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			if err := checkIdentifier(expression, src[i:j], isMemberAccess(src, i)); err != nil {
				return err
			}
			i = j - 1
		case isDigit(c):
			for i+1 < len(src) && isIdentPart(src[i+1]) {
				i++
			}
		}
	}
	return nil
}

func checkIdentifier(expression, ident string, member bool) error {
	if _, ok := deniedMembers[ident]; ok {
		return unsafeErr(expression, "identifier "+ident)
	}
	if member {
		return nil
	}
	if _, ok := deniedKeywords[ident]; ok {
		return unsafeErr(expression, "keyword "+ident)
	}
	if _, ok := deniedIdentifiers[ident]; ok {
		return unsafeErr(expression, "identifier "+ident)
	}
	return nil
}

// isMemberAccess reports whether the identifier at pos follows a '.' or '?.'.
func isMemberAccess(src string, pos int) bool {
	for k := pos - 1; k >= 0; k-- {
		switch src[k] {
		case ' ', '\t', '\n', '\r':
			continue
		case '.':
			// A ".." range operator is not member access.
			return k == 0 || src[k-1] != '.'
		}
		return false
	}
	return false
}

// blankStrings replaces the contents of quoted literals with spaces, keeping offsets.
func blankStrings(s string) string {
	out := []byte(s)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote == 0 {
			if c == '"' || c == '\'' || c == '`' {
				quote = c
			}
			continue
		}
		switch {
		case c == '\\' && quote != '`':
			out[i] = ' '
			if i+1 < len(out) {
				i++
				out[i] = ' '
			}
		case c == quote:
			quote = 0
		default:
			out[i] = ' '
		}
	}
	return string(out)
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
