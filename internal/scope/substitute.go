package scope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	tokenOpen  = "{{"
	tokenClose = "}}"
)

// Token is one well-formed {{dotted.path}} occurrence in a text.
type Token struct {
	Raw  string // full token including braces
	Path string // trimmed inner dotted path
}

// Tokens scans text and returns every well-formed substitution token in
// order of appearance. Malformed fragments (unclosed braces, nested opens,
// non-path contents) are not tokens and are skipped; substitution leaves
// them untouched for the same reason.
func Tokens(text string) []Token {
	var out []Token
	i := 0
	for i < len(text) {
		open := strings.Index(text[i:], tokenOpen)
		if open < 0 {
			break
		}
		open += i
		end := strings.Index(text[open+len(tokenOpen):], tokenClose)
		if end < 0 {
			break
		}
		end += open + len(tokenOpen)

		inner := text[open+len(tokenOpen) : end]
		if strings.Contains(inner, tokenOpen) {
			i = open + len(tokenOpen)
			continue
		}
		if path := strings.TrimSpace(inner); isPath(path) {
			out = append(out, Token{Raw: text[open : end+len(tokenClose)], Path: path})
		}
		i = end + len(tokenClose)
	}
	return out
}

// Substitute resolves every {{dotted.path}} token in text against the
// scope. This is the lenient runtime pass: tokens that do not resolve are
// left byte-for-byte unchanged and no error is ever raised. The strict
// declared-parameter check lives in the validator, deliberately apart.
func (s *Scope) Substitute(text string) string {
	if !strings.Contains(text, tokenOpen) {
		return text
	}

	var b strings.Builder
	i := 0
	for i < len(text) {
		open := strings.Index(text[i:], tokenOpen)
		if open < 0 {
			b.WriteString(text[i:])
			break
		}
		open += i
		end := strings.Index(text[open+len(tokenOpen):], tokenClose)
		if end < 0 {
			b.WriteString(text[i:])
			break
		}
		end += open + len(tokenOpen)

		inner := text[open+len(tokenOpen) : end]
		if strings.Contains(inner, tokenOpen) {
			// Nested open: emit up to and including this opener, rescan after it.
			b.WriteString(text[i : open+len(tokenOpen)])
			i = open + len(tokenOpen)
			continue
		}

		b.WriteString(text[i:open])
		raw := text[open : end+len(tokenClose)]
		path := strings.TrimSpace(inner)
		if isPath(path) {
			if v, ok := s.resolvePath(strings.Split(path, ".")); ok {
				b.WriteString(stringify(v))
			} else {
				b.WriteString(raw)
			}
		} else {
			b.WriteString(raw)
		}
		i = end + len(tokenClose)
	}
	return b.String()
}

// ResolveValue resolves expr when it consists of exactly one token
// (ignoring surrounding whitespace) and returns the raw, unstringified
// value. ok is false when expr is not a single token or the path does not
// resolve. Loop sources and link input mappings use this so sequences and
// maps survive injection.
func (s *Scope) ResolveValue(expr string) (any, bool) {
	path, ok := wholeTokenPath(expr)
	if !ok {
		return nil, false
	}
	return s.resolvePath(strings.Split(path, "."))
}

// SubstituteDeep returns a copy of params with substitution applied to
// every string leaf, descending through nested maps and slices. A string
// that is exactly one token resolves to the raw value; everything that is
// not a string passes through untouched.
func (s *Scope) SubstituteDeep(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = s.substituteValue(v)
	}
	return out
}

func (s *Scope) substituteValue(v any) any {
	switch val := v.(type) {
	case string:
		if raw, ok := s.ResolveValue(val); ok {
			return raw
		}
		return s.Substitute(val)
	case map[string]any:
		return s.SubstituteDeep(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.substituteValue(item)
		}
		return out
	default:
		return v
	}
}

// wholeTokenPath reports whether text is a single substitution token and
// returns its inner path.
func wholeTokenPath(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, tokenOpen) || !strings.HasSuffix(t, tokenClose) {
		return "", false
	}
	inner := t[len(tokenOpen) : len(t)-len(tokenClose)]
	if strings.Contains(inner, tokenOpen) || strings.Contains(inner, tokenClose) {
		return "", false
	}
	path := strings.TrimSpace(inner)
	if !isPath(path) {
		return "", false
	}
	return path, true
}

// isPath accepts dotted paths of identifier segments. Hyphens are allowed
// because step and parameter names are slug-style.
func isPath(p string) bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(p, ".") {
		if !isPathSegment(seg) {
			return false
		}
	}
	return true
}

func isPathSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r != '_' && r != '-' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// traverse walks the remaining path segments through nested maps and
// slices. Numeric segments index into slices.
func traverse(v any, segments []string) (any, bool) {
	cur := v
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// stringify renders a resolved value for embedding into surrounding text.
// Strings embed as-is; everything else embeds as compact JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
