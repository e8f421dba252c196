package reconcile

import (
	"strings"
	"unicode"
)

// ExtractJSON pulls the first JSON object out of model output. Markdown code
// fences are stripped first. When the object never closes, everything from
// the opening brace on is returned so RepairJSON can close it.
func ExtractJSON(text string) (string, bool) {
	s := stripFences(strings.TrimSpace(text))

	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return strings.TrimSpace(s[start:]), true
}

func stripFences(s string) string {
	open := strings.Index(s, "```")
	if open == -1 {
		return s
	}
	body := s[open+3:]
	// Drop the info string ("json") on the opening fence line.
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		body = body[nl+1:]
	} else {
		return s
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	if strings.IndexByte(body, '{') == -1 {
		return s
	}
	return strings.TrimSpace(body)
}

// RepairJSON makes a best-effort pass over almost-JSON. It handles trailing
// commas, unquoted keys, single-quoted strings, Python literals, comments and
// unclosed strings, objects and arrays. The result is not guaranteed to parse.
func RepairJSON(s string) string {
	var (
		out   strings.Builder
		stack []byte
		quote byte // active string delimiter, 0 outside strings
	)
	out.Grow(len(s) + 8)

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if quote != 0 {
			switch {
			case ch == '\\' && i+1 < len(s):
				next := s[i+1]
				if quote == '\'' && next == '\'' {
					out.WriteByte('\'')
				} else {
					out.WriteByte('\\')
					out.WriteByte(next)
				}
				i++
			case ch == quote:
				out.WriteByte('"')
				quote = 0
			case ch == '"':
				out.WriteString(`\"`)
			case ch == '\n':
				out.WriteString(`\n`)
			case ch == '\r':
				out.WriteString(`\r`)
			case ch == '\t':
				out.WriteString(`\t`)
			default:
				out.WriteByte(ch)
			}
			continue
		}

		switch {
		case ch == '"' || ch == '\'':
			quote = ch
			out.WriteByte('"')
		case ch == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end == -1 {
				i = len(s)
			} else {
				i += end + 3
			}
		case ch == '#':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case ch == '{' || ch == '[':
			stack = append(stack, ch)
			out.WriteByte(ch)
		case ch == '}' || ch == ']':
			trimTrailingComma(&out)
			if n := len(stack); n > 0 && matches(stack[n-1], ch) {
				stack = stack[:n-1]
			}
			out.WriteByte(ch)
		case isIdentStart(ch):
			j := i
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			word := s[i:j]
			i = j - 1
			if lit, ok := literal(word); ok {
				out.WriteString(lit)
			} else if followsDigit(&out) && (word[0] == 'e' || word[0] == 'E') {
				// Exponent of a number such as 1e5.
				out.WriteString(word)
			} else {
				// Bare keys and bare enum-like values both become strings.
				out.WriteByte('"')
				out.WriteString(word)
				out.WriteByte('"')
			}
		default:
			out.WriteByte(ch)
		}
	}

	if quote != 0 {
		out.WriteByte('"')
	}
	if strings.HasSuffix(strings.TrimRightFunc(out.String(), unicode.IsSpace), ":") {
		out.WriteString(" null")
	}
	for n := len(stack) - 1; n >= 0; n-- {
		trimTrailingComma(&out)
		if stack[n] == '{' {
			out.WriteByte('}')
		} else {
			out.WriteByte(']')
		}
	}
	return out.String()
}

func trimTrailingComma(b *strings.Builder) {
	cur := b.String()
	trimmed := strings.TrimRightFunc(cur, unicode.IsSpace)
	if strings.HasSuffix(trimmed, ",") {
		b.Reset()
		b.WriteString(trimmed[:len(trimmed)-1])
	}
}

func matches(open, close byte) bool {
	return (open == '{' && close == '}') || (open == '[' && close == ']')
}

func literal(word string) (string, bool) {
	switch word {
	case "true", "True", "TRUE":
		return "true", true
	case "false", "False", "FALSE":
		return "false", true
	case "null", "None", "nil", "NULL", "undefined":
		return "null", true
	}
	return "", false
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch == '$' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9') || ch == '-'
}

func followsDigit(b *strings.Builder) bool {
	cur := b.String()
	return len(cur) > 0 && cur[len(cur)-1] >= '0' && cur[len(cur)-1] <= '9'
}
