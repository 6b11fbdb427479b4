package dbc

import "strings"

// fields splits a schema line on whitespace. A quoted string, a "(...)"
// group and a "[...]" group each form one token even when they contain
// spaces. open reports a quote left unterminated at end of line.
func fields(line string) (toks []string, open bool) {
	i := 0
	for i < len(line) {
		c := line[i]
		if isSpace(c) {
			i++
			continue
		}
		start := i
		switch c {
		case '"':
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				return append(toks, line[start:]), true
			}
			i += end + 2
		case '(', '[':
			closer := byte(')')
			if c == '[' {
				closer = ']'
			}
			end := strings.IndexByte(line[i:], closer)
			if end < 0 {
				i = len(line)
			} else {
				i += end + 1
			}
		default:
			for i < len(line) && !isSpace(line[i]) && !isDelim(line[i]) {
				i++
			}
		}
		toks = append(toks, line[start:i])
	}
	return toks, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\v' || c == '\f'
}

// unquote strips one pair of surrounding double quotes.
func unquote(s string) (string, bool) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", false
	}
	return s[1 : len(s)-1], true
}

// quotesBalanced reports whether s has an even number of double quotes.
func quotesBalanced(s string) bool {
	return strings.Count(s, `"`)%2 == 0
}

func isDelim(c byte) bool {
	return c == '"' || c == '(' || c == '['
}
