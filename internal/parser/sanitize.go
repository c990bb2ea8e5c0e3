package parser

import "strings"

// SanitizeXML repairs the two defects real-world guides commonly carry:
// bare '&' characters that do not start an entity reference are rewritten to
// "&amp;", and C0 control characters other than TAB, LF and CR are dropped.
// CDATA sections and comments are copied as they are apart from control
// characters, since '&' is literal there. Well-formed input is returned
// byte-for-byte unchanged.
func SanitizeXML(s string) string {
	if !needsSanitize(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(s)/64)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '<':
			end := rawSectionEnd(s, i)
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			for j := i; j < end; j++ {
				if !isStrayControl(s[j]) {
					b.WriteByte(s[j])
				}
			}
			i = end - 1
		case c == '&':
			if entityAt(s[i+1:]) {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		case isStrayControl(c):
			// dropped
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func needsSanitize(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '<' {
			if end := rawSectionEnd(s, i); end >= 0 {
				for j := i; j < end; j++ {
					if isStrayControl(s[j]) {
						return true
					}
				}
				i = end - 1
			}
			continue
		}
		if c == '&' && !entityAt(s[i+1:]) {
			return true
		}
		if isStrayControl(c) {
			return true
		}
	}
	return false
}

var rawSections = [...]struct{ open, close string }{
	{"<![CDATA[", "]]>"},
	{"<!--", "-->"},
}

// rawSectionEnd returns the index just past the CDATA section or comment
// starting at s[i], or -1 if none starts there. An unterminated section runs
// to the end of s.
func rawSectionEnd(s string, i int) int {
	for _, r := range rawSections {
		if !strings.HasPrefix(s[i:], r.open) {
			continue
		}
		body := i + len(r.open)
		n := strings.Index(s[body:], r.close)
		if n < 0 {
			return len(s)
		}
		return body + n + len(r.close)
	}
	return -1
}

func isStrayControl(c byte) bool {
	return c < 0x20 && c != '\t' && c != '\n' && c != '\r'
}

var namedEntities = []string{"amp;", "lt;", "gt;", "quot;", "apos;"}

// entityAt reports whether rest (the text after an '&') begins with a
// predefined, decimal or hexadecimal entity reference.
func entityAt(rest string) bool {
	for _, e := range namedEntities {
		if strings.HasPrefix(rest, e) {
			return true
		}
	}
	if !strings.HasPrefix(rest, "#") {
		return false
	}
	rest = rest[1:]
	isDigit := func(c byte) bool { return c >= '0' && c <= '9' }
	if strings.HasPrefix(rest, "x") {
		rest = rest[1:]
		isDigit = func(c byte) bool {
			return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		}
	}
	n := 0
	for n < len(rest) && isDigit(rest[n]) {
		n++
	}
	return n > 0 && n < len(rest) && rest[n] == ';'
}
