package parser

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnrecognizedFormat is returned when content cannot be classified as a
	// playlist or guide document.
	ErrUnrecognizedFormat = errors.New("unrecognized format")

	// ErrMalformedEntry marks a single invalid playlist or guide record. Entry
	// errors are collected as warnings; they never fail a whole document.
	ErrMalformedEntry = errors.New("malformed entry")
)

// EntryError describes a skipped playlist or guide entry.
type EntryError struct {
	Line   int    `json:"line,omitempty"`
	Reason string `json:"reason"`
}

func (e *EntryError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return e.Reason
}

func (e *EntryError) Unwrap() error { return ErrMalformedEntry }

// ParseError is a structural failure of a whole document.
type ParseError struct {
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func entryError(line int, format string, args ...any) EntryError {
	return EntryError{Line: line, Reason: fmt.Sprintf(format, args...)}
}

// Summarize renders at most max warnings as one line for logs.
func Summarize(warnings []EntryError, max int) string {
	if len(warnings) == 0 {
		return ""
	}
	var b strings.Builder
	for i, w := range warnings {
		if i == max {
			fmt.Fprintf(&b, "; ... %d more", len(warnings)-max)
			break
		}
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(w.Error())
	}
	return b.String()
}
