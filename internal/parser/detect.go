package parser

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Format identifies which parser applies to a content blob.
type Format int

const (
	FormatUnknown Format = iota
	FormatPlaylist
	FormatXMLGuide
	FormatJSONGuide
)

func (f Format) String() string {
	switch f {
	case FormatPlaylist:
		return "playlist"
	case FormatXMLGuide:
		return "xml guide"
	case FormatJSONGuide:
		return "json guide"
	default:
		return "unknown"
	}
}

// IsGuide reports whether f is one of the guide dialects.
func (f Format) IsGuide() bool {
	return f == FormatXMLGuide || f == FormatJSONGuide
}

const (
	playlistDirective = "#EXTM3U"
	byteOrderMark     = "\ufeff"
)

// Detect sniffs the leading token of content. It never parses the document.
func Detect(content string) (Format, error) {
	s := strings.TrimPrefix(content, byteOrderMark)
	s = strings.TrimLeft(s, " \t\r\n")
	if s == "" {
		return FormatUnknown, fmt.Errorf("%w: empty content", ErrUnrecognizedFormat)
	}
	switch s[0] {
	case '<':
		return FormatXMLGuide, nil
	case '{':
		return FormatJSONGuide, nil
	}
	if len(s) >= len(playlistDirective) && strings.EqualFold(s[:len(playlistDirective)], playlistDirective) {
		return FormatPlaylist, nil
	}
	return FormatUnknown, fmt.Errorf("%w: unexpected leading %q", ErrUnrecognizedFormat, leadingToken(s))
}

// DetectPlaylist is Detect restricted to the playlist flow.
func DetectPlaylist(content string) error {
	f, err := Detect(content)
	if err != nil {
		return err
	}
	if f != FormatPlaylist {
		return fmt.Errorf("%w: expected playlist, got %s", ErrUnrecognizedFormat, f)
	}
	return nil
}

// DetectGuide is Detect restricted to the guide flow.
func DetectGuide(content string) (Format, error) {
	f, err := Detect(content)
	if err != nil {
		return FormatUnknown, err
	}
	if !f.IsGuide() {
		return FormatUnknown, fmt.Errorf("%w: expected guide, got %s", ErrUnrecognizedFormat, f)
	}
	return f, nil
}

func leadingToken(s string) string {
	const max = 16
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 && i < max {
		return s[:i]
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
