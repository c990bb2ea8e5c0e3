package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const xmltvLayout = "20060102150405"

// ParseXMLTVTime parses the compact guide timestamp form "YYYYMMDDHHMMSS"
// with an optional "+HHMM"/"-HHMM" offset, separated by at most whitespace.
// A missing offset is read as UTC. The result is normalized to UTC.
func ParseXMLTVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) < len(xmltvLayout) {
		return time.Time{}, fmt.Errorf("timestamp %q: too short", s)
	}
	base, offset := s[:len(xmltvLayout)], strings.TrimSpace(s[len(xmltvLayout):])
	if !allDigits(base) {
		return time.Time{}, fmt.Errorf("timestamp %q: non-digit in date", s)
	}

	loc := time.UTC
	if offset != "" {
		if len(offset) != 5 || (offset[0] != '+' && offset[0] != '-') || !allDigits(offset[1:]) {
			return time.Time{}, fmt.Errorf("timestamp %q: bad offset %q", s, offset)
		}
		h, _ := strconv.Atoi(offset[1:3])
		m, _ := strconv.Atoi(offset[3:5])
		if h > 23 || m > 59 {
			return time.Time{}, fmt.Errorf("timestamp %q: offset out of range", s)
		}
		secs := h*3600 + m*60
		if offset[0] == '-' {
			secs = -secs
		}
		loc = time.FixedZone(offset, secs)
	}

	t, err := time.ParseInLocation(xmltvLayout, base, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
