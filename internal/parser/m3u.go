package parser

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/voyagen/popcornguide/internal/models"
)

var (
	reAttr = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)

	categoryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("popcornguide:category"))
)

// PlaylistResult is the canonical output of ParsePlaylist. Channels keep
// playlist order; Categories keep first-occurrence order.
type PlaylistResult struct {
	Channels   []models.Channel
	Categories []models.Category
	GuideURL   *string
	Warnings   []EntryError
}

type pendingEntry struct {
	line   int
	extinf string
	group  string
}

// ParsePlaylist reads an extended M3U playlist from r. Malformed entries are
// skipped and reported in Warnings; only a read failure fails the document.
func ParsePlaylist(r io.Reader) (*PlaylistResult, error) {
	res := &PlaylistResult{}
	scanner := bufio.NewScanner(r)
	// Handle long lines (some M3U have very long EXTINF lines).
	const maxSize = 1024 * 1024
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxSize)

	seenChannels := make(map[string]bool)
	seenCategories := make(map[string]bool)

	var pending *pendingEntry
	lineNo := 0
	ordinal := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, byteOrderMark)
		}

		switch {
		case line == "":
			continue
		case hasPrefixFold(line, "#EXTM3U"):
			if res.GuideURL == nil {
				res.GuideURL = guideURLFromHeader(line)
			}
		case hasPrefixFold(line, "#EXTINF"):
			if pending != nil {
				res.Warnings = append(res.Warnings, entryError(pending.line, "info line without stream URL"))
			}
			pending = &pendingEntry{line: lineNo, extinf: line}
		case hasPrefixFold(line, "#EXTGRP:"):
			if pending != nil {
				pending.group = strings.TrimSpace(line[len("#EXTGRP:"):])
			}
		case strings.HasPrefix(line, "#"):
			// EXTVLCOPT, KODIPROP and other directives carry nothing we persist.
			continue
		default:
			if pending == nil {
				res.Warnings = append(res.Warnings, entryError(lineNo, "stream URL without info line"))
				continue
			}
			ordinal++
			ch, group := channelFromEXTINF(pending, line, ordinal)
			pending = nil

			if seenChannels[ch.ID] {
				res.Warnings = append(res.Warnings, entryError(lineNo, "duplicate channel id %q", ch.ID))
				continue
			}
			seenChannels[ch.ID] = true

			if group != "" {
				catID := CategoryID(group)
				ch.CategoryID = &catID
				if !seenCategories[catID] {
					seenCategories[catID] = true
					res.Categories = append(res.Categories, models.Category{ID: catID, Name: group})
				}
			}
			ch.Position = len(res.Channels)
			res.Channels = append(res.Channels, ch)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Format: FormatPlaylist, Err: err}
	}
	if pending != nil {
		res.Warnings = append(res.Warnings, entryError(pending.line, "info line without stream URL"))
	}
	return res, nil
}

// CategoryID returns the stable category id for a group tag.
func CategoryID(group string) string {
	return uuid.NewSHA1(categoryNamespace, []byte(group)).String()
}

// channelFromEXTINF builds a channel from an info line and its URL line and
// returns the group tag separately.
func channelFromEXTINF(p *pendingEntry, url string, ordinal int) (models.Channel, string) {
	head, title := splitEXTINF(p.extinf)
	attrs := parseAttrs(head)

	name := attrs["tvg-name"]
	if name == "" {
		name = title
	}
	if name == "" {
		name = attrs["tvg-id"]
	}
	id := attrs["tvg-id"]
	if id == "" {
		id = synthesizeID(name, ordinal)
	}
	if name == "" {
		name = id
	}

	group := attrs["group-title"]
	if group == "" {
		group = p.group
	}

	ch := models.Channel{
		ID:        id,
		Name:      name,
		StreamURL: url,
	}
	if logo := attrs["tvg-logo"]; logo != "" {
		ch.LogoURL = &logo
	}
	return ch, group
}

// splitEXTINF separates "#EXTINF:-1 k="v",Title" into the attribute part and
// the title, splitting on the first comma outside quotes.
func splitEXTINF(line string) (head, title string) {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		line = line[i+1:]
	}
	inQuotes := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				return line[:i], strings.TrimSpace(line[i+1:])
			}
		}
	}
	return line, ""
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range reAttr.FindAllStringSubmatch(s, -1) {
		key := strings.ToLower(m[1])
		if _, ok := attrs[key]; ok {
			continue
		}
		attrs[key] = strings.TrimSpace(m[2])
	}
	return attrs
}

// guideURLFromHeader extracts the guide URL from the #EXTM3U header attributes.
// Some providers list several comma-separated guides; the first one is used.
func guideURLFromHeader(line string) *string {
	attrs := parseAttrs(line)
	for _, key := range []string{"x-tvg-url", "url-tvg", "tvg-url"} {
		for _, u := range strings.Split(attrs[key], ",") {
			if u = strings.TrimSpace(u); u != "" {
				return &u
			}
		}
	}
	return nil
}

func synthesizeID(name string, ordinal int) string {
	slug := slugify(name)
	if slug == "" {
		slug = "channel"
	}
	return slug + "-" + strconv.Itoa(ordinal)
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
