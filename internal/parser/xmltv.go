package parser

import (
	"encoding/xml"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/voyagen/popcornguide/internal/models"
	"golang.org/x/net/html/charset"
)

// GuideResult is the canonical output of the guide parsers.
type GuideResult struct {
	Programs []models.Program
	// Channels maps guide channel ids to their first display name (XML only).
	Channels map[string]string
	Warnings []EntryError
}

type xmlText struct {
	Lang  string `xml:"lang,attr"`
	Value string `xml:",chardata"`
}

type xmlIcon struct {
	Src string `xml:"src,attr"`
}

type xmlPerson struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlCredits struct {
	People []xmlPerson `xml:",any"`
}

type xmlProgramme struct {
	Start      string      `xml:"start,attr"`
	Stop       string      `xml:"stop,attr"`
	Channel    string      `xml:"channel,attr"`
	Titles     []xmlText   `xml:"title"`
	Descs      []xmlText   `xml:"desc"`
	Categories []xmlText   `xml:"category"`
	Icons      []xmlIcon   `xml:"icon"`
	Credits    *xmlCredits `xml:"credits"`
}

type xmlChannel struct {
	ID           string    `xml:"id,attr"`
	DisplayNames []xmlText `xml:"display-name"`
}

// openEnded is a programme without a stop attribute; its end is taken from
// the next programme on the same channel.
type openEnded struct {
	index int
	line  int
}

// ParseXMLGuide parses an XMLTV document. The text is sanitized first (see
// SanitizeXML), then decoded one element at a time. Entries with unusable
// timestamps are dropped individually and reported in Warnings; a decode
// failure of the document itself is returned as *ParseError.
func ParseXMLGuide(r io.Reader) (*GuideResult, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Format: FormatXMLGuide, Err: err}
	}

	dec := xml.NewDecoder(strings.NewReader(SanitizeXML(string(raw))))
	dec.CharsetReader = charset.NewReaderLabel

	res := &GuideResult{Channels: make(map[string]string)}
	var pendingStops []openEnded
	sawElement := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Format: FormatXMLGuide, Err: err}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawElement = true
		line, _ := dec.InputPos()

		switch se.Name.Local {
		case "programme":
			var xp xmlProgramme
			if err := dec.DecodeElement(&xp, &se); err != nil {
				return nil, &ParseError{Format: FormatXMLGuide, Err: err}
			}
			prog, warn := xp.program(line)
			if warn != nil {
				res.Warnings = append(res.Warnings, *warn)
				continue
			}
			if prog.EndTime.IsZero() {
				pendingStops = append(pendingStops, openEnded{index: len(res.Programs), line: line})
			}
			res.Programs = append(res.Programs, prog)
		case "channel":
			var xc xmlChannel
			if err := dec.DecodeElement(&xc, &se); err != nil {
				return nil, &ParseError{Format: FormatXMLGuide, Err: err}
			}
			id := strings.TrimSpace(xc.ID)
			if _, dup := res.Channels[id]; id != "" && !dup {
				res.Channels[id] = firstText(xc.DisplayNames)
			}
		}
	}
	if !sawElement {
		return nil, &ParseError{Format: FormatXMLGuide, Err: errors.New("no root element")}
	}

	if len(pendingStops) > 0 {
		res.Programs, res.Warnings = closeOpenEnded(res.Programs, pendingStops, res.Warnings)
	}
	return res, nil
}

func (xp *xmlProgramme) program(line int) (models.Program, *EntryError) {
	channel := strings.TrimSpace(xp.Channel)
	if channel == "" {
		w := entryError(line, "programme without channel")
		return models.Program{}, &w
	}
	start, err := ParseXMLTVTime(xp.Start)
	if err != nil {
		w := entryError(line, "start: %v", err)
		return models.Program{}, &w
	}
	var end time.Time
	if strings.TrimSpace(xp.Stop) != "" {
		end, err = ParseXMLTVTime(xp.Stop)
		if err != nil {
			w := entryError(line, "stop: %v", err)
			return models.Program{}, &w
		}
		if !start.Before(end) {
			w := entryError(line, "programme on %q ends before it starts", channel)
			return models.Program{}, &w
		}
	}
	title := firstText(xp.Titles)
	if title == "" {
		w := entryError(line, "programme on %q without title", channel)
		return models.Program{}, &w
	}

	p := models.Program{
		ID:          models.ProgramID(channel, start),
		ChannelID:   channel,
		Title:       title,
		Description: optional(firstText(xp.Descs)),
		StartTime:   start,
		EndTime:     end,
		Category:    optional(firstText(xp.Categories)),
	}
	for _, icon := range xp.Icons {
		if src := strings.TrimSpace(icon.Src); src != "" {
			p.LogoURL = &src
			break
		}
	}
	if xp.Credits != nil {
		for _, person := range xp.Credits.People {
			if name := strings.TrimSpace(person.Value); name != "" {
				p.Credits = append(p.Credits, models.Credit{Role: person.XMLName.Local, Name: name})
			}
		}
	}
	return p, nil
}

// closeOpenEnded assigns each open-ended programme the start of the next
// programme on its channel; programmes with no successor are dropped.
func closeOpenEnded(progs []models.Program, open []openEnded, warnings []EntryError) ([]models.Program, []EntryError) {
	starts := make(map[string][]time.Time)
	for _, p := range progs {
		starts[p.ChannelID] = append(starts[p.ChannelID], p.StartTime)
	}
	for _, s := range starts {
		sort.Slice(s, func(i, j int) bool { return s[i].Before(s[j]) })
	}

	drop := make(map[int]bool)
	for _, o := range open {
		p := &progs[o.index]
		s := starts[p.ChannelID]
		i := sort.Search(len(s), func(i int) bool { return s[i].After(p.StartTime) })
		if i == len(s) {
			drop[o.index] = true
			warnings = append(warnings, entryError(o.line, "programme on %q without stop and no successor", p.ChannelID))
			continue
		}
		p.EndTime = s[i]
	}
	if len(drop) == 0 {
		return progs, warnings
	}
	kept := progs[:0]
	for i, p := range progs {
		if !drop[i] {
			kept = append(kept, p)
		}
	}
	return kept, warnings
}

func firstText(texts []xmlText) string {
	for _, t := range texts {
		if v := strings.TrimSpace(t.Value); v != "" {
			return v
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
