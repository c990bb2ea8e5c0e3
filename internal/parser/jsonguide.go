package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/voyagen/popcornguide/internal/models"
)

type jsonProgram struct {
	Channel     string          `json:"channel"`
	ChannelID   string          `json:"channel_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Desc        string          `json:"desc"`
	Start       json.RawMessage `json:"start"`
	Stop        json.RawMessage `json:"stop"`
	End         json.RawMessage `json:"end"`
	Category    string          `json:"category"`
	Icon        string          `json:"icon"`
	Logo        string          `json:"logo"`
	Credits     []models.Credit `json:"credits"`
}

// ParseJSONGuide parses the JSON guide dialect:
//
//	{"programs": [{"channel": "c1", "title": "News", "start": "2023-01-01T12:00:00Z", "stop": ...}]}
//
// "programmes" is accepted for "programs", "channel_id" for "channel",
// "desc" for "description", "end" for "stop" and "logo" for "icon". Times may
// be RFC 3339 strings, compact XMLTV strings, or epoch seconds/milliseconds.
func ParseJSONGuide(r io.Reader) (*GuideResult, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Format: FormatJSONGuide, Err: err}
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ParseError{Format: FormatJSONGuide, Err: fmt.Errorf("top level must be an object: %w", err)}
	}
	if top == nil {
		return nil, &ParseError{Format: FormatJSONGuide, Err: errors.New("top level must be an object")}
	}

	list, ok := top["programs"]
	if !ok {
		list = top["programmes"]
	}
	res := &GuideResult{Channels: make(map[string]string)}
	if isNull(list) {
		return res, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(list, &entries); err != nil {
		return nil, &ParseError{Format: FormatJSONGuide, Err: fmt.Errorf("programs must be an array: %w", err)}
	}

	for i, entry := range entries {
		var jp jsonProgram
		if err := json.Unmarshal(entry, &jp); err != nil {
			res.Warnings = append(res.Warnings, entryError(0, "program %d: %v", i, err))
			continue
		}
		prog, err := jp.program()
		if err != nil {
			res.Warnings = append(res.Warnings, entryError(0, "program %d: %v", i, err))
			continue
		}
		res.Programs = append(res.Programs, prog)
	}
	return res, nil
}

func (jp *jsonProgram) program() (models.Program, error) {
	channel := strings.TrimSpace(firstNonEmpty(jp.Channel, jp.ChannelID))
	if channel == "" {
		return models.Program{}, errors.New("missing channel")
	}
	title := strings.TrimSpace(jp.Title)
	if title == "" {
		return models.Program{}, fmt.Errorf("program on %q without title", channel)
	}
	start, err := parseJSONTime(jp.Start)
	if err != nil {
		return models.Program{}, fmt.Errorf("start: %w", err)
	}
	stopRaw := jp.Stop
	if isNull(stopRaw) {
		stopRaw = jp.End
	}
	end, err := parseJSONTime(stopRaw)
	if err != nil {
		return models.Program{}, fmt.Errorf("stop: %w", err)
	}
	if !start.Before(end) {
		return models.Program{}, fmt.Errorf("program on %q ends before it starts", channel)
	}

	p := models.Program{
		ID:          models.ProgramID(channel, start),
		ChannelID:   channel,
		Title:       title,
		Description: optional(strings.TrimSpace(firstNonEmpty(jp.Description, jp.Desc))),
		StartTime:   start,
		EndTime:     end,
		Category:    optional(strings.TrimSpace(jp.Category)),
		LogoURL:     optional(strings.TrimSpace(firstNonEmpty(jp.Icon, jp.Logo))),
	}
	for _, c := range jp.Credits {
		if c.Name = strings.TrimSpace(c.Name); c.Name != "" {
			p.Credits = append(p.Credits, c)
		}
	}
	return p, nil
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds;
// 1e11 seconds is far beyond any guide date.
const epochMillisThreshold = 1e11

func parseJSONTime(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, errors.New("missing time")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), nil
		}
		return ParseXMLTVTime(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, err
	}
	v, err := n.Float64()
	if err != nil {
		return time.Time{}, err
	}
	if v > epochMillisThreshold {
		return time.UnixMilli(int64(v)).UTC(), nil
	}
	return time.Unix(int64(v), 0).UTC(), nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
