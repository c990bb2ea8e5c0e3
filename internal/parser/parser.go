// Package parser turns raw playlist and guide text into the canonical model.
// Every function here is pure and safe for concurrent use.
package parser

import (
	"fmt"
	"strings"
)

// ParseGuide detects the guide dialect of content and parses it.
func ParseGuide(content string) (*GuideResult, Format, error) {
	format, err := DetectGuide(content)
	if err != nil {
		return nil, FormatUnknown, err
	}
	var res *GuideResult
	switch format {
	case FormatXMLGuide:
		res, err = ParseXMLGuide(strings.NewReader(content))
	case FormatJSONGuide:
		res, err = ParseJSONGuide(strings.NewReader(content))
	default:
		err = fmt.Errorf("%w: %s", ErrUnrecognizedFormat, format)
	}
	if err != nil {
		return nil, format, err
	}
	return res, format, nil
}
