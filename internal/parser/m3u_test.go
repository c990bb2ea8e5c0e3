package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlaylist_singleChannel(t *testing.T) {
	res, err := ParsePlaylist(strings.NewReader("#EXTM3U\n#EXTINF:-1 tvg-id=\"c1\" tvg-name=\"C1\",C1\nhttp://x/s1\n"))
	require.NoError(t, err)
	require.Len(t, res.Channels, 1)

	ch := res.Channels[0]
	assert.Equal(t, "c1", ch.ID)
	assert.Equal(t, "C1", ch.Name)
	assert.Equal(t, "http://x/s1", ch.StreamURL)
	assert.Nil(t, ch.CategoryID)
	assert.Nil(t, res.GuideURL)
	assert.Empty(t, res.Warnings)
}

func TestParsePlaylist_attributesAndCategories(t *testing.T) {
	m3u := `#EXTM3U x-tvg-url="http://epg.example/guide.xml.gz,http://epg.example/alt.xml"
#EXTINF:-1 tvg-id="news.uk" tvg-name="News, Live" tvg-logo="http://img/news.png" group-title="News",News Live
http://example.com/news
#EXTINF:-1 tvg-id="sport1" group-title="Sport",Sport One
http://example.com/sport1
#EXTINF:-1 tvg-id="news2" group-title="News",News Two
http://example.com/news2
`
	res, err := ParsePlaylist(strings.NewReader(m3u))
	require.NoError(t, err)
	require.NotNil(t, res.GuideURL)
	assert.Equal(t, "http://epg.example/guide.xml.gz", *res.GuideURL)

	require.Len(t, res.Channels, 3)
	assert.Equal(t, "News, Live", res.Channels[0].Name)
	require.NotNil(t, res.Channels[0].LogoURL)
	assert.Equal(t, "http://img/news.png", *res.Channels[0].LogoURL)
	assert.Equal(t, "Sport One", res.Channels[1].Name)

	require.Len(t, res.Categories, 2)
	assert.Equal(t, "News", res.Categories[0].Name)
	assert.Equal(t, "Sport", res.Categories[1].Name)
	require.NotNil(t, res.Channels[2].CategoryID)
	assert.Equal(t, res.Categories[0].ID, *res.Channels[2].CategoryID)
	assert.Equal(t, CategoryID("News"), res.Categories[0].ID)

	for i, ch := range res.Channels {
		assert.Equal(t, i, ch.Position)
	}
}

func TestParsePlaylist_synthesizesMissingIDs(t *testing.T) {
	m3u := `#EXTM3U
#EXTINF:-1,BBC One HD
http://example.com/a
#EXTINF:-1,
http://example.com/b
`
	res, err := ParsePlaylist(strings.NewReader(m3u))
	require.NoError(t, err)
	require.Len(t, res.Channels, 2)
	assert.Equal(t, "bbc-one-hd-1", res.Channels[0].ID)
	assert.Equal(t, "channel-2", res.Channels[1].ID)
	assert.Equal(t, "channel-2", res.Channels[1].Name)
}

func TestParsePlaylist_malformedEntriesAreSkipped(t *testing.T) {
	m3u := `#EXTM3U
http://example.com/orphan
#EXTINF:-1 tvg-id="a",A
#EXTINF:-1 tvg-id="b",B
http://example.com/b
#EXTVLCOPT:http-user-agent=Foo
#EXTINF:-1 tvg-id="b",B again
http://example.com/b2
#EXTINF:-1 tvg-id="c",C
`
	res, err := ParsePlaylist(strings.NewReader(m3u))
	require.NoError(t, err)
	require.Len(t, res.Channels, 1)
	assert.Equal(t, "b", res.Channels[0].ID)

	require.Len(t, res.Warnings, 4)
	assert.Equal(t, 2, res.Warnings[0].Line) // orphan URL
	assert.Equal(t, 3, res.Warnings[1].Line) // info without URL
	assert.Contains(t, res.Warnings[2].Reason, "duplicate")
	assert.Equal(t, 9, res.Warnings[3].Line) // trailing info line
	for _, w := range res.Warnings {
		assert.ErrorIs(t, &w, ErrMalformedEntry)
	}
}

func TestParsePlaylist_extgrpFallback(t *testing.T) {
	m3u := "#EXTM3U\n#EXTINF:-1 tvg-id=\"x\",X\n#EXTGRP:Movies\nhttp://example.com/x\n"
	res, err := ParsePlaylist(strings.NewReader(m3u))
	require.NoError(t, err)
	require.Len(t, res.Categories, 1)
	assert.Equal(t, "Movies", res.Categories[0].Name)
}

func TestParsePlaylist_everyChannelHasIDAndURL(t *testing.T) {
	m3u := `#EXTM3U
#EXTINF:-1 tvg-id="" tvg-name="",
http://example.com/1
#EXTINF:-1 tvg-name="Only Name",
  http://example.com/2  
#EXTINF:0 group-title="G",Title Only
rtmp://example.com/3
`
	res, err := ParsePlaylist(strings.NewReader(m3u))
	require.NoError(t, err)
	require.Len(t, res.Channels, 3)
	for _, ch := range res.Channels {
		assert.NotEmpty(t, ch.ID)
		assert.NotEmpty(t, ch.StreamURL)
		assert.NotEmpty(t, ch.Name)
	}
	assert.Equal(t, "http://example.com/2", res.Channels[1].StreamURL)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "sky-sports-f1", slugify("  Sky Sports: F1! "))
	assert.Equal(t, "ard-das-erste", slugify("ARD (Das Erste)"))
	assert.Equal(t, "", slugify("***"))
}
