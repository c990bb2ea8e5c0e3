package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseXMLGuide_example(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="c1"><display-name>Channel One</display-name></channel>
  <programme start="20230101120000 +0000" stop="20230101130000 +0000" channel="c1">
    <title lang="en">P1</title>
  </programme>
</tv>`
	res, err := ParseXMLGuide(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, res.Programs, 1)

	start := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	p := res.Programs[0]
	assert.Equal(t, "c1_1672574400000", p.ID)
	assert.Equal(t, "c1", p.ChannelID)
	assert.Equal(t, "P1", p.Title)
	assert.True(t, p.StartTime.Equal(start))
	assert.True(t, p.EndTime.Equal(start.Add(time.Hour)))
	assert.Nil(t, p.Description)
	assert.Equal(t, "Channel One", res.Channels["c1"])
}

func TestParseXMLGuide_bareAmpersandInAttribute(t *testing.T) {
	doc := `<tv><programme start="20230101120000 +0000" stop="20230101130000 +0000" channel="c1">
<title>Tom & Jerry</title><icon src="http://a.com/x&y.png"/></programme></tv>`
	res, err := ParseXMLGuide(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, res.Programs, 1)
	assert.Equal(t, "Tom & Jerry", res.Programs[0].Title)
	require.NotNil(t, res.Programs[0].LogoURL)
	assert.Equal(t, "http://a.com/x&y.png", *res.Programs[0].LogoURL)
}

func TestParseXMLGuide_fullProgramme(t *testing.T) {
	doc := `<tv>
<programme start="20240310200000 +0100" stop="20240310213000 +0100" channel="ard.de">
  <title lang="de">Tatort</title>
  <title lang="en">Crime Scene</title>
  <desc lang="de">Ein Fall f&#252;r zwei &amp; mehr.</desc>
  <category lang="de">Krimi</category>
  <category lang="en">Crime</category>
  <icon src="http://img/tatort.jpg"/>
  <credits>
    <director>Jane Doe</director>
    <actor role="Kommissar">Max Muster</actor>
    <presenter> </presenter>
  </credits>
</programme>
</tv>`
	res, err := ParseXMLGuide(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, res.Programs, 1)
	p := res.Programs[0]
	assert.Equal(t, "Tatort", p.Title)
	require.NotNil(t, p.Description)
	assert.Equal(t, "Ein Fall für zwei & mehr.", *p.Description)
	require.NotNil(t, p.Category)
	assert.Equal(t, "Krimi", *p.Category)
	assert.True(t, p.StartTime.Equal(time.Date(2024, 3, 10, 19, 0, 0, 0, time.UTC)))
	require.Len(t, p.Credits, 2)
	assert.Equal(t, "director", p.Credits[0].Role)
	assert.Equal(t, "Max Muster", p.Credits[1].Name)
}

func TestParseXMLGuide_badEntriesDroppedIndividually(t *testing.T) {
	doc := `<tv>
<programme start="garbage" stop="20230101130000" channel="c1"><title>Bad start</title></programme>
<programme start="20230101130000" stop="20230101120000" channel="c1"><title>Backwards</title></programme>
<programme start="20230101120000" stop="20230101130000"><title>No channel</title></programme>
<programme start="20230101120000" stop="20230101130000" channel="c1"></programme>
<programme start="20230101140000 +02" stop="20230101150000" channel="c1"><title>Bad offset</title></programme>
<programme start="20230101120000" stop="20230101130000" channel="c1"><title>Good</title></programme>
</tv>`
	res, err := ParseXMLGuide(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, res.Programs, 1)
	assert.Equal(t, "Good", res.Programs[0].Title)
	assert.Len(t, res.Warnings, 5)
	assert.Equal(t, 2, res.Warnings[0].Line)
}

func TestParseXMLGuide_missingStopUsesNextStart(t *testing.T) {
	doc := `<tv>
<programme start="20230101120000" channel="c1"><title>A</title></programme>
<programme start="20230101123000" stop="20230101130000" channel="c1"><title>B</title></programme>
<programme start="20230101130000" channel="c1"><title>C</title></programme>
</tv>`
	res, err := ParseXMLGuide(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, res.Programs, 2)
	assert.Equal(t, "A", res.Programs[0].Title)
	assert.True(t, res.Programs[0].EndTime.Equal(time.Date(2023, 1, 1, 12, 30, 0, 0, time.UTC)))
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Reason, "no successor")
}

func TestParseXMLGuide_controlCharactersAndLatin1(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<tv><programme start=\"20230101120000\" stop=\"20230101130000\" channel=\"c1\"><title>Caf\xe9\x01</title></programme></tv>"
	res, err := ParseXMLGuide(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, res.Programs, 1)
	assert.Equal(t, "Café", res.Programs[0].Title)
}

func TestParseXMLGuide_cdataKeepsAmpersands(t *testing.T) {
	doc := `<tv>
<!-- Q&A -->
<programme start="20230101120000" stop="20230101130000" channel="c1">
  <title><![CDATA[Tom & Jerry]]></title>
  <desc><![CDATA[Cats & mice <3]]> &amp; more & more</desc>
</programme>
</tv>`
	res, err := ParseXMLGuide(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, res.Programs, 1)
	assert.Equal(t, "Tom & Jerry", res.Programs[0].Title)
	require.NotNil(t, res.Programs[0].Description)
	assert.Equal(t, "Cats & mice <3 & more & more", *res.Programs[0].Description)
}

func TestParseXMLGuide_structuralFailure(t *testing.T) {
	_, err := ParseXMLGuide(strings.NewReader(`<tv><programme channel="c1"><title>x</tv>`))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, FormatXMLGuide, perr.Format)

	_, err = ParseXMLGuide(strings.NewReader(""))
	require.ErrorAs(t, err, &perr)
}

func TestSanitizeXML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`<icon src="http://a.com/x&y.png"/>`, `<icon src="http://a.com/x&amp;y.png"/>`},
		{`a & b`, `a &amp; b`},
		{`&amp; &lt; &gt; &quot; &apos;`, `&amp; &lt; &gt; &quot; &apos;`},
		{`&#233; &#xE9; &#xe9;`, `&#233; &#xE9; &#xe9;`},
		{`&#; &#x; &#12 &nbsp;`, `&amp;#; &amp;#x; &amp;#12 &amp;nbsp;`},
		{"a\x00b\x1fc\td\ne\rf", "abc\td\ne\rf"},
		{`trailing &`, `trailing &amp;`},
		{`<t><![CDATA[Tom & Jerry]]></t>`, `<t><![CDATA[Tom & Jerry]]></t>`},
		{`<!-- a & b -->`, `<!-- a & b -->`},
		{"<![CDATA[a & b\x01]]> & c", "<![CDATA[a & b]]> &amp; c"},
		{`<![CDATA[never closed & so on`, `<![CDATA[never closed & so on`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeXML(tt.in), tt.in)
	}
}

func TestSanitizeXML_idempotent(t *testing.T) {
	valid := `<?xml version="1.0"?><tv><programme channel="a&amp;b"><title>x &lt; y &#38; z &#x26;</title></programme></tv>`
	assert.Equal(t, valid, SanitizeXML(valid))

	dirty := `<tv><title>Q&A & more &nbsp;</title></tv>`
	once := SanitizeXML(dirty)
	assert.Equal(t, once, SanitizeXML(once))

	cdata := "<tv><title><![CDATA[R&D\x02]]> & co</title></tv>"
	once = SanitizeXML(cdata)
	assert.Equal(t, "<tv><title><![CDATA[R&D]]> &amp; co</title></tv>", once)
	assert.Equal(t, once, SanitizeXML(once))
}

func TestParseXMLTVTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"20230101120000 +0000", time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC), false},
		{"20230101120000+0200", time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC), false},
		{"20230101120000 -0530", time.Date(2023, 1, 1, 17, 30, 0, 0, time.UTC), false},
		{"20230101120000", time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC), false},
		{"  20230101120000  ", time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC), false},
		{"202301011200", time.Time{}, true},
		{"20230101120000 UTC", time.Time{}, true},
		{"20230101120000 +02:00", time.Time{}, true},
		{"20231301120000 +0000", time.Time{}, true},
		{"2023010112000x", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := ParseXMLTVTime(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}
}
