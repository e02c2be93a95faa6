package docmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() *Document {
	return &Document{
		Title: "Guide",
		Elements: []Element{
			{Kind: KindHeading, Level: 1, Text: "Intro"},
			{Kind: KindParagraph, Text: "Welcome to the guide."},
			{Kind: KindHeading, Level: 2, Text: "Setup"},
			{Kind: KindParagraph, Text: "Install the tool."},
			{Kind: KindTable, Rows: [][]TableCell{
				{{Text: "Name", Header: true}, {Text: "Value", Header: true}},
				{{Text: "timeout"}, {Text: "30s"}},
			}},
			{Kind: KindHeading, Level: 1, Text: "Usage"},
			{Kind: KindCodeBlock, Language: "go", Text: "fmt.Println(\"hi\")"},
		},
	}
}

func TestElementAt(t *testing.T) {
	doc := sampleDoc()

	e, ok := doc.ElementAt(Path{4})
	require.True(t, ok)
	assert.Equal(t, KindTable, e.Kind)

	_, ok = doc.ElementAt(Path{99})
	assert.False(t, ok)
	_, ok = doc.ElementAt(Path{})
	assert.False(t, ok)
}

func TestTablePlainTextIsPipeTable(t *testing.T) {
	doc := sampleDoc()
	text := doc.Elements[4].PlainText()

	assert.Contains(t, text, "| Name | Value |")
	assert.Contains(t, text, "| --- | --- |")
	assert.Contains(t, text, "| timeout | 30s |")
}

func TestComputeStats(t *testing.T) {
	stats := sampleDoc().ComputeStats()

	assert.Equal(t, 3, stats.HeadingCount)
	assert.Equal(t, 2, stats.ParagraphCount)
	assert.Equal(t, 1, stats.TableCount)
	assert.Equal(t, 1, stats.CodeBlockCount)
	assert.Greater(t, stats.CharCount, 0)
	assert.Greater(t, stats.WordCount, 0)
}

func TestHeadingTrail(t *testing.T) {
	doc := sampleDoc()

	// Paragraph under "Setup" sees both enclosing headings.
	assert.Equal(t, []string{"Intro", "Setup"}, doc.HeadingTrail(3))
	// Code block under "Usage": the level-1 heading resets the trail.
	assert.Equal(t, []string{"Usage"}, doc.HeadingTrail(6))
	// First element has no trail.
	assert.Empty(t, doc.HeadingTrail(0))
}

func TestIndivisible(t *testing.T) {
	assert.True(t, (&Element{Kind: KindTable}).Indivisible())
	assert.True(t, (&Element{Kind: KindCodeBlock}).Indivisible())
	assert.True(t, (&Element{Kind: KindParagraph}).Indivisible())
	assert.False(t, (&Element{Kind: KindHeading}).Indivisible())
}

func TestWalkVisitsChildrenWithPaths(t *testing.T) {
	doc := &Document{Elements: []Element{
		{Kind: KindFigure, Caption: "fig", Children: []Element{
			{Kind: KindImageRef, URI: "a.png", Caption: "inner"},
		}},
	}}

	var paths []Path
	doc.Walk(func(p Path, _ *Element) { paths = append(paths, p) })

	require.Len(t, paths, 2)
	assert.Equal(t, Path{0}, paths[0])
	assert.Equal(t, Path{0, 0}, paths[1])
}
