package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/kberr"
)

func kinds(doc *docmodel.Document) []docmodel.ElementKind {
	out := make([]docmodel.ElementKind, len(doc.Elements))
	for i, e := range doc.Elements {
		out[i] = e.Kind
	}
	return out
}

func TestForDispatch(t *testing.T) {
	tests := []struct {
		mime string
		ok   bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML", true},
		{"text/markdown", true},
		{"text/csv", true},
		{"text/plain", true},
		{"text/anything-else", true}, // text/* falls back to plain
		{"message/rfc822", true},
		{"application/pdf", true}, // registered, errors without extractor
		{"application/octet-stream", false},
	}
	for _, tc := range tests {
		t.Run(tc.mime, func(t *testing.T) {
			_, ok := For(tc.mime)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestHTMLStructure(t *testing.T) {
	page := `<html><head><title>Doc Title</title><style>p{}</style></head><body>
		<nav><a href="/">skip me</a></nav>
		<h1>Guide</h1>
		<p>Intro paragraph with <b>bold</b> text.</p>
		<ul><li>first item</li><li>second item</li></ul>
		<table><tr><th>Name</th><th>Value</th></tr><tr><td>timeout</td><td>30s</td></tr></table>
		<pre><code class="language-go">fmt.Println("hi")</code></pre>
		<footer>copyright boilerplate</footer>
	</body></html>`

	doc, err := Parse(Input{URI: "https://example.com/guide", Mime: "text/html", Data: []byte(page)})
	require.NoError(t, err)

	assert.Equal(t, "Doc Title", doc.Title)
	assert.Equal(t, []docmodel.ElementKind{
		docmodel.KindHeading,
		docmodel.KindParagraph,
		docmodel.KindListItem,
		docmodel.KindListItem,
		docmodel.KindTable,
		docmodel.KindCodeBlock,
	}, kinds(doc))

	assert.Equal(t, "Intro paragraph with bold text.", doc.Elements[1].Text)
	assert.Equal(t, "go", doc.Elements[5].Language)
	require.Len(t, doc.Elements[4].Rows, 2)
	assert.True(t, doc.Elements[4].Rows[0][0].Header)
	assert.NotContains(t, doc.PlainText(), "skip me")
	assert.NotContains(t, doc.PlainText(), "boilerplate")
}

func TestHTMLKeepsNavInsideArticle(t *testing.T) {
	page := `<html><body><article><nav><p>table of contents</p></nav>
		<p>body text</p></article></body></html>`

	doc, err := Parse(Input{Mime: "text/html", Data: []byte(page)})
	require.NoError(t, err)
	assert.Contains(t, doc.PlainText(), "table of contents")
	assert.Contains(t, doc.PlainText(), "body text")
}

func TestMarkdownStructure(t *testing.T) {
	md := `# Title

Some intro text
over two lines.

## Table

| Name | Value |
| --- | --- |
| timeout | 30s |

- item one
- item two
  - nested

` + "```go\nfmt.Println(\"hi\")\n```" + `

![diagram](images/arch.png)
`

	doc, err := Parse(Input{Mime: "text/markdown", Data: []byte(md)})
	require.NoError(t, err)

	assert.Equal(t, "Title", doc.Title)
	assert.Equal(t, []docmodel.ElementKind{
		docmodel.KindHeading,
		docmodel.KindParagraph,
		docmodel.KindHeading,
		docmodel.KindTable,
		docmodel.KindListItem,
		docmodel.KindListItem,
		docmodel.KindListItem,
		docmodel.KindCodeBlock,
		docmodel.KindImageRef,
	}, kinds(doc))

	assert.Equal(t, "Some intro text over two lines.", doc.Elements[1].Text)
	table := doc.Elements[3]
	require.Len(t, table.Rows, 2)
	assert.True(t, table.Rows[0][0].Header)
	assert.Equal(t, "timeout", table.Rows[1][0].Text)
	assert.Equal(t, 2, doc.Elements[6].Level) // nested list item
	assert.Equal(t, "go", doc.Elements[7].Language)
	assert.Equal(t, "images/arch.png", doc.Elements[8].URI)
}

func TestMarkdownPageMarkers(t *testing.T) {
	md := "first page\n\n<!-- page: 2 -->\n\nsecond page\n"
	doc, err := Parse(Input{Mime: "text/markdown", Data: []byte(md)})
	require.NoError(t, err)
	require.Len(t, doc.Elements, 2)
	assert.Equal(t, 0, doc.Elements[0].Page)
	assert.Equal(t, 2, doc.Elements[1].Page)
}

func TestCSVBecomesTable(t *testing.T) {
	data := "name,value\ntimeout,30s\nretries,5\n"
	doc, err := Parse(Input{Mime: "text/csv", Data: []byte(data)})
	require.NoError(t, err)

	require.Len(t, doc.Elements, 1)
	table := doc.Elements[0]
	assert.Equal(t, docmodel.KindTable, table.Kind)
	require.Len(t, table.Rows, 3)
	assert.True(t, table.Rows[0][0].Header)
	assert.False(t, table.Rows[1][0].Header)
	assert.Equal(t, "retries", table.Rows[2][0].Text)
}

func TestPlainTextParagraphsAndPages(t *testing.T) {
	data := "para one\n\npara two\fpara three"
	doc, err := Parse(Input{Mime: "text/plain", Data: []byte(data)})
	require.NoError(t, err)

	require.Len(t, doc.Elements, 3)
	assert.Equal(t, 1, doc.Elements[0].Page)
	assert.Equal(t, 1, doc.Elements[1].Page)
	assert.Equal(t, 2, doc.Elements[2].Page)
}

func TestEMLSubjectAndBody(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\n" +
		"Subject: Quarterly update\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Revenue grew.\r\n" +
		"\r\n" +
		"Costs fell.\r\n"

	doc, err := Parse(Input{Mime: "message/rfc822", Data: []byte(raw)})
	require.NoError(t, err)

	assert.Equal(t, "Quarterly update", doc.Title)
	assert.Contains(t, doc.Metadata["from"], "alice@example.com")
	text := doc.PlainText()
	assert.Contains(t, text, "Revenue grew.")
	assert.Contains(t, text, "Costs fell.")
}

func TestUnsupportedMimeIsDataError(t *testing.T) {
	_, err := Parse(Input{Mime: "application/octet-stream", Data: []byte{0x1}})
	require.Error(t, err)
	assert.Equal(t, kberr.KindDataError, kberr.KindOf(err))

	// Registered binary format without extractor also degrades to DataError.
	_, err = Parse(Input{Mime: "application/pdf", Data: []byte("%PDF-1.4")})
	require.Error(t, err)
	assert.Equal(t, kberr.KindDataError, kberr.KindOf(err))
}

func TestExtractorHook(t *testing.T) {
	UseExtractor("application/x-fake", func(in Input) (*docmodel.Document, error) {
		return &docmodel.Document{Elements: []docmodel.Element{
			{Kind: docmodel.KindParagraph, Text: "extracted"},
		}}, nil
	})
	doc, err := Parse(Input{Mime: "application/x-fake", Data: []byte("binary")})
	require.NoError(t, err)
	assert.Equal(t, "extracted", doc.Elements[0].Text)
}

func TestCleanStripsAndDedupes(t *testing.T) {
	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: "hello​   world\n!"},
		{Kind: docmodel.KindParagraph, Text: "repeated block"},
		{Kind: docmodel.KindParagraph, Text: "repeated  block"},
		{Kind: docmodel.KindParagraph, Text: "   "},
		{Kind: docmodel.KindCodeBlock, Text: "line1\n  line2"},
	}}
	Clean(doc)

	require.Len(t, doc.Elements, 3)
	assert.Equal(t, "hello world !", doc.Elements[0].Text)
	assert.Equal(t, "repeated block", doc.Elements[1].Text)
	// Code keeps internal whitespace.
	assert.Equal(t, "line1\n  line2", doc.Elements[2].Text)
}

func TestDetectLanguage(t *testing.T) {
	en := strings.Repeat("the quick brown fox jumps over the lazy dog and runs for the hills with all that it can ", 3)
	de := strings.Repeat("der schnelle braune fuchs springt über den faulen hund und die katze ist nicht mit ", 3)

	assert.Equal(t, "en", DetectLanguage(en))
	assert.Equal(t, "de", DetectLanguage(de))
	assert.Equal(t, "", DetectLanguage("too short"))
}
