package parser

import (
	"strings"

	"github.com/kbforge/kbforge/internal/docmodel"
)

func init() { Register(textParser{}) }

// textParser splits plain text on blank lines into paragraphs. Form-feed
// characters are honored as page breaks.
type textParser struct{}

func (textParser) Mimes() []string { return []string{"text/plain"} }

func (textParser) Parse(in Input) (*docmodel.Document, error) {
	doc := &docmodel.Document{URI: in.URI}
	pages := strings.Split(string(in.Data), "\f")
	paged := len(pages) > 1
	for pi, pageText := range pages {
		page := 0
		if paged {
			page = pi + 1
		}
		for _, block := range strings.Split(pageText, "\n\n") {
			text := strings.TrimSpace(block)
			if text == "" {
				continue
			}
			doc.Elements = append(doc.Elements, docmodel.Element{
				Kind: docmodel.KindParagraph, Text: text, Page: page,
			})
		}
	}
	return doc, nil
}
