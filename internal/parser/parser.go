// Package parser turns raw fetched bytes into structured documents. Parsers
// register per mime type; dispatch falls back to the mime family and finally
// to plain text for text/* content.
package parser

import (
	"strings"
	"sync"

	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/kberr"
)

// Input is one raw document handed to a parser.
type Input struct {
	URI      string
	Mime     string
	Data     []byte
	Metadata map[string]string
}

// Parser converts one mime family into a structured document.
type Parser interface {
	Mimes() []string
	Parse(in Input) (*docmodel.Document, error)
}

var (
	regMu    sync.RWMutex
	registry = map[string]Parser{}
)

// Register binds a parser to each of its declared mime types.
func Register(p Parser) {
	regMu.Lock()
	defer regMu.Unlock()
	for _, m := range p.Mimes() {
		registry[m] = p
	}
}

// For resolves the parser for a mime type: exact match, then the family
// wildcard ("text/*"), then plain text for any text/ subtype.
func For(mime string) (Parser, bool) {
	mime = normalizeMime(mime)
	regMu.RLock()
	defer regMu.RUnlock()
	if p, ok := registry[mime]; ok {
		return p, true
	}
	if i := strings.Index(mime, "/"); i > 0 {
		if p, ok := registry[mime[:i]+"/*"]; ok {
			return p, true
		}
	}
	if strings.HasPrefix(mime, "text/") {
		p, ok := registry["text/plain"]
		return p, ok
	}
	return nil, false
}

func normalizeMime(mime string) string {
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// Parse dispatches on mime, cleans the resulting tree and attaches detected
// language and structural stats. Unsupported binary formats are a DataError:
// the document is recorded as failed, the run continues.
func Parse(in Input) (*docmodel.Document, error) {
	p, ok := For(in.Mime)
	if !ok {
		return nil, kberr.New(kberr.KindDataError, "no parser for mime type "+in.Mime)
	}
	doc, err := p.Parse(in)
	if err != nil {
		return nil, err
	}
	Clean(doc)
	if doc.URI == "" {
		doc.URI = in.URI
	}
	if doc.Language == "" {
		doc.Language = DetectLanguage(doc.PlainText())
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	for k, v := range in.Metadata {
		if _, exists := doc.Metadata[k]; !exists {
			doc.Metadata[k] = v
		}
	}
	doc.Metadata["mime"] = normalizeMime(in.Mime)
	return doc, nil
}

// Supported returns the registered mime types, for probe responses.
func Supported() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	return out
}
