package parser

import (
	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/kberr"
)

// ExtractFunc converts a binary format (PDF, office, scanned image) into a
// structured document, typically by shelling out to an external extractor.
type ExtractFunc func(in Input) (*docmodel.Document, error)

// binaryMimes are formats we acknowledge but do not parse in-process.
var binaryMimes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"image/png",
	"image/jpeg",
	"image/tiff",
}

func init() {
	for _, m := range binaryMimes {
		Register(&externalParser{mime: m})
	}
}

// externalParser delegates to a configured extractor; without one the
// format is a DataError and the document fails without failing the run.
type externalParser struct {
	mime    string
	extract ExtractFunc
}

func (p *externalParser) Mimes() []string { return []string{p.mime} }

func (p *externalParser) Parse(in Input) (*docmodel.Document, error) {
	if p.extract == nil {
		return nil, kberr.New(kberr.KindDataError,
			"no extractor configured for "+p.mime)
	}
	return p.extract(in)
}

// UseExtractor installs an external extractor for a binary mime type.
func UseExtractor(mime string, fn ExtractFunc) {
	Register(&externalParser{mime: normalizeMime(mime), extract: fn})
}
