package parser

import (
	"bytes"
	"encoding/csv"
	"io"

	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/kberr"
)

func init() {
	Register(csvParser{comma: ','})
	Register(tsvParser{})
}

// csvParser maps a delimited file onto a single table element; the first
// row is treated as the header.
type csvParser struct {
	comma rune
}

func (csvParser) Mimes() []string { return []string{"text/csv", "application/csv"} }

func (p csvParser) Parse(in Input) (*docmodel.Document, error) {
	return parseDelimited(in, p.comma)
}

type tsvParser struct{}

func (tsvParser) Mimes() []string {
	return []string{"text/tab-separated-values", "text/tsv"}
}

func (tsvParser) Parse(in Input) (*docmodel.Document, error) {
	return parseDelimited(in, '\t')
}

func parseDelimited(in Input, comma rune) (*docmodel.Document, error) {
	r := csv.NewReader(bytes.NewReader(in.Data))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	table := docmodel.Element{Kind: docmodel.KindTable}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, kberr.Wrap(kberr.KindDataError, err, "parse delimited file")
		}
		row := make([]docmodel.TableCell, len(record))
		for i, field := range record {
			row[i] = docmodel.TableCell{Text: field, Header: len(table.Rows) == 0}
		}
		table.Rows = append(table.Rows, row)
	}
	if len(table.Rows) == 0 {
		return nil, kberr.New(kberr.KindDataError, "delimited file has no rows")
	}
	return &docmodel.Document{
		URI:      in.URI,
		Elements: []docmodel.Element{table},
	}, nil
}
