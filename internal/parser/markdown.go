package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kbforge/kbforge/internal/docmodel"
)

func init() { Register(markdownParser{}) }

// markdownParser is a line-oriented block parser covering the structures
// the pipeline cares about: ATX headings, pipe tables, fenced code, lists,
// images, horizontal rules and paragraphs. Inline emphasis survives as
// literal text.
type markdownParser struct{}

func (markdownParser) Mimes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

var (
	headingRe   = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	listItemRe  = regexp.MustCompile(`^(\s*)([-*+]|\d+[.)])\s+(.*)$`)
	tableRowRe  = regexp.MustCompile(`^\s*\|.*\|\s*$`)
	separatorRe = regexp.MustCompile(`^\s*\|?[\s:|-]+\|?\s*$`)
	imageRe     = regexp.MustCompile(`^!\[([^\]]*)\]\(([^)\s]+)[^)]*\)\s*$`)
	hrRe        = regexp.MustCompile(`^\s*(-{3,}|\*{3,}|_{3,})\s*$`)
	pageMarkRe  = regexp.MustCompile(`^<!--\s*page:\s*(\d+)\s*-->$`)
)

func (markdownParser) Parse(in Input) (*docmodel.Document, error) {
	doc := &docmodel.Document{URI: in.URI}
	lines := strings.Split(string(in.Data), "\n")

	var para []string
	page := 0
	flushPara := func() {
		if len(para) == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(para, " "))
		para = para[:0]
		if text != "" {
			doc.Elements = append(doc.Elements, docmodel.Element{
				Kind: docmodel.KindParagraph, Text: text, Page: page,
			})
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if m := pageMarkRe.FindStringSubmatch(trimmed); m != nil {
			flushPara()
			page, _ = strconv.Atoi(m[1])
			continue
		}
		if trimmed == "" {
			flushPara()
			continue
		}
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			flushPara()
			fence := trimmed[:3]
			lang := strings.TrimSpace(strings.TrimLeft(trimmed, "`~"))
			var code []string
			for i++; i < len(lines); i++ {
				if strings.HasPrefix(strings.TrimSpace(lines[i]), fence) {
					break
				}
				code = append(code, lines[i])
			}
			doc.Elements = append(doc.Elements, docmodel.Element{
				Kind: docmodel.KindCodeBlock, Language: lang,
				Text: strings.Join(code, "\n"), Page: page,
			})
			continue
		}
		if m := headingRe.FindStringSubmatch(trimmed); m != nil {
			flushPara()
			text := strings.TrimSpace(m[2])
			doc.Elements = append(doc.Elements, docmodel.Element{
				Kind: docmodel.KindHeading, Level: len(m[1]), Text: text, Page: page,
			})
			if doc.Title == "" && len(m[1]) == 1 {
				doc.Title = text
			}
			continue
		}
		if hrRe.MatchString(trimmed) && len(para) == 0 {
			doc.Elements = append(doc.Elements, docmodel.Element{
				Kind: docmodel.KindSection, Page: page,
			})
			continue
		}
		if m := imageRe.FindStringSubmatch(trimmed); m != nil {
			flushPara()
			doc.Elements = append(doc.Elements, docmodel.Element{
				Kind: docmodel.KindImageRef, Caption: m[1], URI: m[2], Page: page,
			})
			continue
		}
		if tableRowRe.MatchString(line) {
			flushPara()
			table := docmodel.Element{Kind: docmodel.KindTable, Page: page}
			headerSeen := false
			for ; i < len(lines) && tableRowRe.MatchString(lines[i]); i++ {
				if separatorRe.MatchString(lines[i]) && strings.Contains(lines[i], "-") {
					headerSeen = true
					continue
				}
				table.Rows = append(table.Rows, splitTableRow(lines[i], len(table.Rows) == 0))
			}
			i--
			if !headerSeen && len(table.Rows) > 0 {
				for ci := range table.Rows[0] {
					table.Rows[0][ci].Header = false
				}
			}
			doc.Elements = append(doc.Elements, table)
			continue
		}
		if m := listItemRe.FindStringSubmatch(line); m != nil {
			flushPara()
			depth := len(m[1])/2 + 1
			doc.Elements = append(doc.Elements, docmodel.Element{
				Kind: docmodel.KindListItem, Level: depth, Text: strings.TrimSpace(m[3]), Page: page,
			})
			continue
		}
		para = append(para, trimmed)
	}
	flushPara()
	return doc, nil
}

func splitTableRow(line string, header bool) []docmodel.TableCell {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]docmodel.TableCell, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, docmodel.TableCell{
			Text:   strings.TrimSpace(strings.ReplaceAll(p, `\|`, "|")),
			Header: header,
		})
	}
	return cells
}
