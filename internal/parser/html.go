package parser

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/kberr"
)

func init() { Register(htmlParser{}) }

// htmlParser builds the structured tree from an HTML document. Scripts,
// styles and chrome (nav, header, footer, aside) are stripped unless they
// sit inside article or main, which some sites use as the content root.
type htmlParser struct{}

func (htmlParser) Mimes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (htmlParser) Parse(in Input) (*docmodel.Document, error) {
	root, err := html.Parse(bytes.NewReader(in.Data))
	if err != nil {
		return nil, kberr.Wrap(kberr.KindDataError, err, "parse html")
	}

	doc := &docmodel.Document{URI: in.URI}
	w := &htmlWalker{doc: doc}
	w.walk(root, false)
	w.flushParagraph()
	if doc.Title == "" {
		doc.Title = w.title
	}
	return doc, nil
}

type htmlWalker struct {
	doc       *docmodel.Document
	title     string
	text      strings.Builder
	listDepth int
}

var strippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"iframe": true, "svg": true, "form": true, "button": true,
}

var chromeTags = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true,
}

func (w *htmlWalker) walk(n *html.Node, inContent bool) {
	switch n.Type {
	case html.TextNode:
		w.text.WriteString(n.Data)
		return
	case html.ElementNode:
		tag := n.Data
		if strippedTags[tag] {
			return
		}
		if chromeTags[tag] && !inContent {
			return
		}
		switch tag {
		case "article", "main":
			inContent = true
		case "title":
			w.title = textContent(n)
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			w.flushParagraph()
			level, _ := strconv.Atoi(tag[1:])
			w.append(docmodel.Element{
				Kind: docmodel.KindHeading, Level: level, Text: textContent(n),
			})
			return
		case "p", "blockquote":
			w.flushParagraph()
			w.walkChildren(n, inContent)
			w.flushParagraph()
			return
		case "br":
			w.text.WriteByte('\n')
			return
		case "hr":
			w.flushParagraph()
			w.append(docmodel.Element{Kind: docmodel.KindSection})
			return
		case "ul", "ol":
			w.flushParagraph()
			w.listDepth++
			w.walkChildren(n, inContent)
			w.listDepth--
			return
		case "li":
			w.flushParagraph()
			depth := w.listDepth
			if depth < 1 {
				depth = 1
			}
			w.append(docmodel.Element{
				Kind: docmodel.KindListItem, Level: depth, Text: textContent(n),
			})
			return
		case "table":
			w.flushParagraph()
			if t := parseHTMLTable(n); len(t.Rows) > 0 {
				w.append(t)
			}
			return
		case "pre":
			w.flushParagraph()
			w.append(docmodel.Element{
				Kind:     docmodel.KindCodeBlock,
				Language: codeLanguage(n),
				Text:     rawTextContent(n),
			})
			return
		case "img":
			w.flushParagraph()
			w.append(docmodel.Element{
				Kind:    docmodel.KindImageRef,
				URI:     attr(n, "src"),
				Caption: attr(n, "alt"),
			})
			return
		case "figure":
			w.flushParagraph()
			w.append(parseHTMLFigure(n))
			return
		}
	}
	w.walkChildren(n, inContent)
}

func (w *htmlWalker) walkChildren(n *html.Node, inContent bool) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, inContent)
	}
}

func (w *htmlWalker) append(e docmodel.Element) {
	w.doc.Elements = append(w.doc.Elements, e)
}

func (w *htmlWalker) flushParagraph() {
	text := strings.TrimSpace(w.text.String())
	w.text.Reset()
	if text == "" {
		return
	}
	w.append(docmodel.Element{Kind: docmodel.KindParagraph, Text: text})
}

func parseHTMLTable(n *html.Node) docmodel.Element {
	table := docmodel.Element{Kind: docmodel.KindTable}
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "tr" {
			var row []docmodel.TableCell
			for c := node.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.ElementNode || (c.Data != "td" && c.Data != "th") {
					continue
				}
				cell := docmodel.TableCell{
					Text:   textContent(c),
					Header: c.Data == "th",
				}
				if v := attr(c, "colspan"); v != "" {
					cell.ColSpan, _ = strconv.Atoi(v)
				}
				if v := attr(c, "rowspan"); v != "" {
					cell.RowSpan, _ = strconv.Atoi(v)
				}
				row = append(row, cell)
			}
			if len(row) > 0 {
				table.Rows = append(table.Rows, row)
			}
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return table
}

func parseHTMLFigure(n *html.Node) docmodel.Element {
	fig := docmodel.Element{Kind: docmodel.KindFigure}
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch node.Data {
			case "figcaption":
				fig.Caption = textContent(node)
				return
			case "img":
				fig.Children = append(fig.Children, docmodel.Element{
					Kind:    docmodel.KindImageRef,
					URI:     attr(node, "src"),
					Caption: attr(node, "alt"),
				})
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return fig
}

// codeLanguage pulls the language hint from <pre><code class="language-go">.
func codeLanguage(n *html.Node) string {
	var lang string
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "code" {
			for _, cls := range strings.Fields(attr(node, "class")) {
				if l, ok := strings.CutPrefix(cls, "language-"); ok {
					lang = l
					return
				}
				if l, ok := strings.CutPrefix(cls, "lang-"); ok {
					lang = l
					return
				}
			}
		}
		for c := node.FirstChild; c != nil && lang == ""; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return lang
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		if node.Type == html.ElementNode && strippedTags[node.Data] {
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// rawTextContent preserves whitespace, for pre blocks.
func rawTextContent(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Trim(b.String(), "\n")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
