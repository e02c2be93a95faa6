package parser

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/kberr"
)

func init() { Register(emlParser{}) }

// emlParser extracts subject and text parts from an RFC 5322 message.
// Multipart messages prefer text/plain; text/html parts go through the
// HTML parser. Attachments are surfaced in metadata for the caller to
// recurse over as separate documents.
type emlParser struct{}

func (emlParser) Mimes() []string { return []string{"message/rfc822", "application/eml"} }

func (emlParser) Parse(in Input) (*docmodel.Document, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(in.Data))
	if err != nil {
		return nil, kberr.Wrap(kberr.KindDataError, err, "parse eml")
	}

	doc := &docmodel.Document{
		URI:      in.URI,
		Title:    decodeHeader(msg.Header.Get("Subject")),
		Metadata: map[string]string{},
	}
	if from := msg.Header.Get("From"); from != "" {
		doc.Metadata["from"] = decodeHeader(from)
	}
	if date := msg.Header.Get("Date"); date != "" {
		doc.Metadata["date"] = date
	}
	if doc.Title != "" {
		doc.Elements = append(doc.Elements, docmodel.Element{
			Kind: docmodel.KindHeading, Level: 1, Text: doc.Title,
		})
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, kberr.Wrap(kberr.KindDataError, err, "read eml body")
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if err := appendMultipart(doc, body, params["boundary"]); err != nil {
			return nil, err
		}
		return doc, nil
	}
	appendBodyPart(doc, mediaType, body)
	return doc, nil
}

func appendMultipart(doc *docmodel.Document, body []byte, boundary string) error {
	if boundary == "" {
		return kberr.New(kberr.KindDataError, "multipart eml without boundary")
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return kberr.Wrap(kberr.KindDataError, err, "read eml part")
		}
		partType, params, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		data, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return kberr.Wrap(kberr.KindDataError, err, "decode eml part")
		}
		switch {
		case strings.HasPrefix(partType, "multipart/"):
			if err := appendMultipart(doc, data, params["boundary"]); err != nil {
				return err
			}
		case part.FileName() != "":
			// Attachments are not inlined; the ingest layer re-submits them.
			doc.Metadata["attachment."+part.FileName()] = partType
		case partType == "text/plain" || partType == "":
			appendBodyPart(doc, "text/plain", data)
		case partType == "text/html":
			appendBodyPart(doc, "text/html", data)
		}
	}
}

func appendBodyPart(doc *docmodel.Document, mediaType string, body []byte) {
	if mediaType == "text/html" {
		if sub, err := (htmlParser{}).Parse(Input{Data: body}); err == nil {
			doc.Elements = append(doc.Elements, sub.Elements...)
			return
		}
	}
	for _, block := range strings.Split(string(body), "\n\n") {
		text := strings.TrimSpace(block)
		if text == "" {
			continue
		}
		doc.Elements = append(doc.Elements, docmodel.Element{
			Kind: docmodel.KindParagraph, Text: text,
		})
	}
}

func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	return io.ReadAll(r)
}

func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}
