package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kbforge/kbforge/internal/kberr"
)

// FileLimits bounds uploads. Zero values take the defaults.
type FileLimits struct {
	MaxBytes           int64 // per-workspace cap, default 50 MiB
	StreamingThreshold int64 // buffer below, stream above, default 10 MiB
}

func (l FileLimits) maxBytes() int64 {
	if l.MaxBytes > 0 {
		return l.MaxBytes
	}
	return 50 << 20
}

func (l FileLimits) streamingThreshold() int64 {
	if l.StreamingThreshold > 0 {
		return l.StreamingThreshold
	}
	return 10 << 20
}

// fileAdapter handles uploaded files: inline payloads for small uploads,
// server-side paths streamed for large ones.
type fileAdapter struct {
	limits FileLimits
}

func NewFileAdapter(limits FileLimits) Adapter {
	return &fileAdapter{limits: limits}
}

func (*fileAdapter) Kind() Kind { return KindFile }

func (a *fileAdapter) Validate(spec Spec) error {
	cfg := spec.File
	if cfg == nil {
		return kberr.InvalidArgument("file source requires a file config")
	}
	if cfg.Mime == "" {
		return kberr.InvalidArgument("file source requires a declared mime type")
	}
	if len(cfg.Data) == 0 && cfg.Path == "" {
		return kberr.InvalidArgument("file source requires inline data or a path")
	}

	size, head, err := a.sizeAndHead(cfg)
	if err != nil {
		return err
	}
	if size > a.capFor(cfg) {
		return kberr.Newf(kberr.KindResourceExhausted,
			"file size %d exceeds cap %d", size, a.capFor(cfg))
	}
	if len(head) > 0 && !mimeCompatible(cfg.Mime, http.DetectContentType(head)) {
		return kberr.InvalidArgument(
			"declared mime %q does not match file content", cfg.Mime)
	}
	return nil
}

func (a *fileAdapter) capFor(cfg *FileConfig) int64 {
	if cfg.MaxBytes > 0 && cfg.MaxBytes < a.limits.maxBytes() {
		return cfg.MaxBytes
	}
	return a.limits.maxBytes()
}

func (a *fileAdapter) sizeAndHead(cfg *FileConfig) (int64, []byte, error) {
	if len(cfg.Data) > 0 {
		head := cfg.Data
		if len(head) > 512 {
			head = head[:512]
		}
		return int64(len(cfg.Data)), head, nil
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, kberr.NotFound("file %s not found", filepath.Base(cfg.Path))
		}
		return 0, nil, kberr.Wrap(kberr.KindInternal, err, "stat upload")
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return 0, nil, kberr.Wrap(kberr.KindInternal, err, "open upload")
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, nil, kberr.Wrap(kberr.KindInternal, err, "read upload head")
	}
	return info.Size(), head[:n], nil
}

func (a *fileAdapter) Probe(_ context.Context, spec Spec) (Probe, error) {
	if err := a.Validate(spec); err != nil {
		return Probe{}, err
	}
	size, _, err := a.sizeAndHead(spec.File)
	if err != nil {
		return Probe{}, err
	}
	return Probe{EstimatedPages: 1, EstimatedBytes: size, ContentKind: spec.File.Mime}, nil
}

func (a *fileAdapter) Fetch(ctx context.Context, spec Spec, _ FetchOptions, sink Sink) error {
	if err := a.Validate(spec); err != nil {
		return err
	}
	cfg := spec.File
	doc := RawDocument{
		SourceID:   spec.ID,
		ExternalID: cfg.Name,
		URI:        "file:" + cfg.Name,
		Title:      cfg.Name,
		Mime:       cfg.Mime,
		FetchedAt:  time.Now().UTC(),
	}

	if len(cfg.Data) > 0 {
		doc.Data = cfg.Data
		doc.Checksum = Checksum(cfg.Data)
		return sink.Push(ctx, doc, "done")
	}

	size, _, err := a.sizeAndHead(cfg)
	if err != nil {
		return err
	}
	if size <= a.limits.streamingThreshold() {
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return kberr.Wrap(kberr.KindInternal, err, "read upload")
		}
		doc.Data = data
		doc.Checksum = Checksum(data)
		return sink.Push(ctx, doc, "done")
	}

	// Large uploads stream to the parser. The checksum pass reads the file
	// once up front so dedupe still works.
	checksum, err := fileChecksum(cfg.Path)
	if err != nil {
		return err
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, err, "open upload")
	}
	doc.Reader = f
	doc.Checksum = checksum
	return sink.Push(ctx, doc, "done")
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", kberr.Wrap(kberr.KindInternal, err, "open upload")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", kberr.Wrap(kberr.KindInternal, err, "checksum upload")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// mimeCompatible accepts a declared mime when it equals the sniffed one or
// is one alias away. Sniffing cannot distinguish text subtypes or the
// zip-based office family, so those families alias to each other.
func mimeCompatible(declared, sniffed string) bool {
	d := baseMime(declared)
	s := baseMime(sniffed)
	if d == s {
		return true
	}
	return mimeFamily(d) != "" && mimeFamily(d) == mimeFamily(s)
}

func baseMime(m string) string {
	parsed, _, err := mime.ParseMediaType(m)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(m))
	}
	return parsed
}

func mimeFamily(m string) string {
	switch m {
	case "text/plain", "text/markdown", "text/csv", "text/tab-separated-values",
		"text/x-rst", "text/x-org", "message/rfc822":
		return "text"
	case "text/html", "application/xhtml+xml", "text/xml", "application/xml":
		return "markup"
	case "application/zip",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"application/epub+zip":
		return "zip"
	case "application/msword", "application/vnd.ms-excel",
		"application/vnd.ms-powerpoint", "application/x-ole-storage":
		return "ole"
	default:
		if strings.HasPrefix(m, "text/") {
			return "text"
		}
		return ""
	}
}
