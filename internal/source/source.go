// Package source defines the input adapters. One adapter per source kind,
// each exposing validate, probe and fetch behind a registry so new kinds
// register once instead of branching everywhere.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kbforge/kbforge/internal/chunker"
	"github.com/kbforge/kbforge/internal/kberr"
)

// Kind names a source adapter.
type Kind string

const (
	KindWeb       Kind = "web"
	KindFile      Kind = "file"
	KindCloud     Kind = "cloud"
	KindText      Kind = "text"
	KindComposite Kind = "composite"
)

// WebMethod selects the web adapter behavior.
type WebMethod string

const (
	MethodScrape  WebMethod = "scrape"
	MethodCrawl   WebMethod = "crawl"
	MethodMap     WebMethod = "map"
	MethodSearch  WebMethod = "search"
	MethodExtract WebMethod = "extract"
)

// WebConfig bounds a web fetch. For method=search the spec reference is the
// query string rather than a URL. StealthMode sends browser-shaped request
// headers for sites that reject obvious crawlers; robots.txt is still
// honored.
type WebConfig struct {
	Method          WebMethod `json:"method"`
	MaxPages        int       `json:"max_pages"`
	MaxDepth        int       `json:"max_depth"`
	IncludePatterns []string  `json:"include_patterns,omitempty"`
	ExcludePatterns []string  `json:"exclude_patterns,omitempty"`
	RequestDelayMS  int       `json:"request_delay_ms"`
	MaxConcurrency  int       `json:"max_concurrency"`
	RespectRobots   *bool     `json:"respect_robots,omitempty"` // default true
	StealthMode     bool      `json:"stealth_mode,omitempty"`
}

func (c *WebConfig) respectRobots() bool {
	return c.RespectRobots == nil || *c.RespectRobots
}

// FileConfig describes an uploaded file.
type FileConfig struct {
	Name     string `json:"name"`
	Mime     string `json:"mime"`
	Path     string `json:"path,omitempty"` // server-side path for large uploads
	Data     []byte `json:"data,omitempty"` // inline payload for small uploads
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// CloudConfig addresses a resource in an external provider.
type CloudConfig struct {
	Provider     string `json:"provider"`
	ResourceID   string `json:"resource_id"`
	CredentialID string `json:"credential_id"`
	WorkspaceID  string `json:"workspace_id"`
}

// CompositeConfig lists child source ids in concatenation order.
type CompositeConfig struct {
	ChildIDs []string `json:"child_ids"`
}

// Spec declares one source. Exactly the config for its Kind is set.
type Spec struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	Reference   string           `json:"reference"`
	Web         *WebConfig       `json:"web,omitempty"`
	File        *FileConfig      `json:"file,omitempty"`
	Cloud       *CloudConfig     `json:"cloud,omitempty"`
	Composite   *CompositeConfig `json:"composite,omitempty"`
	Annotations []string         `json:"annotations,omitempty"`
	Chunking    *chunker.Config  `json:"chunking,omitempty"`
}

// RawDocument is one fetched input before parsing. Data holds buffered
// payloads; Reader is set instead for streamed files.
type RawDocument struct {
	SourceID   string
	ExternalID string
	URI        string
	Title      string
	Mime       string
	Data       []byte
	Reader     io.ReadCloser
	FetchedAt  time.Time
	Checksum   string
	Metadata   map[string]string
}

// Probe is a cheap estimate used by preview pacing.
type Probe struct {
	EstimatedPages int    `json:"estimated_pages"`
	EstimatedBytes int64  `json:"estimated_bytes"`
	ContentKind    string `json:"content_kind"`
}

// Sink accepts fetched documents. Push returning an error stops the fetch;
// the checkpoint token lets a restart resume past already-delivered work.
type Sink interface {
	Push(ctx context.Context, doc RawDocument, checkpoint string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, doc RawDocument, checkpoint string) error

func (f SinkFunc) Push(ctx context.Context, doc RawDocument, checkpoint string) error {
	return f(ctx, doc, checkpoint)
}

// FetchOptions carries per-fetch collaborators and limits.
type FetchOptions struct {
	// Checkpoint resumes a restartable fetch past delivered work.
	Checkpoint string
	// MaxDocuments bounds the fetch below the spec's own limits; 0 = no cap.
	MaxDocuments int
	// ResolveChild maps a child source id to its spec, for composite.
	ResolveChild func(id string) (Spec, error)
}

// Adapter is the uniform capability set of a source kind.
type Adapter interface {
	Kind() Kind
	Validate(spec Spec) error
	Probe(ctx context.Context, spec Spec) (Probe, error)
	Fetch(ctx context.Context, spec Spec, opts FetchOptions, sink Sink) error
}

// Registry maps kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Kind]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// For resolves an adapter; unknown kinds are InvalidArgument.
func (r *Registry) For(kind Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, kberr.InvalidArgument("unknown source kind %q", kind)
	}
	return a, nil
}

// Kinds lists registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate dispatches to the adapter for the spec's kind.
func (r *Registry) Validate(spec Spec) error {
	a, err := r.For(spec.Kind)
	if err != nil {
		return err
	}
	if spec.Chunking != nil {
		if err := spec.Chunking.Validate(); err != nil {
			return err
		}
	}
	return a.Validate(spec)
}

// Defaults builds a registry with every bundled adapter. The cloud adapter
// is wired with the given credential store and provider set; pass nil to
// register it with no providers.
func Defaults(creds CredentialStore, providers ...CloudProvider) *Registry {
	r := NewRegistry()
	r.Register(NewTextAdapter())
	r.Register(NewFileAdapter(FileLimits{}))
	r.Register(NewWebAdapter(nil))
	r.Register(NewCloudAdapter(creds, providers...))
	r.Register(NewCompositeAdapter(r))
	return r
}

// Checksum is the content identity used for document dedupe.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumReader consumes r computing the checksum and returns the bytes.
func ChecksumReader(r io.Reader) ([]byte, string, error) {
	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(r, h))
	if err != nil {
		return nil, "", err
	}
	return data, hex.EncodeToString(h.Sum(nil)), nil
}
