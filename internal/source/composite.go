package source

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/kbforge/kbforge/internal/kberr"
)

const maxCompositeDepth = 2

// compositeAdapter concatenates its children's fetch results into one
// document in declared order. Child boundaries become explicit markers so
// the parser can record them as section breaks.
type compositeAdapter struct {
	registry *Registry
}

func NewCompositeAdapter(registry *Registry) Adapter {
	return &compositeAdapter{registry: registry}
}

func (*compositeAdapter) Kind() Kind { return KindComposite }

func (a *compositeAdapter) Validate(spec Spec) error {
	cfg := spec.Composite
	if cfg == nil || len(cfg.ChildIDs) == 0 {
		return kberr.InvalidArgument("composite source requires at least one child")
	}
	seen := make(map[string]bool, len(cfg.ChildIDs))
	for _, id := range cfg.ChildIDs {
		if id == "" {
			return kberr.InvalidArgument("composite child id is empty")
		}
		if id == spec.ID {
			return kberr.InvalidArgument("composite source cannot contain itself")
		}
		if seen[id] {
			return kberr.InvalidArgument("composite child %s listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

func (a *compositeAdapter) Probe(ctx context.Context, spec Spec) (Probe, error) {
	if err := a.Validate(spec); err != nil {
		return Probe{}, err
	}
	return Probe{
		EstimatedPages: len(spec.Composite.ChildIDs),
		ContentKind:    "composite",
	}, nil
}

func (a *compositeAdapter) Fetch(ctx context.Context, spec Spec, opts FetchOptions, sink Sink) error {
	data, err := a.assemble(ctx, spec, opts, 1)
	if err != nil {
		return err
	}
	doc := RawDocument{
		SourceID:   spec.ID,
		ExternalID: spec.ID,
		URI:        "composite:" + spec.ID,
		Title:      spec.Reference,
		Mime:       "text/markdown",
		Data:       data,
		FetchedAt:  time.Now().UTC(),
		Checksum:   Checksum(data),
	}
	return sink.Push(ctx, doc, "done")
}

// assemble fetches every child and joins their content as markdown with a
// boundary marker per child. Child content that is not already text renders
// through its raw bytes; the parser handles the rest.
func (a *compositeAdapter) assemble(ctx context.Context, spec Spec, opts FetchOptions, depth int) ([]byte, error) {
	if err := a.Validate(spec); err != nil {
		return nil, err
	}
	if depth > maxCompositeDepth {
		return nil, kberr.InvalidArgument("composite nesting exceeds depth %d", maxCompositeDepth)
	}
	if opts.ResolveChild == nil {
		return nil, kberr.New(kberr.KindInternal, "composite fetch requires a child resolver")
	}

	var buf bytes.Buffer
	for i, childID := range spec.Composite.ChildIDs {
		child, err := opts.ResolveChild(childID)
		if err != nil {
			return nil, err
		}
		// The rule renders as a section break, which is how a child
		// boundary survives into the structured document.
		if i > 0 {
			buf.WriteString("\n\n---\n\n")
		}

		if child.Kind == KindComposite {
			nested, err := a.assemble(ctx, child, opts, depth+1)
			if err != nil {
				return nil, err
			}
			buf.Write(nested)
			continue
		}

		adapter, err := a.registry.For(child.Kind)
		if err != nil {
			return nil, err
		}
		collect := SinkFunc(func(_ context.Context, doc RawDocument, _ string) error {
			if doc.Reader != nil {
				defer doc.Reader.Close()
				data, rerr := io.ReadAll(doc.Reader)
				if rerr != nil {
					return kberr.Wrap(kberr.KindInternal, rerr, "read child stream")
				}
				doc.Data = data
			}
			buf.Write(doc.Data)
			buf.WriteString("\n")
			return nil
		})
		childOpts := FetchOptions{ResolveChild: opts.ResolveChild}
		if err := adapter.Fetch(ctx, child, childOpts, collect); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
