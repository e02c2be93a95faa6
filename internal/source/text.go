package source

import (
	"context"
	"time"

	"github.com/kbforge/kbforge/internal/kberr"
)

const maxTextBytes = 5 << 20

// textAdapter wraps a pasted text payload. The reference is the payload
// itself; fetch produces exactly one RawDocument.
type textAdapter struct{}

func NewTextAdapter() Adapter { return textAdapter{} }

func (textAdapter) Kind() Kind { return KindText }

func (textAdapter) Validate(spec Spec) error {
	if spec.Reference == "" {
		return kberr.InvalidArgument("text source requires a non-empty payload")
	}
	if len(spec.Reference) > maxTextBytes {
		return kberr.InvalidArgument("text payload exceeds %d bytes", maxTextBytes)
	}
	return nil
}

func (a textAdapter) Probe(_ context.Context, spec Spec) (Probe, error) {
	if err := a.Validate(spec); err != nil {
		return Probe{}, err
	}
	return Probe{
		EstimatedPages: 1,
		EstimatedBytes: int64(len(spec.Reference)),
		ContentKind:    "text/plain",
	}, nil
}

func (a textAdapter) Fetch(ctx context.Context, spec Spec, _ FetchOptions, sink Sink) error {
	if err := a.Validate(spec); err != nil {
		return err
	}
	data := []byte(spec.Reference)
	doc := RawDocument{
		SourceID:   spec.ID,
		ExternalID: spec.ID,
		URI:        "text:" + spec.ID,
		Mime:       "text/plain",
		Data:       data,
		FetchedAt:  time.Now().UTC(),
		Checksum:   Checksum(data),
	}
	return sink.Push(ctx, doc, "done")
}
