package catalog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/chunker"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/storage"
)

// SourceFromSpec converts an authoring-time source spec into its catalog row.
// The kind-specific config travels as a JSON document so the row schema does
// not change per kind.
func SourceFromSpec(kb *storage.KnowledgeBase, spec source.Spec) (*storage.Source, error) {
	id, err := uuid.Parse(spec.ID)
	if err != nil {
		id = uuid.New()
	}
	cfg, err := sourceConfigMap(spec)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	row := &storage.Source{
		ID:          id,
		KBID:        kb.ID,
		WorkspaceID: kb.WorkspaceID,
		Kind:        storage.SourceKind(spec.Kind),
		Reference:   spec.Reference,
		Config:      cfg,
		Annotations: storage.JSONStrings(spec.Annotations),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if spec.Chunking != nil {
		col := storage.ChunkingColumn(*spec.Chunking)
		row.Chunking = &col
	}
	return row, nil
}

// SpecFromSource is the inverse: the pipeline reconstructs the adapter spec
// from the stored row when a run starts.
func SpecFromSource(row *storage.Source) (source.Spec, error) {
	spec := source.Spec{
		ID:          row.ID.String(),
		Kind:        source.Kind(row.Kind),
		Reference:   row.Reference,
		Annotations: []string(row.Annotations),
	}
	if row.Chunking != nil {
		cfg := chunker.Config(*row.Chunking)
		spec.Chunking = &cfg
	}
	if err := sourceConfigInto(row.Config, &spec); err != nil {
		return source.Spec{}, err
	}
	return spec, nil
}

func sourceConfigMap(spec source.Spec) (storage.JSONMap, error) {
	var payload any
	switch spec.Kind {
	case source.KindWeb:
		payload = spec.Web
	case source.KindFile:
		payload = spec.File
	case source.KindCloud:
		payload = spec.Cloud
	case source.KindComposite:
		payload = spec.Composite
	case source.KindText:
		return storage.JSONMap{}, nil
	default:
		return nil, kberr.InvalidArgument("unknown source kind %q", spec.Kind)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindInternal, err, "encode source config")
	}
	var m storage.JSONMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, kberr.Wrap(kberr.KindInternal, err, "encode source config")
	}
	return m, nil
}

func sourceConfigInto(m storage.JSONMap, spec *source.Spec) error {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return kberr.Wrap(kberr.KindDataError, err, "decode source config")
	}
	var target any
	switch spec.Kind {
	case source.KindWeb:
		spec.Web = &source.WebConfig{}
		target = spec.Web
	case source.KindFile:
		spec.File = &source.FileConfig{}
		target = spec.File
	case source.KindCloud:
		spec.Cloud = &source.CloudConfig{}
		target = spec.Cloud
	case source.KindComposite:
		spec.Composite = &source.CompositeConfig{}
		target = spec.Composite
	case source.KindText:
		return nil
	default:
		return kberr.InvalidArgument("unknown source kind %q", spec.Kind)
	}
	if err := json.Unmarshal(b, target); err != nil {
		return kberr.Wrap(kberr.KindDataError, err, "decode source config")
	}
	return nil
}
