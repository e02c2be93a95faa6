package vector

import (
	"context"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/kbforge/kbforge/internal/kberr"
)

// QdrantConfig holds the connection settings for a qdrant cluster.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// QdrantIndex keeps one qdrant collection per knowledge base, named
// "kb_<id>". The workspace filter is compiled into every search, delete and
// scroll, so a bad caller cannot read across tenants.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	profile    Profile
}

// NewQdrantIndex connects and ensures the KB's collection exists with the
// profile's dimension and cosine distance.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, profile Profile) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, kberr.Wrap(kberr.KindTransient, err, "connect qdrant")
	}

	idx := &QdrantIndex{
		client:     client,
		collection: CollectionName(profile.KBID),
		profile:    profile,
	}
	if err := idx.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return idx, nil
}

// CollectionName maps a knowledge base id to its qdrant collection.
func CollectionName(kbID uuid.UUID) string {
	return "kb_" + kbID.String()
}

func (x *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "check qdrant collection")
	}
	if exists {
		return nil
	}
	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(x.profile.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "create qdrant collection")
	}
	return nil
}

func (x *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if err := validateRecords(x.profile, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(r.ID.String()),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"kb_id":        r.Payload.KBID.String(),
				"workspace_id": r.Payload.WorkspaceID,
				"document_id":  r.Payload.DocumentID.String(),
				"chunk_id":     r.Payload.ChunkID.String(),
				"ordinal":      int64(r.Payload.Ordinal),
				"enabled":      r.Payload.Enabled,
			}),
		})
	}
	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Points:         points,
	})
	if err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "qdrant upsert")
	}
	return nil
}

func (x *QdrantIndex) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id.String()))
	}
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "qdrant delete")
	}
	return nil
}

func (x *QdrantIndex) DeleteByDocument(ctx context.Context, workspaceID string, documentID uuid.UUID) error {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewMatch("workspace_id", workspaceID),
		qdrant.NewMatch("document_id", documentID.String()),
	}}
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "qdrant delete by document")
	}
	return nil
}

func (x *QdrantIndex) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := x.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: x.collection,
		Payload:        qdrant.NewValueMap(map[string]any{"enabled": enabled}),
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewID(id.String())),
	})
	if err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "qdrant set payload")
	}
	return nil
}

func (x *QdrantIndex) Search(ctx context.Context, q *Query) ([]Result, error) {
	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(q.Vector()...),
		Filter:         queryFilter(q),
		Limit:          qdrant.PtrOf(uint64(q.Limit())),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, kberr.Wrap(kberr.KindTransient, err, "qdrant search")
	}
	results := make([]Result, 0, len(points))
	for _, p := range points {
		id, err := uuid.Parse(p.Id.GetUuid())
		if err != nil {
			continue
		}
		payload, err := payloadFromValues(p.Payload)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{ID: id, Score: p.Score, Payload: payload})
	}
	return results, nil
}

func (x *QdrantIndex) IDs(ctx context.Context, workspaceID string) ([]uuid.UUID, error) {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewMatch("workspace_id", workspaceID),
	}}
	var (
		out    []uuid.UUID
		offset *qdrant.PointId
	)
	const pageSize = 1000
	for {
		points, err := x.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: x.collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(pageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(false),
		})
		if err != nil {
			return nil, kberr.Wrap(kberr.KindTransient, err, "qdrant scroll")
		}
		for _, p := range points {
			id, err := uuid.Parse(p.Id.GetUuid())
			if err != nil {
				continue
			}
			out = append(out, id)
		}
		if len(points) < pageSize {
			return out, nil
		}
		offset = points[len(points)-1].Id
	}
}

func (x *QdrantIndex) Count(ctx context.Context) (int64, error) {
	n, err := x.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: x.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, kberr.Wrap(kberr.KindTransient, err, "qdrant count")
	}
	return int64(n), nil
}

func (x *QdrantIndex) Drop(ctx context.Context) error {
	if err := x.client.DeleteCollection(ctx, x.collection); err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "qdrant drop collection")
	}
	return nil
}

func (x *QdrantIndex) Close() error { return x.client.Close() }

func queryFilter(q *Query) *qdrant.Filter {
	must := []*qdrant.Condition{
		qdrant.NewMatch("workspace_id", q.workspaceID),
	}
	if q.kbID != nil {
		must = append(must, qdrant.NewMatch("kb_id", q.kbID.String()))
	}
	if q.documentID != nil {
		must = append(must, qdrant.NewMatch("document_id", q.documentID.String()))
	}
	if q.enabledOnly {
		must = append(must, qdrant.NewMatchBool("enabled", true))
	}
	return &qdrant.Filter{Must: must}
}

func payloadFromValues(values map[string]*qdrant.Value) (Payload, error) {
	p := Payload{
		WorkspaceID: values["workspace_id"].GetStringValue(),
		Ordinal:     int(values["ordinal"].GetIntegerValue()),
		Enabled:     values["enabled"].GetBoolValue(),
	}
	var err error
	if p.KBID, err = uuid.Parse(values["kb_id"].GetStringValue()); err != nil {
		return p, kberr.Wrap(kberr.KindDataError, err, "qdrant payload kb_id")
	}
	if p.DocumentID, err = uuid.Parse(values["document_id"].GetStringValue()); err != nil {
		return p, kberr.Wrap(kberr.KindDataError, err, "qdrant payload document_id")
	}
	if p.ChunkID, err = uuid.Parse(values["chunk_id"].GetStringValue()); err != nil {
		return p, kberr.Wrap(kberr.KindDataError, err, "qdrant payload chunk_id")
	}
	return p, nil
}
