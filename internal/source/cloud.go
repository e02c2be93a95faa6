package source

import (
	"context"
	"time"

	"github.com/kbforge/kbforge/internal/kberr"
)

// CredentialStore resolves workspace-scoped credentials. The concrete store
// lives outside this service.
type CredentialStore interface {
	GetCredential(ctx context.Context, workspaceID, credentialID string) (string, error)
}

// CloudResource is one item a provider enumerates.
type CloudResource struct {
	ID       string
	Name     string
	Mime     string
	IsFolder bool
	Bytes    int64
}

// CloudProvider talks to one external document service. Download and List
// receive the resolved credential; rate limiting inside a provider combines
// with the adapter's shared retry discipline.
type CloudProvider interface {
	ID() string
	List(ctx context.Context, credential, resourceID string) ([]CloudResource, error)
	Download(ctx context.Context, credential, resourceID string) (RawDocument, error)
}

// cloudAdapter bridges cloud providers into the source interface. A folder
// reference enumerates children recursively (one level of folders).
type cloudAdapter struct {
	creds     CredentialStore
	providers map[string]CloudProvider
}

func NewCloudAdapter(creds CredentialStore, providers ...CloudProvider) Adapter {
	m := make(map[string]CloudProvider, len(providers))
	for _, p := range providers {
		m[p.ID()] = p
	}
	return &cloudAdapter{creds: creds, providers: m}
}

func (*cloudAdapter) Kind() Kind { return KindCloud }

func (a *cloudAdapter) Validate(spec Spec) error {
	cfg := spec.Cloud
	if cfg == nil {
		return kberr.InvalidArgument("cloud source requires a cloud config")
	}
	if _, ok := a.providers[cfg.Provider]; !ok {
		return kberr.InvalidArgument("unknown cloud provider %q", cfg.Provider)
	}
	if cfg.ResourceID == "" {
		return kberr.InvalidArgument("cloud source requires a resource id")
	}
	if cfg.CredentialID == "" {
		return kberr.InvalidArgument("cloud source requires a credential id")
	}
	return nil
}

func (a *cloudAdapter) credential(ctx context.Context, cfg *CloudConfig) (string, error) {
	if a.creds == nil {
		return "", kberr.New(kberr.KindInternal, "no credential store configured")
	}
	secret, err := a.creds.GetCredential(ctx, cfg.WorkspaceID, cfg.CredentialID)
	if err != nil {
		return "", kberr.Wrap(kberr.KindForbidden, err, "resolve credential")
	}
	return secret, nil
}

func (a *cloudAdapter) Probe(ctx context.Context, spec Spec) (Probe, error) {
	if err := a.Validate(spec); err != nil {
		return Probe{}, err
	}
	cfg := spec.Cloud
	provider := a.providers[cfg.Provider]
	secret, err := a.credential(ctx, cfg)
	if err != nil {
		return Probe{}, err
	}
	resources, err := provider.List(ctx, secret, cfg.ResourceID)
	if err != nil {
		return Probe{}, err
	}
	probe := Probe{ContentKind: cfg.Provider}
	if len(resources) == 0 {
		probe.EstimatedPages = 1
		return probe, nil
	}
	for _, r := range resources {
		if !r.IsFolder {
			probe.EstimatedPages++
			probe.EstimatedBytes += r.Bytes
		}
	}
	return probe, nil
}

func (a *cloudAdapter) Fetch(ctx context.Context, spec Spec, opts FetchOptions, sink Sink) error {
	if err := a.Validate(spec); err != nil {
		return err
	}
	cfg := spec.Cloud
	provider := a.providers[cfg.Provider]
	secret, err := a.credential(ctx, cfg)
	if err != nil {
		return err
	}

	var resources []CloudResource
	err = withRetry(ctx, func() error {
		var lerr error
		resources, lerr = provider.List(ctx, secret, cfg.ResourceID)
		return lerr
	})
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		resources = []CloudResource{{ID: cfg.ResourceID}}
	}

	// One folder level of child enumeration.
	var flat []CloudResource
	for _, r := range resources {
		if !r.IsFolder {
			flat = append(flat, r)
			continue
		}
		var children []CloudResource
		err := withRetry(ctx, func() error {
			var lerr error
			children, lerr = provider.List(ctx, secret, r.ID)
			return lerr
		})
		if err != nil {
			return err
		}
		for _, child := range children {
			if !child.IsFolder {
				flat = append(flat, child)
			}
		}
	}

	pushed := 0
	if opts.Checkpoint != "" {
		for i, r := range flat {
			if r.ID == opts.Checkpoint {
				flat = flat[i+1:]
				pushed = i + 1
				break
			}
		}
	}

	for _, r := range flat {
		if opts.MaxDocuments > 0 && pushed >= opts.MaxDocuments {
			return nil
		}
		var doc RawDocument
		err := withRetry(ctx, func() error {
			var derr error
			doc, derr = provider.Download(ctx, secret, r.ID)
			return derr
		})
		if kberr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		doc.SourceID = spec.ID
		if doc.ExternalID == "" {
			doc.ExternalID = r.ID
		}
		if doc.FetchedAt.IsZero() {
			doc.FetchedAt = time.Now().UTC()
		}
		if doc.Checksum == "" && doc.Data != nil {
			doc.Checksum = Checksum(doc.Data)
		}
		pushed++
		if err := sink.Push(ctx, doc, r.ID); err != nil {
			return err
		}
	}
	return nil
}
