// Package tenant carries the caller identity every operation is scoped by.
// Permission resolution happens upstream; this package only models the
// resolved principal and the workspace-isolation checks built on it.
package tenant

import (
	"context"

	"github.com/kbforge/kbforge/internal/kberr"
)

// Role is the caller's role inside a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return Role(s), nil
	default:
		return "", kberr.InvalidArgument("unknown role %q", s)
	}
}

// atLeast orders roles for permission checks.
func (r Role) atLeast(min Role) bool {
	rank := map[Role]int{RoleViewer: 0, RoleEditor: 1, RoleAdmin: 2, RoleOwner: 3}
	return rank[r] >= rank[min]
}

// CanEdit reports whether the role may mutate workspace content.
func (r Role) CanEdit() bool { return r.atLeast(RoleEditor) }

// CanAdmin reports whether the role may access other users' drafts and
// perform destructive operations.
func (r Role) CanAdmin() bool { return r.atLeast(RoleAdmin) }

// Context identifies the caller: org, workspace, user, role. Every entity in
// the pipeline is owned by exactly one workspace.
type Context struct {
	OrgID       string
	WorkspaceID string
	UserID      string
	Role        Role
}

// Validate checks that the principal is fully resolved.
func (c Context) Validate() error {
	if c.WorkspaceID == "" {
		return kberr.InvalidArgument("workspace_id is required")
	}
	if c.UserID == "" {
		return kberr.InvalidArgument("user_id is required")
	}
	if _, err := ParseRole(string(c.Role)); err != nil {
		return err
	}
	return nil
}

// CanAccessDraft reports whether the caller may touch a draft created by
// createdBy in workspace draftWorkspace. Cross-workspace access is reported
// as not-found so existence does not leak.
func (c Context) CanAccessDraft(draftWorkspace, createdBy string) error {
	if c.WorkspaceID != draftWorkspace {
		return kberr.NotFound("draft not found")
	}
	if c.UserID != createdBy && !c.Role.CanAdmin() {
		return kberr.New(kberr.KindForbidden, "draft belongs to another user")
	}
	return nil
}

// RequireWorkspace answers not-found when the caller's workspace does not
// match the entity's workspace.
func (c Context) RequireWorkspace(workspaceID string) error {
	if c.WorkspaceID != workspaceID {
		return kberr.NotFound("not found")
	}
	return nil
}

type ctxKey struct{}

// NewContext attaches a principal to a context.
func NewContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext extracts the principal from a context.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}
