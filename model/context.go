package model

import (
	"context"
	"errors"
)

// Administrative roles. Holding either one bypasses step assignment checks
// wherever the workflow engine documents an admin override.
const (
	RoleAdministrator      = "Administrator"
	RoleSuperAdministrator = "Super Administrator"
)

// RequestContext carries the identity and tracing information for the
// lifetime of an authenticated request. It is immutable after construction and
// safe for concurrent reads.
type RequestContext struct {
	UserID        int64
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that the caller carries a usable user id.
func (rc *RequestContext) Validate() error {
	if rc.UserID <= 0 {
		return errors.New("UserID is required")
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole returns true if the caller holds at least one of roles.
func (rc *RequestContext) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if rc.HasRole(role) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the caller holds an administrative role.
func (rc *RequestContext) IsAdmin() bool {
	return rc.HasAnyRole(RoleAdministrator, RoleSuperAdministrator)
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// RequireCaller returns UNAUTHORIZED when rctx is missing or carries no user.
func RequireCaller(rctx *RequestContext) error {
	if rctx == nil {
		return NewUnauthorizedError("missing request context")
	}
	if err := rctx.Validate(); err != nil {
		return NewUnauthorizedError(err.Error())
	}
	return nil
}

// RequireAdmin returns UNAUTHORIZED for a missing caller and FORBIDDEN for a
// caller without an administrative role.
func RequireAdmin(rctx *RequestContext) error {
	if err := RequireCaller(rctx); err != nil {
		return err
	}
	if !rctx.IsAdmin() {
		return NewForbiddenError("administrator role required")
	}
	return nil
}
