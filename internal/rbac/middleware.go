package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/crewdesk/crewdesk/internal/platform/httpx"
	"github.com/crewdesk/crewdesk/internal/shared"
)

// Identity is the resolved caller of a guarded request.
type Identity struct {
	UserID int64
	Role   string
}

type identityContextKey struct{}
type resourceContextKey struct{}

// ContextWithIdentity stores the resolved identity in the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity placed by the guard.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// ResourceFromContext extracts a resource fetched by a ResourceCheck so the
// handler does not have to look it up again.
func ResourceFromContext(ctx context.Context) any {
	return ctx.Value(resourceContextKey{})
}

// ResourceCheck authorizes access to a specific resource. It returns the
// fetched resource on success, shared.ErrNotFound when the target does not
// exist, and httpx.ErrForbidden when it exists but the caller may not touch
// it. Any other error is treated as infrastructure failure and denied.
type ResourceCheck func(r *http.Request, id Identity) (any, error)

// Guard wires permission-gated request handling. Authentication is checked
// strictly before authorization: a request with no session always gets 401,
// never 403. Errors from the authoritative service are converted into a
// deny plus a 500, never into an allow.
type Guard struct {
	Service *Service
	Edge    Checker
	Logger  *slog.Logger
}

// RequireAuth ensures a session with a user exists, placing the resolved
// identity into the request context.
func (g Guard) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := g.identity(r)
		if !ok {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// Require ensures the caller holds the named permission.
func (g Guard) Require(permission string) func(http.Handler) http.Handler {
	return g.RequireAny(permission)
}

// RequireAny ensures the caller holds at least one of the named permissions.
// The denial message names the first required permission so the UI can
// explain what is missing.
func (g Guard) RequireAny(permissions ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(permissions)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := g.identity(r)
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			if len(normalized) == 0 {
				next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
				return
			}
			allowed, err := g.Service.HasAnyPermissionByID(r.Context(), id.UserID, normalized)
			if err != nil {
				g.logError("permission check failed", err)
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !allowed {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission: "+strings.Join(normalized, " or "))
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// RequireResource runs a resource-specific authorization check after
// authentication, distinguishing a missing resource (404) from a present
// but forbidden one (403). The fetched resource rides the context into the
// handler.
func (g Guard) RequireResource(check ResourceCheck) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := g.identity(r)
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			resource, err := check(r, id)
			if err != nil {
				switch {
				case errors.Is(err, shared.ErrNotFound):
					httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
				case errors.Is(err, httpx.ErrForbidden):
					httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
				default:
					g.logError("resource check failed", err)
					httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				}
				return
			}
			ctx := ContextWithIdentity(r.Context(), id)
			ctx = context.WithValue(ctx, resourceContextKey{}, resource)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EdgeGate gates a route using the frozen snapshot and the role already in
// the session, with no store access. Only for low-stakes decisions such as
// hiding navigation; privileged actions must go through Require.
func (g Guard) EdgeGate(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := g.identity(r)
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			if g.Edge == nil {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission: "+permission)
				return
			}
			allowed, err := g.Edge.HasPermission(r.Context(), id.Role, permission)
			if err != nil || !allowed {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission: "+permission)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

func (g Guard) identity(r *http.Request) (Identity, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return Identity{}, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return Identity{}, false
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		g.logError("parse session user id", err)
		return Identity{}, false
	}
	return Identity{UserID: userID, Role: sess.Role()}, true
}

func (g Guard) logError(msg string, err error) {
	if g.Logger != nil {
		g.Logger.Error(msg, slog.Any("error", err))
	}
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
