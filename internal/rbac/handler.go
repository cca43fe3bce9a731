package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/crewdesk/crewdesk/internal/platform/httpx"
	"github.com/crewdesk/crewdesk/internal/shared"
)

// Handler exposes the role/permission administration API and the
// check/snapshot endpoints consumed by the UI.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	snapshot  *Snapshot
	guard     Guard
	validator *validator.Validate
	titler    cases.Caser
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, snapshot *Snapshot, guard Guard) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		snapshot:  snapshot,
		guard:     guard,
		validator: validator.New(),
		titler:    cases.Title(language.English),
	}
}

// MountRoutes registers rbac routes. Administration requires manage_roles;
// check and snapshot only require an authenticated session.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(shared.PermManageRoles))
		r.Get("/roles", h.listRoles)
		r.Post("/roles", h.createRole)
		r.Delete("/roles/{name}", h.deleteRole)
		r.Get("/roles/{id}/permissions", h.rolePermissions)
		r.Put("/roles/{id}/permissions", h.replaceRolePermissions)
		r.Get("/permissions", h.listPermissions)
		r.Post("/permissions", h.createPermission)
		r.Get("/matrix", h.permissionMatrix)
		r.Put("/matrix", h.updateMatrix)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAuth)
		r.Get("/check", h.check)
		r.Get("/snapshot", h.serveSnapshot)
	})
}

type roleResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Color       string    `json:"color,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type permissionResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
	Color       string `json:"color" validate:"omitempty,hexcolor"`
}

type createPermissionRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
	Category    string `json:"category" validate:"required,max=64"`
}

type replacePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if !h.validate(w, req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description, req.Color)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"role": toRoleResponse(role)})
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deleted, err := h.service.DeleteRole(r.Context(), name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !deleted {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "role does not exist")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": name})
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "role id must be numeric")
		return
	}
	perms, err := h.service.PermissionsForRole(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, perm := range perms {
		out = append(out, toPermissionResponse(perm))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) replaceRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "role id must be numeric")
		return
	}
	var req replacePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	count, err := h.service.ReplaceRolePermissions(r.Context(), roleID, req.Permissions)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": count})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, perm := range perms {
		out = append(out, toPermissionResponse(perm))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if !h.validate(w, req) {
		return
	}
	category := h.titler.String(req.Category)
	perm, err := h.service.CreatePermission(r.Context(), req.Name, req.Description, category)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"permission": toPermissionResponse(perm)})
}

func (h *Handler) permissionMatrix(w http.ResponseWriter, r *http.Request) {
	matrix, err := h.service.PermissionMatrix(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"matrix": matrix})
}

func (h *Handler) updateMatrix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Matrix Matrix `json:"matrix"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if len(req.Matrix) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "matrix must not be empty")
		return
	}
	if err := h.service.UpdateAllRolePermissions(r.Context(), req.Matrix); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": len(req.Matrix)})
}

// check answers a single membership question for either a role name or a
// user id. The caller only needs a session; the answer leaks nothing beyond
// the permission name the caller already supplied.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	permission := r.URL.Query().Get("permission")
	if permission == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "permission query parameter is required")
		return
	}

	var (
		allowed bool
		err     error
	)
	switch {
	case r.URL.Query().Get("role") != "":
		allowed, err = h.service.HasPermission(r.Context(), r.URL.Query().Get("role"), permission)
	case r.URL.Query().Get("user_id") != "":
		var userID int64
		userID, err = strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "user_id must be numeric")
			return
		}
		allowed, err = h.service.HasPermissionByID(r.Context(), userID, permission)
	default:
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "role or user_id query parameter is required")
		return
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": allowed, "permission": permission})
}

// serveSnapshot hands the bundled role to permission mapping to the browser
// for optimistic UI checks. Provisional data only; every privileged action
// still passes the authoritative guard.
func (h *Handler) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.snapshot == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Snapshot Unavailable", "no edge snapshot bundled")
		return
	}
	httpx.JSON(w, http.StatusOK, h.snapshot)
}

func (h *Handler) validate(w http.ResponseWriter, req any) bool {
	if err := h.validator.Struct(req); err != nil {
		fields := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
		}
		httpx.ProblemWithDetails(w, http.StatusBadRequest, "Validation Failed", "invalid request payload", fields)
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var unknown *UnknownPermissionsError
	switch {
	case errors.As(err, &unknown):
		httpx.ProblemWithDetails(w, http.StatusBadRequest, "Unknown Permissions", err.Error(),
			map[string]any{"unknown_permissions": unknown.Names})
	case errors.Is(err, ErrDuplicateName):
		httpx.Problem(w, http.StatusBadRequest, "Duplicate Name", err.Error())
	case errors.Is(err, ErrProtectedRole):
		httpx.Problem(w, http.StatusBadRequest, "Protected Role", err.Error())
	case errors.Is(err, ErrRoleNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("rbac request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		Color:       role.Color,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func toPermissionResponse(perm Permission) permissionResponse {
	return permissionResponse{
		ID:          perm.ID,
		Name:        perm.Name,
		Description: perm.Description,
		Category:    perm.Category,
	}
}
