package httpapi

import (
	"net/http"
	"strings"

	"nexa-erp.dev/internal/access"
	"nexa-erp.dev/internal/auth"
	"nexa-erp.dev/internal/authz"
)

type groupCreateRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type groupUpdateRequest struct {
	Name     *string `json:"name,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`
}

type grantsRequest struct {
	Permissions    []access.Permission    `json:"permissions"`
	FieldOverrides []access.FieldOverride `json:"fieldOverrides"`
}

type membershipsRequest struct {
	GroupIDs []string `json:"groupIds"`
}

type permissionsResponse struct {
	UserID         string                                  `json:"userId"`
	CompanyID      string                                  `json:"companyId"`
	Role           auth.Role                               `json:"role"`
	Unrestricted   bool                                    `json:"unrestricted"`
	EnabledModules []string                                `json:"enabledModules"`
	Resources      map[string]access.Flags                 `json:"resources"`
	Fields         map[string]map[string]access.Visibility `json:"fields"`
}

// handleGroups serves /access-groups.
func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	tenant := requestContext(r).Tenant
	switch r.Method {
	case http.MethodGet:
		groups, err := a.admin.ListGroups(r.Context(), tenant.CompanyID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, groups)
	case http.MethodPost:
		var req groupCreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		g, err := a.admin.CreateGroup(r.Context(), tenant.CompanyID, access.NewGroup{Code: req.Code, Name: req.Name})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, g)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleGroup serves /access-groups/{id} and /access-groups/{id}/permissions.
func (a *API) handleGroup(w http.ResponseWriter, r *http.Request) {
	tenant := requestContext(r).Tenant
	parts := pathParts(r.URL.Path, "/access-groups/")
	switch {
	case len(parts) == 1:
		groupID := parts[0]
		switch r.Method {
		case http.MethodPatch:
			var req groupUpdateRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, err)
				return
			}
			g, err := a.admin.UpdateGroup(r.Context(), tenant.CompanyID, groupID, access.GroupUpdate{Name: req.Name, IsActive: req.IsActive})
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeData(w, http.StatusOK, g)
		case http.MethodDelete:
			if err := a.admin.DeleteGroup(r.Context(), tenant.CompanyID, groupID); err != nil {
				writeError(w, r, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"id": groupID, "deleted": true})
		default:
			methodNotAllowed(w, r, http.MethodPatch, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "permissions":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req grantsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.admin.ReplaceGrants(r.Context(), tenant.CompanyID, parts[0], req.Permissions, req.FieldOverrides); err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"id":             parts[0],
			"permissions":    len(req.Permissions),
			"fieldOverrides": len(req.FieldOverrides),
		})
	default:
		notFound(w, r)
	}
}

// handleUser serves /users/{id}/access-groups and /users/{id}/deactivate.
func (a *API) handleUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	parts := pathParts(r.URL.Path, "/users/")
	if len(parts) != 2 {
		notFound(w, r)
		return
	}
	userID := parts[0]
	switch parts[1] {
	case "access-groups":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req membershipsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.admin.ReplaceMemberships(r.Context(), actor.CompanyID, userID, req.GroupIDs); err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"userId": userID, "groupIds": req.GroupIDs})
	case "deactivate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.auth.DeactivateUser(r.Context(), actor, userID); err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"userId": userID, "isActive": false})
	default:
		notFound(w, r)
	}
}

// handleMyPermissions returns the caller's effective resolution in the
// active company.
func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenant := requestContext(r).Tenant
	res, err := a.engine.Effective(r.Context(), tenant.UserID, tenant.CompanyID, tenant.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, permissionsResponse{
		UserID:         tenant.UserID,
		CompanyID:      tenant.CompanyID,
		Role:           tenant.Role,
		Unrestricted:   res.Unrestricted,
		EnabledModules: tenant.EnabledModules,
		Resources:      res.Resources,
		Fields:         res.Fields,
	})
}

// handleResourceCheck serves GET /resources/{code}/check[?action=]. Without
// an action only resource access is checked.
func (a *API) handleResourceCheck(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/resources/")
	if len(parts) != 2 || parts[1] != "check" {
		notFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	var action access.Action
	if raw := r.URL.Query().Get("action"); raw != "" {
		parsed, ok := access.ParseAction(raw)
		if !ok {
			writeError(w, r, auth.Validation("action must be one of new, view, edit, delete", map[string]any{"action": "invalid"}))
			return
		}
		action = parsed
	}
	resource := parts[0]
	rc := requestContext(r)
	if _, err := authz.RequirePermission(a.engine, resource, action)(r.Context(), r, rc); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.engine.Effective(r.Context(), rc.Tenant.UserID, rc.Tenant.CompanyID, rc.Tenant.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"resource": resource,
		"action":   string(action),
		"allowed":  true,
		"fields":   res.Fields[resource],
	})
}

// pathParts splits the path below prefix into non-empty segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
