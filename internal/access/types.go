package access

import (
	"strings"
	"time"
)

// Action is a fine-grained operation on a resource.
type Action string

const (
	ActionNew    Action = "new"
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// ParseAction normalizes s and reports whether it names a known action.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionNew, ActionView, ActionEdit, ActionDelete:
		return a, true
	}
	return "", false
}

// Flags are the boolean grants a group holds on one resource.
type Flags struct {
	CanAccess bool `json:"canAccess"`
	CanNew    bool `json:"canNew"`
	CanView   bool `json:"canView"`
	CanEdit   bool `json:"canEdit"`
	CanDelete bool `json:"canDelete"`
}

// Or merges o into f; any true flag stays true.
func (f Flags) Or(o Flags) Flags {
	return Flags{
		CanAccess: f.CanAccess || o.CanAccess,
		CanNew:    f.CanNew || o.CanNew,
		CanView:   f.CanView || o.CanView,
		CanEdit:   f.CanEdit || o.CanEdit,
		CanDelete: f.CanDelete || o.CanDelete,
	}
}

// Allows requires CanAccess, then the flag for a. An empty action checks
// resource access only.
func (f Flags) Allows(a Action) bool {
	if !f.CanAccess {
		return false
	}
	switch a {
	case "":
		return true
	case ActionNew:
		return f.CanNew
	case ActionView:
		return f.CanView
	case ActionEdit:
		return f.CanEdit
	case ActionDelete:
		return f.CanDelete
	}
	return false
}

var allFlags = Flags{CanAccess: true, CanNew: true, CanView: true, CanEdit: true, CanDelete: true}

// Visibility of a field. Ordering by permissiveness: VISIBLE > READ_ONLY > HIDDEN.
type Visibility string

const (
	VisibilityHidden   Visibility = "HIDDEN"
	VisibilityReadOnly Visibility = "READ_ONLY"
	VisibilityVisible  Visibility = "VISIBLE"
)

var visibilityRank = map[Visibility]int{
	VisibilityHidden:   1,
	VisibilityReadOnly: 2,
	VisibilityVisible:  3,
}

// ParseVisibility normalizes s and reports whether it names a known level.
func ParseVisibility(s string) (Visibility, bool) {
	v := Visibility(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := visibilityRank[v]
	return v, ok
}

// MostPermissive returns the more permissive of a and b. Unknown values lose.
func MostPermissive(a, b Visibility) Visibility {
	if visibilityRank[b] > visibilityRank[a] {
		return b
	}
	return a
}

// Resource is a catalog entry; Module groups resources for module gating.
type Resource struct {
	Code   string `json:"code"`
	Module string `json:"module"`
}

// Group is a named permission bundle scoped to one company.
type Group struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"companyId"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	IsSystem  bool      `json:"isSystem"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GroupUpdate carries optional metadata changes.
type GroupUpdate struct {
	Name     *string
	IsActive *bool
}

// Permission is one group's grant on one resource.
type Permission struct {
	GroupID      string `json:"-"`
	ResourceCode string `json:"resourceCode"`
	Flags
}

// FieldOverride sets a field's visibility for one group.
type FieldOverride struct {
	GroupID      string     `json:"-"`
	ResourceCode string     `json:"resourceCode"`
	FieldPath    string     `json:"fieldPath"`
	Visibility   Visibility `json:"visibility"`
}

// Resolution is the effective permission set of a user in a company.
// Instances returned by the engine are shared through the cache and must not
// be mutated.
type Resolution struct {
	UserID       string                           `json:"userId"`
	CompanyID    string                           `json:"companyId"`
	Unrestricted bool                             `json:"unrestricted"`
	Resources    map[string]Flags                 `json:"resources"`
	Fields       map[string]map[string]Visibility `json:"fields"`
	Modules      []string                         `json:"modules"`
}

// Allows reports whether the resolution grants action on resource; an empty
// action asks for resource access alone.
func (r *Resolution) Allows(resource string, a Action) bool {
	if r == nil {
		return false
	}
	if r.Unrestricted {
		return true
	}
	return r.Resources[resource].Allows(a)
}

// FieldVisibility returns the merged override for a field. Fields without an
// override are VISIBLE.
func (r *Resolution) FieldVisibility(resource, field string) Visibility {
	if r == nil || r.Unrestricted {
		return VisibilityVisible
	}
	if v, ok := r.Fields[resource][field]; ok {
		return v
	}
	return VisibilityVisible
}
