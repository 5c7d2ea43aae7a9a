package access

import "context"

// Store is the persistence port of the permission subsystem.
type Store interface {
	// ActiveGroupIDs lists the active groups of companyID that userID belongs to.
	ActiveGroupIDs(ctx context.Context, userID, companyID string) ([]string, error)
	// Grants returns permission rows and field overrides of the given groups.
	Grants(ctx context.Context, groupIDs []string) ([]Permission, []FieldOverride, error)
	// Resources returns the resource catalog.
	Resources(ctx context.Context) ([]Resource, error)

	GetGroup(ctx context.Context, id string) (*Group, error)
	ListGroups(ctx context.Context, companyID string) ([]Group, error)
	// CreateGroup returns auth.ErrGroupCodeTaken when the code exists in the company.
	CreateGroup(ctx context.Context, g *Group) error
	UpdateGroup(ctx context.Context, id string, upd GroupUpdate) (*Group, error)
	DeleteGroup(ctx context.Context, id string) error
	// ReplaceGrants swaps all permission rows and overrides of a group in one transaction.
	ReplaceGrants(ctx context.Context, groupID string, perms []Permission, overrides []FieldOverride) error
	// ReplaceMemberships swaps the user's groups within companyID in one transaction.
	ReplaceMemberships(ctx context.Context, userID, companyID string, groupIDs []string) error
}
