package access

import (
	"slices"
	"strings"
)

// Merge reduces the grants of every group a user belongs to. A flag is true
// if any group grants it; a field takes its most permissive override.
// catalog maps resource code to module; only resources with CanAccess
// contribute their module.
func Merge(perms []Permission, overrides []FieldOverride, catalog map[string]string) *Resolution {
	res := &Resolution{
		Resources: make(map[string]Flags),
		Fields:    make(map[string]map[string]Visibility),
		Modules:   []string{},
	}
	for _, p := range perms {
		res.Resources[p.ResourceCode] = res.Resources[p.ResourceCode].Or(p.Flags)
	}
	for _, o := range overrides {
		if _, ok := visibilityRank[o.Visibility]; !ok {
			continue
		}
		fields, ok := res.Fields[o.ResourceCode]
		if !ok {
			fields = make(map[string]Visibility)
			res.Fields[o.ResourceCode] = fields
		}
		if cur, ok := fields[o.FieldPath]; ok {
			fields[o.FieldPath] = MostPermissive(cur, o.Visibility)
		} else {
			fields[o.FieldPath] = o.Visibility
		}
	}
	seen := make(map[string]struct{})
	for code, flags := range res.Resources {
		if !flags.CanAccess {
			continue
		}
		module := strings.ToLower(catalog[code])
		if module == "" {
			continue
		}
		if _, ok := seen[module]; ok {
			continue
		}
		seen[module] = struct{}{}
		res.Modules = append(res.Modules, module)
	}
	slices.Sort(res.Modules)
	return res
}

// unrestricted builds the top-tier resolution: every catalog resource with
// every flag and every module.
func unrestricted(userID, companyID string, catalog []Resource) *Resolution {
	res := &Resolution{
		UserID:       userID,
		CompanyID:    companyID,
		Unrestricted: true,
		Resources:    make(map[string]Flags, len(catalog)),
		Fields:       map[string]map[string]Visibility{},
		Modules:      []string{},
	}
	seen := make(map[string]struct{})
	for _, r := range catalog {
		res.Resources[r.Code] = allFlags
		module := strings.ToLower(r.Module)
		if module == "" {
			continue
		}
		if _, ok := seen[module]; !ok {
			seen[module] = struct{}{}
			res.Modules = append(res.Modules, module)
		}
	}
	slices.Sort(res.Modules)
	return res
}
