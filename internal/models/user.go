package models

import "strings"

// UserRole is a role name carried in access tokens.
type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RolePlayer UserRole = "player"
)

// NormalizeRoles lowercases, trims and de-duplicates role names.
func NormalizeRoles(raw []string) []UserRole {
	seen := make(map[UserRole]struct{}, len(raw))
	roles := make([]UserRole, 0, len(raw))
	for _, r := range raw {
		role := UserRole(strings.ToLower(strings.TrimSpace(r)))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	return roles
}

func HasRole(roles []UserRole, want UserRole) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
