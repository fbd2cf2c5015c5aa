// Package access decides whether an actor may use a chat session.
package access

import (
	"sort"
	"strings"
)

// Actor is the identity behind a request.
type Actor struct {
	ID            int64
	Name          string
	Roles         []string
	Authenticated bool
}

// Anonymous is the actor of a request without valid credentials.
var Anonymous = Actor{}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanAccess applies the session allow-list: unauthenticated actors are always
// denied, an empty list admits every authenticated actor, otherwise one shared
// role is enough.
func CanAccess(actor Actor, allowedRoles []string) bool {
	if !actor.Authenticated {
		return false
	}
	if len(allowedRoles) == 0 {
		return true
	}
	for _, role := range allowedRoles {
		if actor.HasRole(role) {
			return true
		}
	}
	return false
}

// Policy is CanAccess behind an interface so callers can substitute rules.
type Policy interface {
	CanAccess(actor Actor, allowedRoles []string) bool
}

// AllowList is the default Policy.
type AllowList struct{}

func (AllowList) CanAccess(actor Actor, allowedRoles []string) bool {
	return CanAccess(actor, allowedRoles)
}

// NormalizeRoles trims, lowercases, dedupes and sorts role names.
func NormalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
