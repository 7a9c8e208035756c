// Package auth verifies connect-time bearer tokens and exposes the resulting
// identity as an immutable AuthContext.
package auth

import (
	"sort"
	"time"
)

// AuthContext is the verified identity of a connection. It is never mutated
// after construction; a new token means a new connection.
type AuthContext struct {
	userID    string
	email     string
	roles     map[string]struct{}
	projects  map[string]struct{}
	teams     map[string]struct{}
	expiresAt time.Time
}

// NewAuthContext builds a context from already-verified claims.
func NewAuthContext(userID, email string, roles, projects, teams []string, expiresAt time.Time) *AuthContext {
	return &AuthContext{
		userID:    userID,
		email:     email,
		roles:     toSet(roles),
		projects:  toSet(projects),
		teams:     toSet(teams),
		expiresAt: expiresAt,
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *AuthContext) UserID() string       { return a.userID }
func (a *AuthContext) Email() string        { return a.email }
func (a *AuthContext) ExpiresAt() time.Time { return a.expiresAt }

// Roles returns a sorted copy of the role set.
func (a *AuthContext) Roles() []string { return sorted(a.roles) }

// EntityMemberships returns a sorted copy of the project ids the identity may access.
func (a *AuthContext) EntityMemberships() []string { return sorted(a.projects) }

// Teams returns a sorted copy of the team ids from the token.
func (a *AuthContext) Teams() []string { return sorted(a.teams) }

func (a *AuthContext) HasRole(role string) bool {
	_, ok := a.roles[role]
	return ok
}

// HasAnyRole reports whether at least one of roles is held.
func (a *AuthContext) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// IsMember reports whether entityID is one of the identity's entity memberships.
func (a *AuthContext) IsMember(entityID string) bool {
	_, ok := a.projects[entityID]
	return ok
}

func (a *AuthContext) IsTeamMember(teamID string) bool {
	_, ok := a.teams[teamID]
	return ok
}

// Expired reports whether the token's expiry lies before now.
func (a *AuthContext) Expired(now time.Time) bool {
	return !a.expiresAt.IsZero() && now.After(a.expiresAt)
}
