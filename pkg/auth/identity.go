package auth

import (
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleReviewer Role = "REVIEWER"
	RoleViewer   Role = "VIEWER"
)

// KnownRoles lists every role the service recognises.
func KnownRoles() []Role {
	return []Role{RoleAdmin, RoleReviewer, RoleViewer}
}

// ParseRole accepts "ADMIN", "admin" and "ROLE_ADMIN" style names.
func ParseRole(raw string) (Role, bool) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	name = strings.TrimPrefix(name, "ROLE_")
	for _, r := range KnownRoles() {
		if string(r) == name {
			return r, true
		}
	}
	return "", false
}

// Identity is the verified caller of a single request. The zero value is an
// anonymous identity with no roles.
type Identity struct {
	subject   string
	roles     []Role
	issuedAt  time.Time
	expiresAt time.Time
}

func NewIdentity(subject string, roles []Role, issuedAt, expiresAt time.Time) Identity {
	return Identity{
		subject:   strings.TrimSpace(subject),
		roles:     normalizeRoles(roles),
		issuedAt:  issuedAt.UTC(),
		expiresAt: expiresAt.UTC(),
	}
}

func (i Identity) Subject() string      { return i.subject }
func (i Identity) IssuedAt() time.Time  { return i.issuedAt }
func (i Identity) ExpiresAt() time.Time { return i.expiresAt }

func (i Identity) Roles() []Role {
	out := make([]Role, len(i.roles))
	copy(out, i.roles)
	return out
}

func (i Identity) HasRole(role Role) bool {
	for _, r := range i.roles {
		if r == role {
			return true
		}
	}
	return false
}

func (i Identity) IsZero() bool {
	return i.subject == "" && len(i.roles) == 0
}

func normalizeRoles(in []Role) []Role {
	seen := make(map[Role]struct{}, len(in))
	out := make([]Role, 0, len(in))
	for _, r := range in {
		parsed, ok := ParseRole(string(r))
		if !ok {
			continue
		}
		if _, dup := seen[parsed]; dup {
			continue
		}
		seen[parsed] = struct{}{}
		out = append(out, parsed)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
