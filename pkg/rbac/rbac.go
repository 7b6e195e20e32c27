package rbac

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/IVVI0927/AIgreement/pkg/auth"

	"gopkg.in/yaml.v3"
)

type Permission string

const VocabularyVersion = "2"

const (
	ContractRead   Permission = "contract:read"
	ContractWrite  Permission = "contract:write"
	ContractDelete Permission = "contract:delete"
	AnalysisRead   Permission = "analysis:read"
	AnalysisWrite  Permission = "analysis:write"
	AnalysisDelete Permission = "analysis:delete"
	UserRead       Permission = "user:read"
	UserWrite      Permission = "user:write"
	UserDelete     Permission = "user:delete"
	SettingsRead   Permission = "settings:read"
	SettingsWrite  Permission = "settings:write"
	SecurityRead   Permission = "security:read"
)

const (
	ReasonAllow        = "RBAC_ALLOW"
	ReasonNoRole       = "RBAC_NO_ROLE"
	ReasonNotGranted   = "RBAC_NOT_GRANTED"
	ReasonUnknownScope = "RBAC_UNKNOWN_PERMISSION"
)

var vocabulary = map[Permission]struct{}{
	ContractRead: {}, ContractWrite: {}, ContractDelete: {},
	AnalysisRead: {}, AnalysisWrite: {}, AnalysisDelete: {},
	UserRead: {}, UserWrite: {}, UserDelete: {},
	SettingsRead: {}, SettingsWrite: {},
	SecurityRead: {},
}

// Vocabulary returns every permission the service understands, sorted.
func Vocabulary() []Permission {
	out := make([]Permission, 0, len(vocabulary))
	for p := range vocabulary {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func Known(p Permission) bool {
	_, ok := vocabulary[p]
	return ok
}

// Table maps every known role to its permission set. It is never mutated
// after construction.
type Table struct {
	version string
	grants  map[auth.Role]map[Permission]struct{}
}

func NewTable(grants map[auth.Role][]Permission) (*Table, error) {
	t := &Table{version: VocabularyVersion, grants: make(map[auth.Role]map[Permission]struct{}, len(grants))}
	for role, perms := range grants {
		parsed, ok := auth.ParseRole(string(role))
		if !ok {
			return nil, fmt.Errorf("unknown role %q", role)
		}
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			if !Known(p) {
				return nil, fmt.Errorf("role %s: permission %q not in vocabulary v%s", role, p, VocabularyVersion)
			}
			set[p] = struct{}{}
		}
		t.grants[parsed] = set
	}
	for _, role := range auth.KnownRoles() {
		if _, ok := t.grants[role]; !ok {
			return nil, fmt.Errorf("role %s has no entry", role)
		}
	}
	return t, nil
}

func DefaultTable() *Table {
	t, err := NewTable(map[auth.Role][]Permission{
		auth.RoleAdmin: Vocabulary(),
		auth.RoleReviewer: {
			ContractRead, ContractWrite,
			AnalysisRead, AnalysisWrite,
			UserRead, SettingsRead,
		},
		auth.RoleViewer: {ContractRead, AnalysisRead, UserRead},
	})
	if err != nil {
		panic(err)
	}
	return t
}

type tableFile struct {
	Version string              `yaml:"version"`
	Roles   map[string][]string `yaml:"roles"`
}

// LoadTable reads a role table from a YAML file of the form
//
//	version: "2"
//	roles:
//	  ADMIN: [contract:read, ...]
//	  VIEWER: []
func LoadTable(path string) (*Table, error) {
	// #nosec G304 -- path comes from operator configuration.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role table: %w", err)
	}
	return ParseTable(raw)
}

func ParseTable(raw []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse role table: %w", err)
	}
	if v := strings.TrimSpace(f.Version); v != "" && v != VocabularyVersion {
		return nil, fmt.Errorf("role table version %q does not match vocabulary v%s", v, VocabularyVersion)
	}
	grants := make(map[auth.Role][]Permission, len(f.Roles))
	for name, perms := range f.Roles {
		role, ok := auth.ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("unknown role %q", name)
		}
		list := make([]Permission, 0, len(perms))
		for _, p := range perms {
			list = append(list, Permission(strings.TrimSpace(p)))
		}
		grants[role] = list
	}
	return NewTable(grants)
}

func (t *Table) Version() string { return t.version }

type Decision struct {
	Allowed bool
	Reason  string
}

// Engine answers permission questions against an immutable Table.
type Engine struct {
	table *Table
}

func NewEngine(t *Table) *Engine {
	if t == nil {
		t = DefaultTable()
	}
	return &Engine{table: t}
}

func (e *Engine) Check(id auth.Identity, p Permission) Decision {
	if !Known(p) {
		return Decision{Allowed: false, Reason: ReasonUnknownScope}
	}
	roles := id.Roles()
	if len(roles) == 0 {
		return Decision{Allowed: false, Reason: ReasonNoRole}
	}
	for _, r := range roles {
		if _, ok := e.table.grants[r][p]; ok {
			return Decision{Allowed: true, Reason: ReasonAllow}
		}
	}
	return Decision{Allowed: false, Reason: ReasonNotGranted}
}

func (e *Engine) HasPermission(id auth.Identity, p Permission) bool {
	return e.Check(id, p).Allowed
}

// PermissionsFor returns the union of the identity's role grants, sorted.
func (e *Engine) PermissionsFor(id auth.Identity) []Permission {
	set := map[Permission]struct{}{}
	for _, r := range id.Roles() {
		for p := range e.table.grants[r] {
			set[p] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
