package supervisor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"missionctl/internal/mission"
)

var ErrRoleNotFound = errors.New("role not found")

const DefaultRoleName = "generalist"

// DefaultRoles is the stock role set, one per common mission type.
func DefaultRoles() []mission.Role {
	return []mission.Role{
		{Name: DefaultRoleName, Description: "handles any task end to end"},
		{Name: "researcher", Description: "gathers and verifies facts from sources"},
		{Name: "analyst", Description: "compares, measures and draws conclusions from data"},
		{Name: "writer", Description: "produces clear documents from gathered material"},
		{Name: "engineer", Description: "designs and writes working code"},
		{Name: "reviewer", Description: "checks work against its success criteria"},
	}
}

// defaultTypeRoles maps mission types to role names.
var defaultTypeRoles = map[string]string{
	mission.DefaultType: DefaultRoleName,
	"research":          "researcher",
	"analysis":          "analyst",
	"writing":           "writer",
	"coding":            "engineer",
	"review":            "reviewer",
}

type RoleRegistry struct {
	mu        sync.RWMutex
	roles     map[string]mission.Role
	typeRoles map[string]string
}

func NewRoleRegistry(roles ...mission.Role) *RoleRegistry {
	r := &RoleRegistry{
		roles:     make(map[string]mission.Role),
		typeRoles: make(map[string]string, len(defaultTypeRoles)),
	}
	for t, name := range defaultTypeRoles {
		r.typeRoles[t] = name
	}
	for _, role := range roles {
		r.Register(role)
	}
	return r
}

func (r *RoleRegistry) Register(role mission.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[strings.ToLower(role.Name)] = role
}

// MapType routes missions of a type to a role name.
func (r *RoleRegistry) MapType(missionType, roleName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typeRoles[strings.ToLower(missionType)] = roleName
}

// RoleNameFor returns the role name assigned to a mission type. Unmapped
// types use the type itself as the role name; an empty type is the default
// type.
func (r *RoleRegistry) RoleNameFor(missionType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := strings.ToLower(strings.TrimSpace(missionType))
	if t == "" {
		t = mission.DefaultType
	}
	if name, ok := r.typeRoles[t]; ok {
		return name
	}
	return t
}

func (r *RoleRegistry) Lookup(name string) (mission.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[strings.ToLower(name)]
	if !ok {
		return mission.Role{}, fmt.Errorf("%w: %q", ErrRoleNotFound, name)
	}
	return role, nil
}

func (r *RoleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for _, role := range r.roles {
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return names
}
