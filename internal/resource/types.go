// Copyright 2026 The GrantGraph Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resource holds resource types, resources, and access policies.
// Resource types are configuration: defined in a schema file, loaded at
// boot, immutable at runtime. Resources form a forest via parent pointers;
// policies are resource-scoped groups carrying role/action grants.
package resource

import (
	"strings"
)

// Role is a named bundle of actions, defined per resource type.
type Role struct {
	Name    string   `yaml:"name"`
	Actions []string `yaml:"actions"`
}

// ResourceType describes one kind of resource: the actions that exist on
// it, the roles bundling those actions, and optionally the role granted to
// a resource's creator.
type ResourceType struct {
	Name           string   `yaml:"name"`
	OwnerRoleName  string   `yaml:"ownerRole"`
	ActionPatterns []string `yaml:"actionPatterns"`
	Roles          []Role   `yaml:"roles"`
}

// Role looks up a role by name.
func (rt *ResourceType) Role(name string) (Role, bool) {
	for _, r := range rt.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

// ActionAllowed reports whether the action matches one of the type's
// action patterns. A pattern is an exact action name or a prefix ending in
// "*".
func (rt *ResourceType) ActionAllowed(action string) bool {
	if action == "" {
		return false
	}
	for _, p := range rt.ActionPatterns {
		if p == action {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(action, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// RoleActions expands role names defined on this type into the union of
// their actions. Unknown role names are skipped; policy validation
// rejected them at write time.
func (rt *ResourceType) RoleActions(roleNames []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, name := range roleNames {
		role, ok := rt.Role(name)
		if !ok {
			continue
		}
		for _, a := range role.Actions {
			out[a] = struct{}{}
		}
	}
	return out
}
