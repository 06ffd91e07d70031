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

package resource

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/grantgraph/grantgraph/internal/subject"
)

// Schema is the on-disk resource-type configuration.
type Schema struct {
	ResourceTypes []ResourceType `yaml:"resourceTypes"`
}

// LoadSchemaFromFile reads and validates the resource-type schema.
func LoadSchemaFromFile(path string) (*Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Schema
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to parse resource schema: %w", err)
	}
	if err := ValidateSchema(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ValidateSchema checks internal consistency: unique type and role names,
// every role action covered by the type's action patterns, and the owner
// role actually defined.
func ValidateSchema(s *Schema) error {
	if len(s.ResourceTypes) == 0 {
		return fmt.Errorf("resource schema: no resource types defined")
	}

	typeNames := map[string]struct{}{}
	for i := range s.ResourceTypes {
		rt := &s.ResourceTypes[i]
		if !subject.ValidName(rt.Name) {
			return fmt.Errorf("resource schema: resource type name %q must be non-empty and contain neither '/' nor ':'", rt.Name)
		}
		if _, ok := typeNames[rt.Name]; ok {
			return fmt.Errorf("resource schema: duplicate resource type %q", rt.Name)
		}
		typeNames[rt.Name] = struct{}{}

		if len(rt.ActionPatterns) == 0 {
			return fmt.Errorf("resource schema: resource type %q has no action patterns", rt.Name)
		}

		roleNames := map[string]struct{}{}
		for _, role := range rt.Roles {
			if role.Name == "" {
				return fmt.Errorf("resource schema: empty role name in type %q", rt.Name)
			}
			if _, ok := roleNames[role.Name]; ok {
				return fmt.Errorf("resource schema: duplicate role %q in type %q", role.Name, rt.Name)
			}
			roleNames[role.Name] = struct{}{}

			for _, a := range role.Actions {
				if !rt.ActionAllowed(a) {
					return fmt.Errorf("resource schema: role %q in type %q grants action %q outside the type's action patterns", role.Name, rt.Name, a)
				}
			}
		}

		if rt.OwnerRoleName != "" {
			if _, ok := roleNames[rt.OwnerRoleName]; !ok {
				return fmt.Errorf("resource schema: type %q names owner role %q which is not defined", rt.Name, rt.OwnerRoleName)
			}
		}
	}
	return nil
}
