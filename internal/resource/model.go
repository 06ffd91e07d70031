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
	"context"
	"time"

	"github.com/grantgraph/grantgraph/internal/subject"
)

// Ref identifies a resource by type and ID.
type Ref struct {
	Type string
	ID   string
}

func (r Ref) String() string {
	return r.Type + "/" + r.ID
}

// Resource is one instance of a resource type. Resources form a forest
// via Parent; ancestors gate permissions on descendants through policy
// descendant permissions.
type Resource struct {
	Ref        Ref
	AuthDomain []string // group names constraining who may hold policies
	Parent     *Ref
	CreatedAt  time.Time
}

// DescendantPermission grants roles/actions on every resource of the
// named type beneath the policy's resource in the hierarchy.
type DescendantPermission struct {
	ResourceType string
	Roles        []string
	Actions      []string
}

// AccessPolicy is a resource-scoped group carrying grants. Its members
// live in the membership graph under the policy's subject key; Version
// and LastSynchronizedVersion follow the same bookkeeping as plain
// groups.
type AccessPolicy struct {
	Resource Ref
	Name     string
	Email    string

	Roles                 []string
	Actions               []string
	DescendantPermissions []DescendantPermission
	Public                bool

	Version                 int64
	LastSynchronizedVersion *int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Subject returns the policy's identity in the membership graph.
func (p *AccessPolicy) Subject() subject.Subject {
	return subject.Policy(p.Resource.Type, p.Resource.ID, p.Name)
}

// Repository defines resource persistence. Deletion cascades to the
// resource's policies; the owner policy is created in the same
// transaction as the resource.
type Repository interface {
	// Create persists the resource and, when owner is non-nil, its
	// owner policy with the given members, atomically.
	Create(ctx context.Context, res *Resource, owner *AccessPolicy, ownerMembers []subject.Subject) error

	// Get retrieves a resource.
	Get(ctx context.Context, ref Ref) (*Resource, error)

	// Delete removes the resource and all of its policies.
	Delete(ctx context.Context, ref Ref) error

	// HasChildren reports whether any resource names ref as its parent.
	HasChildren(ctx context.Context, ref Ref) (bool, error)

	// SetParent points child at parent. The service has already
	// verified the edge keeps the forest acyclic.
	SetParent(ctx context.Context, child, parent Ref) error

	// GetParent returns the parent, or nil at a root.
	GetParent(ctx context.Context, ref Ref) (*Ref, error)

	// Ancestors returns the parent chain from nearest to furthest.
	Ancestors(ctx context.Context, ref Ref) ([]Ref, error)

	// DescendantsOfType returns every resource of the given type
	// beneath ancestor.
	DescendantsOfType(ctx context.Context, ancestor Ref, resourceType string) ([]Ref, error)
}

// PolicyRepository defines policy persistence. Member mutations run in
// the same transaction as the policy row so the flattening engine stays
// consistent with the policy's version counter.
type PolicyRepository interface {
	// Create persists a new policy with its initial members.
	Create(ctx context.Context, p *AccessPolicy, members []subject.Subject) error

	// Get retrieves one policy.
	Get(ctx context.Context, ref Ref, name string) (*AccessPolicy, error)

	// Overwrite atomically replaces the policy's members, roles,
	// actions, and public flag, bumping its version once.
	Overwrite(ctx context.Context, ref Ref, name string, members []subject.Subject, roles, actions []string, public bool) error

	// Delete removes a policy and its membership edges. Fails with
	// ReferentialIntegrity while the policy is a member of any group.
	Delete(ctx context.Context, ref Ref, name string) error

	// ListByResource lists the policies directly on a resource.
	ListByResource(ctx context.Context, ref Ref) ([]*AccessPolicy, error)

	// Members lists a policy's direct members.
	Members(ctx context.Context, ref Ref, name string) ([]subject.Subject, error)

	// ListForSubject returns every policy the subject belongs to
	// (flattened membership) plus every public policy.
	ListForSubject(ctx context.Context, sub subject.Subject) ([]*AccessPolicy, error)
}
