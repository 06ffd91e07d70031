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

	"github.com/grantgraph/grantgraph/internal/audit"
	"github.com/grantgraph/grantgraph/internal/group"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/mirror"
	"github.com/grantgraph/grantgraph/internal/subject"
)

// OwnerPolicyName is the policy created alongside a resource whose type
// defines an owner role.
const OwnerPolicyName = "owner"

// Service provides resource and policy business logic.
type Service struct {
	registry    *Registry
	repo        Repository
	policies    PolicyRepository
	subjects    group.SubjectChecker
	auditLogger audit.Logger
	notifier    mirror.Notifier
}

// NewService creates a new resource service.
func NewService(registry *Registry, repo Repository, policies PolicyRepository, subjects group.SubjectChecker, auditLogger audit.Logger, notifier mirror.Notifier) *Service {
	return &Service{
		registry:    registry,
		repo:        repo,
		policies:    policies,
		subjects:    subjects,
		auditLogger: auditLogger,
		notifier:    notifier,
	}
}

// Registry exposes the resource-type registry to the evaluation layer.
func (s *Service) Registry() *Registry {
	return s.registry
}

// CreateResource creates a resource and, when its type defines an owner
// role, the owner policy granting that role to the creator, atomically.
func (s *Service) CreateResource(ctx context.Context, typeName, id string, authDomain []string, creator subject.Subject) (*Resource, error) {
	rt, ok := s.registry.Type(typeName)
	if !ok {
		return nil, iamerr.New(iamerr.KindNotFound, "unknown resource type %q", typeName)
	}
	// The ID becomes part of the encoded policy-subject key, where "/"
	// and ":" are delimiters.
	if !subject.ValidName(id) {
		return nil, iamerr.New(iamerr.KindInvalidArgument,
			"resource id %q must be non-empty and contain neither '/' nor ':'", id)
	}

	for _, g := range authDomain {
		exists, err := s.subjects.SubjectExists(ctx, subject.Group(g))
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, iamerr.New(iamerr.KindNotFound, "auth domain group %q does not exist", g)
		}
	}

	now := time.Now()
	res := &Resource{
		Ref:        Ref{Type: typeName, ID: id},
		AuthDomain: authDomain,
		CreatedAt:  now,
	}

	var owner *AccessPolicy
	var ownerMembers []subject.Subject
	if rt.OwnerRoleName != "" {
		if creator.IsZero() {
			return nil, iamerr.New(iamerr.KindInvalidArgument, "resource type %q requires a creating subject for its owner policy", typeName)
		}
		owner = &AccessPolicy{
			Resource:  res.Ref,
			Name:      OwnerPolicyName,
			Roles:     []string{rt.OwnerRoleName},
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		ownerMembers = []subject.Subject{creator}
	}

	if err := s.repo.Create(ctx, res, owner, ownerMembers); err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeResourceCreated,
		Resource: res.Ref.String(),
	})
	if owner != nil {
		s.notifyChanged(ctx, owner.Subject(), ownerMembers)
	}
	return res, nil
}

// GetResource retrieves a resource.
func (s *Service) GetResource(ctx context.Context, ref Ref) (*Resource, error) {
	return s.repo.Get(ctx, ref)
}

// DeleteResource removes a resource and cascades to its policies. A
// resource still referenced as a parent cannot be deleted.
func (s *Service) DeleteResource(ctx context.Context, ref Ref) error {
	if _, err := s.repo.Get(ctx, ref); err != nil {
		return err
	}
	hasChildren, err := s.repo.HasChildren(ctx, ref)
	if err != nil {
		return err
	}
	if hasChildren {
		return iamerr.New(iamerr.KindReferentialIntegrity,
			"cannot delete resource %s: child resources still reference it as parent", ref)
	}
	if err := s.repo.Delete(ctx, ref); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeResourceDeleted,
		Resource: ref.String(),
	})
	return nil
}

// SetParent points child at parent after verifying both exist and the
// edge keeps the resource forest acyclic. Authorization (add_child on the
// parent, set_parent on the child) is enforced by the evaluation layer
// before this call.
func (s *Service) SetParent(ctx context.Context, child, parent Ref) error {
	if _, err := s.repo.Get(ctx, child); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, parent); err != nil {
		return err
	}
	if child == parent {
		return iamerr.New(iamerr.KindInvalidGraph, "cannot set resource %s as its own parent", child)
	}

	ancestors, err := s.repo.Ancestors(ctx, parent)
	if err != nil {
		return err
	}
	for i, a := range ancestors {
		if a == child {
			via := parent
			if i > 0 {
				via = ancestors[i-1]
			}
			return iamerr.New(iamerr.KindInvalidGraph,
				"cannot set parent of %s to %s: %s is already a descendant via %s", child, parent, parent, via)
		}
	}

	if err := s.repo.SetParent(ctx, child, parent); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeParentChanged,
		Resource: child.String(),
		Metadata: map[string]any{"parent": parent.String()},
	})
	return nil
}

// GetParent returns the resource's parent, or nil at a root.
func (s *Service) GetParent(ctx context.Context, ref Ref) (*Ref, error) {
	if _, err := s.repo.Get(ctx, ref); err != nil {
		return nil, err
	}
	return s.repo.GetParent(ctx, ref)
}

// ListAncestors returns the resource's parent chain, nearest first.
func (s *Service) ListAncestors(ctx context.Context, ref Ref) ([]Ref, error) {
	if _, err := s.repo.Get(ctx, ref); err != nil {
		return nil, err
	}
	return s.repo.Ancestors(ctx, ref)
}

// CreatePolicy creates a policy on a resource. Role and action grants
// must be defined by the relevant resource type.
func (s *Service) CreatePolicy(ctx context.Context, p *AccessPolicy, members []subject.Subject) (*AccessPolicy, error) {
	if !subject.ValidName(p.Name) {
		return nil, iamerr.New(iamerr.KindInvalidArgument,
			"policy name %q must be non-empty and contain neither '/' nor ':'", p.Name)
	}
	if _, err := s.repo.Get(ctx, p.Resource); err != nil {
		return nil, err
	}
	if err := s.validateGrants(p); err != nil {
		return nil, err
	}
	if err := s.checkMembersExist(ctx, members); err != nil {
		return nil, err
	}

	now := time.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.policies.Create(ctx, p, members); err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypePolicyCreated,
		Resource: p.Subject().String(),
	})
	s.notifyChanged(ctx, p.Subject(), members)
	return p, nil
}

// OverwritePolicy atomically replaces the named policy's members, roles,
// actions, and public flag.
func (s *Service) OverwritePolicy(ctx context.Context, ref Ref, name string, members []subject.Subject, roles, actions []string, public bool) error {
	existing, err := s.policies.Get(ctx, ref, name)
	if err != nil {
		return err
	}
	check := &AccessPolicy{
		Resource:              ref,
		Name:                  name,
		Roles:                 roles,
		Actions:               actions,
		DescendantPermissions: existing.DescendantPermissions,
	}
	if err := s.validateGrants(check); err != nil {
		return err
	}
	if err := s.checkMembersExist(ctx, members); err != nil {
		return err
	}

	if err := s.policies.Overwrite(ctx, ref, name, members, roles, actions, public); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypePolicyOverwritten,
		Resource: existing.Subject().String(),
	})
	s.notifyChanged(ctx, existing.Subject(), members)
	return nil
}

// DeletePolicy removes a policy.
func (s *Service) DeletePolicy(ctx context.Context, ref Ref, name string) error {
	p, err := s.policies.Get(ctx, ref, name)
	if err != nil {
		return err
	}
	if err := s.policies.Delete(ctx, ref, name); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypePolicyDeleted,
		Resource: p.Subject().String(),
	})
	return nil
}

// GetPolicy retrieves one policy.
func (s *Service) GetPolicy(ctx context.Context, ref Ref, name string) (*AccessPolicy, error) {
	return s.policies.Get(ctx, ref, name)
}

// ListPolicies lists the policies directly on a resource.
func (s *Service) ListPolicies(ctx context.Context, ref Ref) ([]*AccessPolicy, error) {
	if _, err := s.repo.Get(ctx, ref); err != nil {
		return nil, err
	}
	return s.policies.ListByResource(ctx, ref)
}

// ListPolicyMembers lists a policy's direct members.
func (s *Service) ListPolicyMembers(ctx context.Context, ref Ref, name string) ([]subject.Subject, error) {
	if _, err := s.policies.Get(ctx, ref, name); err != nil {
		return nil, err
	}
	return s.policies.Members(ctx, ref, name)
}

// validateGrants checks a policy's roles, actions, and descendant
// permissions against the resource-type schema.
func (s *Service) validateGrants(p *AccessPolicy) error {
	rt, ok := s.registry.Type(p.Resource.Type)
	if !ok {
		return iamerr.New(iamerr.KindNotFound, "unknown resource type %q", p.Resource.Type)
	}
	for _, roleName := range p.Roles {
		if _, ok := rt.Role(roleName); !ok {
			return iamerr.New(iamerr.KindNotFound, "role %q is not defined on resource type %q", roleName, rt.Name)
		}
	}
	for _, a := range p.Actions {
		if !rt.ActionAllowed(a) {
			return iamerr.New(iamerr.KindNotFound, "action %q is not defined on resource type %q", a, rt.Name)
		}
	}
	for _, dp := range p.DescendantPermissions {
		drt, ok := s.registry.Type(dp.ResourceType)
		if !ok {
			return iamerr.New(iamerr.KindNotFound, "descendant permission names unknown resource type %q", dp.ResourceType)
		}
		for _, roleName := range dp.Roles {
			if _, ok := drt.Role(roleName); !ok {
				return iamerr.New(iamerr.KindNotFound, "descendant role %q is not defined on resource type %q", roleName, drt.Name)
			}
		}
		for _, a := range dp.Actions {
			if !drt.ActionAllowed(a) {
				return iamerr.New(iamerr.KindNotFound, "descendant action %q is not defined on resource type %q", a, drt.Name)
			}
		}
	}
	return nil
}

func (s *Service) checkMembersExist(ctx context.Context, members []subject.Subject) error {
	for _, m := range members {
		exists, err := s.subjects.SubjectExists(ctx, m)
		if err != nil {
			return err
		}
		if !exists {
			return iamerr.New(iamerr.KindNotFound, "subject %s does not exist", m)
		}
	}
	return nil
}

func (s *Service) notifyChanged(ctx context.Context, policy subject.Subject, changed []subject.Subject) {
	if s.notifier == nil {
		return
	}
	go s.notifier.GroupChanged(context.WithoutCancel(ctx), policy, changed)
}
