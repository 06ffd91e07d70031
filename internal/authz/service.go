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

// Package authz is the policy evaluation engine. It combines direct
// policy grants, role-to-action expansion, descendant-permission
// inheritance from ancestor resources, and public-policy membership into
// permission checks and listings. Permissions are additive across
// policies: any single granting policy suffices, and nothing a policy
// grants can be taken away by another.
package authz

import (
	"context"
	"errors"
	"sort"

	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/resource"
	"github.com/grantgraph/grantgraph/internal/subject"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Hierarchy actions gating resource re-parenting.
const (
	ActionAddChild  = "add_child"
	ActionSetParent = "set_parent"
)

// ResourceReader is the slice of the resource store evaluation needs.
type ResourceReader interface {
	Get(ctx context.Context, ref resource.Ref) (*resource.Resource, error)
	Ancestors(ctx context.Context, ref resource.Ref) ([]resource.Ref, error)
	DescendantsOfType(ctx context.Context, ancestor resource.Ref, resourceType string) ([]resource.Ref, error)
}

// PolicyReader is the slice of the policy store evaluation needs.
type PolicyReader interface {
	ListByResource(ctx context.Context, ref resource.Ref) ([]*resource.AccessPolicy, error)
	ListForSubject(ctx context.Context, sub subject.Subject) ([]*resource.AccessPolicy, error)
}

// MembershipReader answers flattened membership in O(lookup).
type MembershipReader interface {
	IsFlattenedMember(ctx context.Context, parent, member subject.Subject) (bool, error)
}

// Directory reports whether a user may hold any access at all.
type Directory interface {
	Enabled(ctx context.Context, userID string) (bool, error)
}

// ParentSetter applies a cycle-checked re-parenting; the evaluation
// engine authorizes the call first.
type ParentSetter interface {
	SetParent(ctx context.Context, child, parent resource.Ref) error
}

// Service evaluates permissions.
type Service struct {
	registry  *resource.Registry
	resources ResourceReader
	policies  PolicyReader
	graph     MembershipReader
	directory Directory
	parents   ParentSetter

	tracer trace.Tracer
	checks metric.Int64Counter
}

// NewService creates a new evaluation service.
func NewService(registry *resource.Registry, resources ResourceReader, policies PolicyReader, graph MembershipReader, directory Directory, parents ParentSetter) *Service {
	checks, _ := otel.Meter("grantgraph.authz").Int64Counter("authz.permission_checks",
		metric.WithDescription("Permission checks evaluated, labeled by outcome"))
	return &Service{
		registry:  registry,
		resources: resources,
		policies:  policies,
		graph:     graph,
		directory: directory,
		parents:   parents,
		tracer:    otel.Tracer("grantgraph.authz"),
		checks:    checks,
	}
}

// HasPermission reports whether sub may perform action on the resource.
// Unknown resource types, unknown actions, and missing resources are
// NotFound (malformed request, or existence hidden from the caller); a
// clean "no" is false with a nil error. Evaluation short-circuits on the
// first granting policy.
func (s *Service) HasPermission(ctx context.Context, typeName, resourceID, action string, sub subject.Subject) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "authz.HasPermission", trace.WithAttributes(
		attribute.String("resource.type", typeName),
		attribute.String("resource.id", resourceID),
		attribute.String("action", action),
		attribute.String("subject", sub.String()),
	))
	defer span.End()

	rt, ref, err := s.lookup(ctx, typeName, resourceID)
	if err != nil {
		return false, err
	}
	if !rt.ActionAllowed(action) {
		return false, iamerr.New(iamerr.KindNotFound, "action %q is not defined on resource type %q", action, typeName)
	}

	ok, err := s.evaluate(ctx, rt, ref, action, sub)
	if err != nil {
		return false, err
	}

	outcome := "denied"
	if ok {
		outcome = "granted"
	}
	if s.checks != nil {
		s.checks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return ok, nil
}

// ListUserResourceActions returns every action sub may perform on the
// resource: the same traversal as HasPermission, accumulating the union
// instead of short-circuiting.
func (s *Service) ListUserResourceActions(ctx context.Context, typeName, resourceID string, sub subject.Subject) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "authz.ListUserResourceActions")
	defer span.End()

	rt, ref, err := s.lookup(ctx, typeName, resourceID)
	if err != nil {
		return nil, err
	}

	active, err := s.subjectActive(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, nil
	}

	actions := make(map[string]struct{})

	direct, err := s.policies.ListByResource(ctx, ref)
	if err != nil {
		return nil, err
	}
	for _, p := range direct {
		isMember, err := s.memberOrPublic(ctx, p, sub)
		if err != nil {
			return nil, err
		}
		if !isMember {
			continue
		}
		for _, a := range p.Actions {
			actions[a] = struct{}{}
		}
		for a := range rt.RoleActions(p.Roles) {
			actions[a] = struct{}{}
		}
	}

	ancestors, err := s.resources.Ancestors(ctx, ref)
	if err != nil {
		return nil, err
	}
	for _, anc := range ancestors {
		inherited, err := s.policies.ListByResource(ctx, anc)
		if err != nil {
			return nil, err
		}
		for _, p := range inherited {
			for _, dp := range p.DescendantPermissions {
				if dp.ResourceType != typeName {
					continue
				}
				isMember, err := s.memberOrPublic(ctx, p, sub)
				if err != nil {
					return nil, err
				}
				if !isMember {
					continue
				}
				for _, a := range dp.Actions {
					actions[a] = struct{}{}
				}
				for a := range rt.RoleActions(dp.Roles) {
					actions[a] = struct{}{}
				}
			}
		}
	}

	return sortedKeys(actions), nil
}

// ListUserRoles returns the role names sub holds on the resource, via
// direct policy membership and descendant-permission inheritance.
func (s *Service) ListUserRoles(ctx context.Context, typeName, resourceID string, sub subject.Subject) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "authz.ListUserRoles")
	defer span.End()

	_, ref, err := s.lookup(ctx, typeName, resourceID)
	if err != nil {
		return nil, err
	}

	active, err := s.subjectActive(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, nil
	}

	roles := make(map[string]struct{})

	direct, err := s.policies.ListByResource(ctx, ref)
	if err != nil {
		return nil, err
	}
	for _, p := range direct {
		isMember, err := s.memberOrPublic(ctx, p, sub)
		if err != nil {
			return nil, err
		}
		if !isMember {
			continue
		}
		for _, r := range p.Roles {
			roles[r] = struct{}{}
		}
	}

	ancestors, err := s.resources.Ancestors(ctx, ref)
	if err != nil {
		return nil, err
	}
	for _, anc := range ancestors {
		inherited, err := s.policies.ListByResource(ctx, anc)
		if err != nil {
			return nil, err
		}
		for _, p := range inherited {
			for _, dp := range p.DescendantPermissions {
				if dp.ResourceType != typeName {
					continue
				}
				isMember, err := s.memberOrPublic(ctx, p, sub)
				if err != nil {
					return nil, err
				}
				if !isMember {
					continue
				}
				for _, r := range dp.Roles {
					roles[r] = struct{}{}
				}
			}
		}
	}

	return sortedKeys(roles), nil
}

// ListResourcesAndRoles enumerates every resource of the given type where
// sub has any policy membership, directly, through a public policy, or
// through a descendant-permission grant on an ancestor. A membership that
// grants nothing still lists the resource with an empty role set.
func (s *Service) ListResourcesAndRoles(ctx context.Context, typeName string, sub subject.Subject) (map[string][]string, error) {
	ctx, span := s.tracer.Start(ctx, "authz.ListResourcesAndRoles")
	defer span.End()

	if _, ok := s.registry.Type(typeName); !ok {
		return nil, iamerr.New(iamerr.KindNotFound, "unknown resource type %q", typeName)
	}

	active, err := s.subjectActive(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !active {
		return map[string][]string{}, nil
	}

	memberships, err := s.policies.ListForSubject(ctx, sub)
	if err != nil {
		return nil, err
	}

	acc := make(map[string]map[string]struct{})
	add := func(resourceID string, roleNames []string) {
		if acc[resourceID] == nil {
			acc[resourceID] = make(map[string]struct{})
		}
		for _, r := range roleNames {
			acc[resourceID][r] = struct{}{}
		}
	}

	for _, p := range memberships {
		if p.Resource.Type == typeName {
			add(p.Resource.ID, p.Roles)
		}
		for _, dp := range p.DescendantPermissions {
			if dp.ResourceType != typeName {
				continue
			}
			descendants, err := s.resources.DescendantsOfType(ctx, p.Resource, typeName)
			if err != nil {
				return nil, err
			}
			for _, d := range descendants {
				add(d.ID, dp.Roles)
			}
		}
	}

	out := make(map[string][]string, len(acc))
	for id, roles := range acc {
		out[id] = sortedKeys(roles)
	}
	return out, nil
}

// SetResourceParent authorizes and applies a re-parenting: the caller
// needs add_child on the prospective parent and set_parent on the child.
func (s *Service) SetResourceParent(ctx context.Context, child, parent resource.Ref, caller subject.Subject) error {
	ctx, span := s.tracer.Start(ctx, "authz.SetResourceParent")
	defer span.End()

	childRT, childRef, err := s.lookup(ctx, child.Type, child.ID)
	if err != nil {
		return err
	}
	parentRT, parentRef, err := s.lookup(ctx, parent.Type, parent.ID)
	if err != nil {
		return err
	}

	ok, err := s.gate(ctx, parentRT, parentRef, ActionAddChild, caller)
	if err != nil {
		return err
	}
	if !ok {
		return iamerr.New(iamerr.KindPermissionDenied, "%s may not add children to resource %s", caller, parent)
	}
	ok, err = s.gate(ctx, childRT, childRef, ActionSetParent, caller)
	if err != nil {
		return err
	}
	if !ok {
		return iamerr.New(iamerr.KindPermissionDenied, "%s may not set the parent of resource %s", caller, child)
	}

	return s.parents.SetParent(ctx, child, parent)
}

// lookup resolves the type and resource, translating unknowns to
// NotFound without leaking which half was missing.
func (s *Service) lookup(ctx context.Context, typeName, resourceID string) (*resource.ResourceType, resource.Ref, error) {
	rt, ok := s.registry.Type(typeName)
	if !ok {
		return nil, resource.Ref{}, iamerr.New(iamerr.KindNotFound, "unknown resource type %q", typeName)
	}
	ref := resource.Ref{Type: typeName, ID: resourceID}
	if _, err := s.resources.Get(ctx, ref); err != nil {
		return nil, resource.Ref{}, err
	}
	return rt, ref, nil
}

// gate is HasPermission without the action-validity error: an action the
// type does not define simply cannot be held.
func (s *Service) gate(ctx context.Context, rt *resource.ResourceType, ref resource.Ref, action string, sub subject.Subject) (bool, error) {
	if !rt.ActionAllowed(action) {
		return false, nil
	}
	return s.evaluate(ctx, rt, ref, action, sub)
}

// evaluate runs the core check: direct policies first, then the ancestor
// walk, short-circuiting on the first grant. Fail-closed: a resource with
// no policies and no ancestors yields false for everyone.
func (s *Service) evaluate(ctx context.Context, rt *resource.ResourceType, ref resource.Ref, action string, sub subject.Subject) (bool, error) {
	active, err := s.subjectActive(ctx, sub)
	if err != nil {
		return false, err
	}
	if !active {
		return false, nil
	}

	direct, err := s.policies.ListByResource(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, p := range direct {
		if !s.policyGrantsAction(rt, p, action) {
			continue
		}
		isMember, err := s.memberOrPublic(ctx, p, sub)
		if err != nil {
			return false, err
		}
		if isMember {
			return true, nil
		}
	}

	ancestors, err := s.resources.Ancestors(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, anc := range ancestors {
		inherited, err := s.policies.ListByResource(ctx, anc)
		if err != nil {
			return false, err
		}
		for _, p := range inherited {
			if !s.descendantGrantsAction(rt, p, ref.Type, action) {
				continue
			}
			isMember, err := s.memberOrPublic(ctx, p, sub)
			if err != nil {
				return false, err
			}
			if isMember {
				return true, nil
			}
		}
	}

	return false, nil
}

// subjectActive reports whether the subject may hold access at all. A
// disabled or unknown user has none, regardless of graph membership;
// group and policy subjects are always active.
func (s *Service) subjectActive(ctx context.Context, sub subject.Subject) (bool, error) {
	if sub.Kind != subject.KindUser {
		return true, nil
	}
	enabled, err := s.directory.Enabled(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, iamerr.NotFound) {
			return false, nil
		}
		return false, err
	}
	return enabled, nil
}

// policyGrantsAction reports whether the policy grants the action on its
// own resource, directly or through a role.
func (s *Service) policyGrantsAction(rt *resource.ResourceType, p *resource.AccessPolicy, action string) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	_, ok := rt.RoleActions(p.Roles)[action]
	return ok
}

// descendantGrantsAction reports whether an ancestor policy's descendant
// permissions grant the action for the given descendant type. Roles are
// expanded against the descendant's type: that is where they are defined.
func (s *Service) descendantGrantsAction(descendantRT *resource.ResourceType, p *resource.AccessPolicy, descendantType, action string) bool {
	for _, dp := range p.DescendantPermissions {
		if dp.ResourceType != descendantType {
			continue
		}
		for _, a := range dp.Actions {
			if a == action {
				return true
			}
		}
		if _, ok := descendantRT.RoleActions(dp.Roles)[action]; ok {
			return true
		}
	}
	return false
}

// memberOrPublic reports whether the policy's membership covers sub. A
// public policy covers every subject without consulting the graph.
func (s *Service) memberOrPublic(ctx context.Context, p *resource.AccessPolicy, sub subject.Subject) (bool, error) {
	if p.Public {
		return true, nil
	}
	return s.graph.IsFlattenedMember(ctx, p.Subject(), sub)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
