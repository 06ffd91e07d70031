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

package group

import (
	"context"
	"sort"
	"time"

	"github.com/grantgraph/grantgraph/internal/audit"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/mirror"
	"github.com/grantgraph/grantgraph/internal/subject"
)

// Service provides group and membership business logic.
type Service struct {
	repo        Repository
	graph       Graph
	subjects    SubjectChecker
	auditLogger audit.Logger
	notifier    mirror.Notifier
}

// NewService creates a new group service.
func NewService(repo Repository, graph Graph, subjects SubjectChecker, auditLogger audit.Logger, notifier mirror.Notifier) *Service {
	return &Service{
		repo:        repo,
		graph:       graph,
		subjects:    subjects,
		auditLogger: auditLogger,
		notifier:    notifier,
	}
}

// CreateGroup creates a new, empty group.
func (s *Service) CreateGroup(ctx context.Context, name, email string) (*Group, error) {
	if !subject.ValidName(name) {
		return nil, iamerr.New(iamerr.KindInvalidArgument,
			"group name %q must be non-empty and contain neither '/' nor ':'", name)
	}

	now := time.Now()
	g := &Group{
		Name:      name,
		Email:     email,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, g); err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeGroupCreated,
		Resource: subject.Group(name).String(),
	})

	return g, nil
}

// GetGroup retrieves a group by name.
func (s *Service) GetGroup(ctx context.Context, name string) (*Group, error) {
	return s.repo.GetByName(ctx, name)
}

// DeleteGroup removes a group. A group still linked as a member of
// another group cannot be deleted: that would silently strand the grants
// flowing through it.
func (s *Service) DeleteGroup(ctx context.Context, name string) error {
	g := subject.Group(name)
	if _, err := s.repo.GetByName(ctx, name); err != nil {
		return err
	}

	containers, err := s.graph.DirectMemberships(ctx, g)
	if err != nil {
		return err
	}
	if len(containers) > 0 {
		return iamerr.New(iamerr.KindReferentialIntegrity,
			"cannot delete group %q: still a member of %s", name, containers[0])
	}

	if err := s.repo.Delete(ctx, name); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeGroupDeleted,
		Resource: g.String(),
	})
	return nil
}

// AddMember links member into the named group. The member must exist, and
// the link must not close a membership cycle.
func (s *Service) AddMember(ctx context.Context, name string, member subject.Subject) error {
	g := subject.Group(name)
	if _, err := s.repo.GetByName(ctx, name); err != nil {
		return err
	}

	exists, err := s.subjects.SubjectExists(ctx, member)
	if err != nil {
		return err
	}
	if !exists {
		return iamerr.New(iamerr.KindNotFound, "subject %s does not exist", member)
	}

	if err := s.checkNoCycle(ctx, g, member); err != nil {
		return err
	}

	if has, err := s.graph.HasEdge(ctx, g, member); err != nil {
		return err
	} else if has {
		return iamerr.New(iamerr.KindConflict, "%s is already a direct member of group %q", member, name)
	}

	if err := s.graph.AddEdge(ctx, g, member); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeMemberAdded,
		Resource: g.String(),
		Metadata: map[string]any{"member": member.String()},
	})
	s.notifyChanged(ctx, g, member)
	return nil
}

// RemoveMember unlinks a direct member from the named group.
func (s *Service) RemoveMember(ctx context.Context, name string, member subject.Subject) error {
	g := subject.Group(name)
	if _, err := s.repo.GetByName(ctx, name); err != nil {
		return err
	}

	if has, err := s.graph.HasEdge(ctx, g, member); err != nil {
		return err
	} else if !has {
		return iamerr.New(iamerr.KindNotFound, "%s is not a direct member of group %q", member, name)
	}

	if err := s.graph.RemoveEdge(ctx, g, member); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeMemberRemoved,
		Resource: g.String(),
		Metadata: map[string]any{"member": member.String()},
	})
	s.notifyChanged(ctx, g, member)
	return nil
}

// IsMember answers transitive membership with a single flattened lookup.
func (s *Service) IsMember(ctx context.Context, name string, member subject.Subject) (bool, error) {
	if _, err := s.repo.GetByName(ctx, name); err != nil {
		return false, err
	}
	return s.graph.IsFlattenedMember(ctx, subject.Group(name), member)
}

// ListDirectMembers lists the direct members of the named group.
func (s *Service) ListDirectMembers(ctx context.Context, name string) ([]subject.Subject, error) {
	if _, err := s.repo.GetByName(ctx, name); err != nil {
		return nil, err
	}
	return s.graph.DirectMembers(ctx, subject.Group(name))
}

// ListDirectMemberships lists the group-like subjects directly containing
// the given subject.
func (s *Service) ListDirectMemberships(ctx context.Context, member subject.Subject) ([]subject.Subject, error) {
	return s.graph.DirectMemberships(ctx, member)
}

// ListAncestorGroups lists every group and policy that transitively
// contains the given subject, via one lookup keyed by member.
func (s *Service) ListAncestorGroups(ctx context.Context, member subject.Subject) ([]subject.Subject, error) {
	return s.graph.AncestorGroups(ctx, member)
}

// ListFlattenedMembers lists the users transitively contained in the
// named group.
func (s *Service) ListFlattenedMembers(ctx context.Context, name string) ([]string, error) {
	if _, err := s.repo.GetByName(ctx, name); err != nil {
		return nil, err
	}
	return s.graph.FlattenedUsers(ctx, subject.Group(name))
}

// IntersectGroups returns the users who are flattened members of every
// named group. Cost scales with group count times average membership
// size, not with nesting depth.
func (s *Service) IntersectGroups(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	var acc map[string]struct{}
	for _, name := range names {
		if _, err := s.repo.GetByName(ctx, name); err != nil {
			return nil, err
		}
		users, err := s.graph.FlattenedUsers(ctx, subject.Group(name))
		if err != nil {
			return nil, err
		}
		cur := make(map[string]struct{}, len(users))
		for _, u := range users {
			cur[u] = struct{}{}
		}
		if acc == nil {
			acc = cur
			continue
		}
		for u := range acc {
			if _, ok := cur[u]; !ok {
				delete(acc, u)
			}
		}
		if len(acc) == 0 {
			return nil, nil
		}
	}

	out := make([]string, 0, len(acc))
	for u := range acc {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// RecordSync advances the group's mirror bookkeeping. A completion
// reported against a stale snapshot is ignored.
func (s *Service) RecordSync(ctx context.Context, name string, version int64, at time.Time) error {
	applied, err := s.repo.RecordSync(ctx, name, version, at)
	if err != nil {
		return err
	}
	if applied {
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeGroupSynced,
			Resource: subject.Group(name).String(),
			Metadata: map[string]any{"synchronized_version": version},
		})
	}
	return nil
}

// checkNoCycle fails when linking member into g would close a cycle, i.e.
// when member (a group or policy) already transitively contains g. The
// walk runs over direct edges from the candidate member so the error can
// name the existing link that conflicts.
func (s *Service) checkNoCycle(ctx context.Context, g, member subject.Subject) error {
	if member == g {
		return iamerr.New(iamerr.KindInvalidGraph, "cannot add group %q to itself", g.GroupName)
	}
	if !member.IsGroupLike() {
		return nil
	}

	// Flattened pre-screen: if member does not reach g at all, no walk
	// is needed.
	reaches, err := s.graph.IsFlattenedMember(ctx, member, g)
	if err != nil {
		return err
	}
	if !reaches {
		return nil
	}

	// Walk down from member to locate the direct link that already
	// contains g.
	seen := map[subject.Subject]struct{}{member: {}}
	stack := []subject.Subject{member}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := s.graph.DirectMembers(ctx, cur)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child == g {
				return iamerr.New(iamerr.KindInvalidGraph,
					"cannot add %s to group %q: %s already contains group %q via %s",
					member, g.GroupName, member, g.GroupName, cur)
			}
			if !child.IsGroupLike() {
				continue
			}
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			stack = append(stack, child)
		}
	}

	// The flattened table said member reaches g but the direct walk did
	// not find it; fail closed rather than permit a possible cycle.
	return iamerr.New(iamerr.KindInvalidGraph,
		"cannot add %s to group %q: %s already contains group %q", member, g.GroupName, member, g.GroupName)
}

// notifyChanged informs the mirroring collaborator after commit. Never
// awaited; evaluation latency must not depend on the mirror.
func (s *Service) notifyChanged(ctx context.Context, g subject.Subject, changed ...subject.Subject) {
	if s.notifier == nil {
		return
	}
	go s.notifier.GroupChanged(context.WithoutCancel(ctx), g, changed)
}
