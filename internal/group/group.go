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

// Package group holds the subject/group store and the membership
// flattening engine. Groups nest arbitrarily (members are users, groups,
// or policies); alongside the direct edges the store maintains a
// materialized transitive closure so that membership, ancestor, and
// flattened-member queries are single indexed lookups at read time.
package group

import (
	"context"
	"time"

	"github.com/grantgraph/grantgraph/internal/subject"
)

// Group represents a named group of subjects.
type Group struct {
	Name  string
	Email string

	// Version increments on every membership mutation of this group.
	Version int64

	// LastSynchronizedVersion records the group version an external
	// mirror last completed against. It only moves forward and never
	// past Version, so a slow sync cannot clobber the record of a
	// faster concurrent one.
	LastSynchronizedVersion *int64
	SynchronizedAt          *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository defines group record persistence.
type Repository interface {
	// Create creates a new group.
	Create(ctx context.Context, g *Group) error

	// GetByName retrieves a group by name.
	GetByName(ctx context.Context, name string) (*Group, error)

	// Delete removes a group record together with its direct edges and
	// its closure rows as an ancestor. The service has already verified
	// the group is not a member of any other group.
	Delete(ctx context.Context, name string) error

	// RecordSync advances the sync bookkeeping. It reports whether the
	// update was applied; a stale snapshot (version below the recorded
	// watermark or above the group's current version) is a no-op.
	RecordSync(ctx context.Context, name string, version int64, at time.Time) (bool, error)
}

// Graph is the membership flattening engine: direct edges plus the
// write-maintained transitive closure. Implementations keep both in one
// serializable transaction per mutation; the rebuild-on-remove strategy is
// an implementation detail behind this interface, so an incremental
// retraction scheme could replace it without touching callers.
type Graph interface {
	// AddEdge inserts the direct edge parent -> child, extends the
	// flattened closure, and bumps the parent's version.
	AddEdge(ctx context.Context, parent, child subject.Subject) error

	// RemoveEdge deletes the direct edge, recomputes the closure of
	// every ancestor that could reach the parent, and bumps the
	// parent's version. Returns NotFound when the edge does not exist.
	RemoveEdge(ctx context.Context, parent, child subject.Subject) error

	// HasEdge reports whether the direct edge exists.
	HasEdge(ctx context.Context, parent, child subject.Subject) (bool, error)

	// DirectMembers lists the direct members of a group-like subject.
	DirectMembers(ctx context.Context, parent subject.Subject) ([]subject.Subject, error)

	// DirectMemberships lists the group-like subjects that directly
	// contain child.
	DirectMemberships(ctx context.Context, child subject.Subject) ([]subject.Subject, error)

	// IsFlattenedMember answers membership in O(lookup): true when
	// member is reachable from parent by any path.
	IsFlattenedMember(ctx context.Context, parent, member subject.Subject) (bool, error)

	// AncestorGroups lists every group-like subject that transitively
	// contains member.
	AncestorGroups(ctx context.Context, member subject.Subject) ([]subject.Subject, error)

	// FlattenedUsers lists the user IDs transitively contained in
	// parent.
	FlattenedUsers(ctx context.Context, parent subject.Subject) ([]string, error)
}

// SubjectChecker verifies that a subject exists before it is linked into
// the graph.
type SubjectChecker interface {
	SubjectExists(ctx context.Context, s subject.Subject) (bool, error)
}
