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

//go:build integration
// +build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantgraph/grantgraph/internal/directory"
	"github.com/grantgraph/grantgraph/internal/group"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/resource"
	"github.com/grantgraph/grantgraph/internal/subject"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	cfg := Config{
		Host:         "localhost",
		Port:         "5432",
		User:         "grantgraph",
		Password:     "grantgraph_dev_password",
		Database:     "grantgraph",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 5,
	}
	db, err := New(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping integration test: failed to connect to database: %v", err)
	}
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx, InitialSchema))
	return db
}

// TestPurpose: Validates that the membership closure stays consistent
// through nested additions and removals, including a diamond where two
// paths reach the same member.
// Scope: Database Integration Test
// Expected: Flattened membership reflects exactly the set of subjects
// reachable over direct edges after every mutation.
func TestGroupRepository_ClosureMaintenance(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	users := NewUserRepository(db)
	groups := NewGroupRepository(db)

	alice := &directory.User{ID: "it-alice-" + suffix, Email: "it-alice-" + suffix + "@example.com", Enabled: true}
	require.NoError(t, users.Create(ctx, alice))

	var names []string
	for _, base := range []string{"root", "left", "right", "leaf"} {
		name := "it-" + base + "-" + suffix
		names = append(names, name)
		require.NoError(t, groups.Create(ctx, &group.Group{Name: name, Version: 1}))
	}
	root, left, right, leaf := names[0], names[1], names[2], names[3]

	// root -> {left, right}, left -> leaf, right -> leaf, leaf -> alice.
	require.NoError(t, groups.AddEdge(ctx, subject.Group(root), subject.Group(left)))
	require.NoError(t, groups.AddEdge(ctx, subject.Group(root), subject.Group(right)))
	require.NoError(t, groups.AddEdge(ctx, subject.Group(left), subject.Group(leaf)))
	require.NoError(t, groups.AddEdge(ctx, subject.Group(right), subject.Group(leaf)))
	require.NoError(t, groups.AddEdge(ctx, subject.Group(leaf), subject.User(alice.ID)))

	ok, err := groups.IsFlattenedMember(ctx, subject.Group(root), subject.User(alice.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	// Severing one diamond path must keep alice reachable via the other.
	require.NoError(t, groups.RemoveEdge(ctx, subject.Group(left), subject.Group(leaf)))
	ok, err = groups.IsFlattenedMember(ctx, subject.Group(root), subject.User(alice.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	// Severing the last path removes the flattened row.
	require.NoError(t, groups.RemoveEdge(ctx, subject.Group(right), subject.Group(leaf)))
	ok, err = groups.IsFlattenedMember(ctx, subject.Group(root), subject.User(alice.ID))
	require.NoError(t, err)
	assert.False(t, ok)

	// Each mutation bumped the parent's version.
	g, err := groups.GetByName(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, int64(3), g.Version)
}

// TestPurpose: Validates the graph invariants enforced inside the edge
// mutation transactions themselves: a cycle-closing or self edge is
// rejected by AddEdge, and deleting a group still contained elsewhere is
// rejected by Delete, without relying on the service-level pre-checks.
// Scope: Database Integration Test
// Expected: AddEdge fails with InvalidGraph and leaves the closure
// untouched; Delete fails with ReferentialIntegrity until the containing
// edge is removed.
func TestGroupRepository_EdgeInvariantsInTransaction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	groups := NewGroupRepository(db)

	var names []string
	for _, base := range []string{"outer", "middle", "inner"} {
		name := "it-" + base + "-" + suffix
		names = append(names, name)
		require.NoError(t, groups.Create(ctx, &group.Group{Name: name, Version: 1}))
	}
	outer, middle, inner := names[0], names[1], names[2]

	require.NoError(t, groups.AddEdge(ctx, subject.Group(outer), subject.Group(middle)))
	require.NoError(t, groups.AddEdge(ctx, subject.Group(middle), subject.Group(inner)))

	err := groups.AddEdge(ctx, subject.Group(inner), subject.Group(outer))
	assert.ErrorIs(t, err, iamerr.InvalidGraph)

	err = groups.AddEdge(ctx, subject.Group(outer), subject.Group(outer))
	assert.ErrorIs(t, err, iamerr.InvalidGraph)

	ok, err := groups.IsFlattenedMember(ctx, subject.Group(inner), subject.Group(outer))
	require.NoError(t, err)
	assert.False(t, ok, "rejected edge must leave the closure untouched")

	err = groups.Delete(ctx, middle)
	assert.ErrorIs(t, err, iamerr.ReferentialIntegrity)

	require.NoError(t, groups.RemoveEdge(ctx, subject.Group(outer), subject.Group(middle)))
	require.NoError(t, groups.Delete(ctx, middle))
}

// TestPurpose: Validates that policy members live in the same membership
// graph as groups and that overwriting a policy replaces its member set
// atomically with a single version bump.
// Scope: Database Integration Test
// Expected: ListForSubject sees a user through a nested group inside a
// policy, and stops seeing it after the overwrite drops the group.
func TestPolicyRepository_MembershipAndOverwrite(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	users := NewUserRepository(db)
	groups := NewGroupRepository(db)
	resources := NewResourceRepository(db)
	policies := NewPolicyRepository(db)

	bob := &directory.User{ID: "it-bob-" + suffix, Email: "it-bob-" + suffix + "@example.com", Enabled: true}
	require.NoError(t, users.Create(ctx, bob))

	team := "it-team-" + suffix
	require.NoError(t, groups.Create(ctx, &group.Group{Name: team, Version: 1}))
	require.NoError(t, groups.AddEdge(ctx, subject.Group(team), subject.User(bob.ID)))

	ref := resource.Ref{Type: "folder", ID: "it-folder-" + suffix}
	now := time.Now()
	require.NoError(t, resources.Create(ctx, &resource.Resource{Ref: ref, CreatedAt: now}, nil, nil))

	p := &resource.AccessPolicy{
		Resource:  ref,
		Name:      "viewers",
		Roles:     []string{"viewer"},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, policies.Create(ctx, p, []subject.Subject{subject.Group(team)}))

	listed, err := policies.ListForSubject(ctx, subject.User(bob.ID))
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "viewers", listed[0].Name)

	// Overwrite to an empty member set.
	require.NoError(t, policies.Overwrite(ctx, ref, "viewers", nil, []string{"viewer"}, nil, false))

	listed, err = policies.ListForSubject(ctx, subject.User(bob.ID))
	require.NoError(t, err)
	assert.Empty(t, listed)

	got, err := policies.Get(ctx, ref, "viewers")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	// Cleanup order matters: the resource cascade detaches the policy.
	require.NoError(t, resources.Delete(ctx, ref))
	_, err = policies.Get(ctx, ref, "viewers")
	assert.Error(t, err)
}
