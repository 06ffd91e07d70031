package group

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/grantgraph/grantgraph/internal/audit"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/subject"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	svc := NewService(store, store, store, audit.NewSlogLogger(), nil)
	return svc, store
}

// TestPurpose: Validates the end-to-end nested membership scenario: a user
// reachable through a subgroup is a flattened member of the parent, stops
// being one when the subgroup is unlinked, and is one again after
// re-linking, with the parent version advancing once per mutation.
// Scope: Unit Test
// Expected: isMember flips true/false/true and version grows by exactly 2
// across the remove/re-add pair.
func TestGroupService_NestedMembership(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	store.addUser("userA")

	_, err := svc.CreateGroup(ctx, "subgroup", "subgroup@groups.example.com")
	require.NoError(t, err)
	_, err = svc.CreateGroup(ctx, "parent", "parent@groups.example.com")
	require.NoError(t, err)

	require.NoError(t, svc.AddMember(ctx, "subgroup", subject.User("userA")))
	require.NoError(t, svc.AddMember(ctx, "parent", subject.Group("subgroup")))

	initial, err := svc.GetGroup(ctx, "parent")
	require.NoError(t, err)

	ok, err := svc.IsMember(ctx, "parent", subject.User("userA"))
	require.NoError(t, err)
	assert.True(t, ok, "userA should be a flattened member via subgroup")

	require.NoError(t, svc.RemoveMember(ctx, "parent", subject.Group("subgroup")))
	ok, err = svc.IsMember(ctx, "parent", subject.User("userA"))
	require.NoError(t, err)
	assert.False(t, ok, "removing the subgroup must remove indirect membership")

	require.NoError(t, svc.AddMember(ctx, "parent", subject.Group("subgroup")))
	ok, err = svc.IsMember(ctx, "parent", subject.User("userA"))
	require.NoError(t, err)
	assert.True(t, ok)

	final, err := svc.GetGroup(ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, initial.Version+2, final.Version, "one version bump per mutation")

	sibling, err := svc.GetGroup(ctx, "subgroup")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sibling.Version, "sibling versions unaffected by parent mutations")
}

// TestPurpose: Validates cycle rejection: linking a group into its own
// transitive member fails with InvalidGraph, names the conflicting link,
// and leaves the graph unchanged.
// Scope: Unit Test
func TestGroupService_CycleDetection(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := svc.CreateGroup(ctx, name, "")
		require.NoError(t, err)
	}
	require.NoError(t, svc.AddMember(ctx, "a", subject.Group("b")))
	require.NoError(t, svc.AddMember(ctx, "b", subject.Group("c")))

	// c -> a would close a <- b <- c <- a.
	err := svc.AddMember(ctx, "c", subject.Group("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, iamerr.InvalidGraph), "got %v", err)
	assert.Contains(t, err.Error(), "group:b", "error should name the conflicting link")

	// Self-membership is the degenerate cycle.
	err = svc.AddMember(ctx, "a", subject.Group("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, iamerr.InvalidGraph))

	// Graph unchanged: c still has no members.
	members, err := svc.ListDirectMembers(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestGroupService_AddMember_UnknownSubject(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateGroup(ctx, "g", "")
	require.NoError(t, err)

	err = svc.AddMember(ctx, "g", subject.User("ghost"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, iamerr.NotFound))

	err = svc.AddMember(ctx, "g", subject.Group("missing-group"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, iamerr.NotFound))
}

func TestGroupService_AddMember_Duplicate(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	store.addUser("userA")

	_, err := svc.CreateGroup(ctx, "g", "")
	require.NoError(t, err)
	require.NoError(t, svc.AddMember(ctx, "g", subject.User("userA")))

	err = svc.AddMember(ctx, "g", subject.User("userA"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, iamerr.Conflict))
}

func TestGroupService_DeleteGroup_ReferentialIntegrity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateGroup(ctx, "inner", "")
	require.NoError(t, err)
	_, err = svc.CreateGroup(ctx, "outer", "")
	require.NoError(t, err)
	require.NoError(t, svc.AddMember(ctx, "outer", subject.Group("inner")))

	err = svc.DeleteGroup(ctx, "inner")
	require.Error(t, err)
	assert.True(t, errors.Is(err, iamerr.ReferentialIntegrity))
	assert.Contains(t, err.Error(), "group:outer", "error should name the containing group")

	// Orphan it, then deletion succeeds.
	require.NoError(t, svc.RemoveMember(ctx, "outer", subject.Group("inner")))
	require.NoError(t, svc.DeleteGroup(ctx, "inner"))

	_, err = svc.GetGroup(ctx, "inner")
	assert.True(t, errors.Is(err, iamerr.NotFound))
}

func TestGroupService_IntersectGroups(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		store.addUser(u)
	}

	// g1 contains u1, u2 (u2 via nested group), g2 contains u2, u3, g3
	// contains u2, u4.
	for _, name := range []string{"g1", "g2", "g3", "nested"} {
		_, err := svc.CreateGroup(ctx, name, "")
		require.NoError(t, err)
	}
	require.NoError(t, svc.AddMember(ctx, "nested", subject.User("u2")))
	require.NoError(t, svc.AddMember(ctx, "g1", subject.User("u1")))
	require.NoError(t, svc.AddMember(ctx, "g1", subject.Group("nested")))
	require.NoError(t, svc.AddMember(ctx, "g2", subject.User("u2")))
	require.NoError(t, svc.AddMember(ctx, "g2", subject.User("u3")))
	require.NoError(t, svc.AddMember(ctx, "g3", subject.User("u2")))
	require.NoError(t, svc.AddMember(ctx, "g3", subject.User("u4")))

	users, err := svc.IntersectGroups(ctx, []string{"g1", "g2", "g3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, users)

	users, err = svc.IntersectGroups(ctx, []string{"g1", "g2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, users)

	users, err = svc.IntersectGroups(ctx, []string{"g1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	_, err = svc.IntersectGroups(ctx, []string{"g1", "no-such-group"})
	assert.True(t, errors.Is(err, iamerr.NotFound))
}

// TestPurpose: Validates sync bookkeeping: lastSynchronizedVersion never
// exceeds the current version, never moves backwards, and a slow sync
// completing with an older snapshot does not clobber a newer record.
// Scope: Unit Test
func TestGroupService_RecordSync_Clamping(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	store.addUser("u1")

	_, err := svc.CreateGroup(ctx, "g", "")
	require.NoError(t, err)
	require.NoError(t, svc.AddMember(ctx, "g", subject.User("u1"))) // version 2

	now := time.Now()

	// Sync ahead of the current version is rejected.
	require.NoError(t, svc.RecordSync(ctx, "g", 99, now))
	g, err := svc.GetGroup(ctx, "g")
	require.NoError(t, err)
	assert.Nil(t, g.LastSynchronizedVersion)

	// Normal advance.
	require.NoError(t, svc.RecordSync(ctx, "g", 2, now))
	g, err = svc.GetGroup(ctx, "g")
	require.NoError(t, err)
	require.NotNil(t, g.LastSynchronizedVersion)
	assert.Equal(t, int64(2), *g.LastSynchronizedVersion)

	// A slower sync reporting an older snapshot is ignored.
	require.NoError(t, svc.RecordSync(ctx, "g", 1, now))
	g, err = svc.GetGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), *g.LastSynchronizedVersion)
	assert.LessOrEqual(t, *g.LastSynchronizedVersion, g.Version)

	// Re-reporting the current watermark is not stale: it re-applies and
	// refreshes the sync timestamp.
	later := now.Add(time.Minute)
	require.NoError(t, svc.RecordSync(ctx, "g", 2, later))
	g, err = svc.GetGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), *g.LastSynchronizedVersion)
	require.NotNil(t, g.SynchronizedAt)
	assert.True(t, g.SynchronizedAt.Equal(later))
}

func TestGroupService_CreateGroup_InvalidName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"", "eng/team", "eng:team"} {
		_, err := svc.CreateGroup(ctx, name, "")
		assert.True(t, errors.Is(err, iamerr.InvalidArgument), "name %q: %v", name, err)
	}
}

// TestPurpose: Validates that the graph mutation itself rejects a
// cycle-closing edge, independent of the service's pre-check: the edge
// store is the last line of defense when two writers race their checks.
// Scope: Unit Test
// Expected: linking a group under its own transitive member (or under
// itself) fails with InvalidGraph at the AddEdge layer.
func TestGraph_AddEdge_RejectsCycle(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := svc.CreateGroup(ctx, name, "")
		require.NoError(t, err)
	}
	require.NoError(t, svc.AddMember(ctx, "a", subject.Group("b")))
	require.NoError(t, svc.AddMember(ctx, "b", subject.Group("c")))

	// Straight to the graph, bypassing the service walk.
	err := store.AddEdge(ctx, subject.Group("c"), subject.Group("a"))
	assert.True(t, errors.Is(err, iamerr.InvalidGraph), "got %v", err)

	err = store.AddEdge(ctx, subject.Group("a"), subject.Group("a"))
	assert.True(t, errors.Is(err, iamerr.InvalidGraph), "got %v", err)

	ok, err := store.IsFlattenedMember(ctx, subject.Group("c"), subject.Group("a"))
	require.NoError(t, err)
	assert.False(t, ok, "rejected edge must leave the closure untouched")
}
