package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/resource"
	"github.com/grantgraph/grantgraph/internal/subject"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture wires the evaluation engine to in-memory stores.
type fixture struct {
	resources map[resource.Ref]*resource.Resource
	policies  map[resource.Ref][]*resource.AccessPolicy
	flat      map[subject.Subject]map[subject.Subject]struct{}
	disabled  map[string]bool
	users     map[string]bool

	parentCalls [][2]resource.Ref
}

func newFixture() *fixture {
	return &fixture{
		resources: make(map[resource.Ref]*resource.Resource),
		policies:  make(map[resource.Ref][]*resource.AccessPolicy),
		flat:      make(map[subject.Subject]map[subject.Subject]struct{}),
		disabled:  make(map[string]bool),
		users:     make(map[string]bool),
	}
}

func (f *fixture) addResource(ref resource.Ref, parent *resource.Ref) {
	f.resources[ref] = &resource.Resource{Ref: ref, Parent: parent}
}

func (f *fixture) addPolicy(p *resource.AccessPolicy, members ...subject.Subject) {
	f.policies[p.Resource] = append(f.policies[p.Resource], p)
	for _, m := range members {
		f.addFlat(p.Subject(), m)
	}
}

func (f *fixture) addFlat(parent, member subject.Subject) {
	if f.flat[parent] == nil {
		f.flat[parent] = make(map[subject.Subject]struct{})
	}
	f.flat[parent][member] = struct{}{}
	if member.Kind == subject.KindUser {
		f.users[member.UserID] = true
	}
}

func (f *fixture) removeFlat(parent, member subject.Subject) {
	delete(f.flat[parent], member)
}

func (f *fixture) Get(_ context.Context, ref resource.Ref) (*resource.Resource, error) {
	r, ok := f.resources[ref]
	if !ok {
		return nil, iamerr.New(iamerr.KindNotFound, "resource %s not found", ref)
	}
	return r, nil
}

func (f *fixture) Ancestors(_ context.Context, ref resource.Ref) ([]resource.Ref, error) {
	var out []resource.Ref
	cur := f.resources[ref]
	for cur != nil && cur.Parent != nil {
		out = append(out, *cur.Parent)
		cur = f.resources[*cur.Parent]
	}
	return out, nil
}

func (f *fixture) DescendantsOfType(ctx context.Context, ancestor resource.Ref, resourceType string) ([]resource.Ref, error) {
	var out []resource.Ref
	for ref := range f.resources {
		if ref.Type != resourceType {
			continue
		}
		ancs, _ := f.Ancestors(ctx, ref)
		for _, a := range ancs {
			if a == ancestor {
				out = append(out, ref)
				break
			}
		}
	}
	return out, nil
}

func (f *fixture) ListByResource(_ context.Context, ref resource.Ref) ([]*resource.AccessPolicy, error) {
	return f.policies[ref], nil
}

func (f *fixture) ListForSubject(_ context.Context, sub subject.Subject) ([]*resource.AccessPolicy, error) {
	var out []*resource.AccessPolicy
	for _, ps := range f.policies {
		for _, p := range ps {
			if p.Public {
				out = append(out, p)
				continue
			}
			if _, ok := f.flat[p.Subject()][sub]; ok {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (f *fixture) IsFlattenedMember(_ context.Context, parent, member subject.Subject) (bool, error) {
	_, ok := f.flat[parent][member]
	return ok, nil
}

func (f *fixture) Enabled(_ context.Context, userID string) (bool, error) {
	if !f.users[userID] {
		return false, iamerr.New(iamerr.KindNotFound, "user %q not found", userID)
	}
	return !f.disabled[userID], nil
}

func (f *fixture) SetParent(_ context.Context, child, parent resource.Ref) error {
	f.parentCalls = append(f.parentCalls, [2]resource.Ref{child, parent})
	r := f.resources[child]
	p := parent
	r.Parent = &p
	return nil
}

func folderSchema() *resource.Schema {
	return &resource.Schema{ResourceTypes: []resource.ResourceType{
		{
			Name:           "folder",
			OwnerRoleName:  "owner",
			ActionPatterns: []string{"read", "write", "delete", "share", "add_child", "set_parent"},
			Roles: []resource.Role{
				{Name: "owner", Actions: []string{"read", "write", "delete", "share", "add_child", "set_parent"}},
				{Name: "viewer", Actions: []string{"read"}},
			},
		},
		{
			Name:           "workspace",
			OwnerRoleName:  "owner",
			ActionPatterns: []string{"read", "administer", "add_child", "set_parent"},
			Roles: []resource.Role{
				{Name: "owner", Actions: []string{"read", "administer", "add_child", "set_parent"}},
			},
		},
	}}
}

func newTestService(f *fixture) *Service {
	return NewService(resource.NewStaticRegistry(folderSchema()), f, f, f, f, f)
}

// TestPurpose: Validates the owner-policy scenario: the creator granted
// the owner role can read; an unrelated user cannot.
// Scope: Unit Test
func TestAuthz_OwnerPolicyGrantsRead(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	fRef := resource.Ref{Type: "folder", ID: "F"}
	f.addResource(fRef, nil)
	f.addPolicy(&resource.AccessPolicy{
		Resource: fRef,
		Name:     "owner",
		Roles:    []string{"owner"},
	}, subject.User("userA"))
	f.users["userB"] = true

	ok, err := svc.HasPermission(ctx, "folder", "F", "read", subject.User("userA"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasPermission(ctx, "folder", "F", "read", subject.User("userB"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestPurpose: Validates permission additivity: with P1 granting an
// action and P2 granting nothing, membership in both yields the action;
// leaving P1 while staying in P2 revokes it.
// Scope: Unit Test
func TestAuthz_PermissionsAreAdditive(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	r := resource.Ref{Type: "folder", ID: "R"}
	f.addResource(r, nil)

	p1 := &resource.AccessPolicy{Resource: r, Name: "writers", Actions: []string{"write"}}
	p2 := &resource.AccessPolicy{Resource: r, Name: "bystanders"}
	f.addPolicy(p1, subject.User("s"))
	f.addPolicy(p2, subject.User("s"))

	ok, err := svc.HasPermission(ctx, "folder", "R", "write", subject.User("s"))
	require.NoError(t, err)
	assert.True(t, ok)

	f.removeFlat(p1.Subject(), subject.User("s"))
	ok, err = svc.HasPermission(ctx, "folder", "R", "write", subject.User("s"))
	require.NoError(t, err)
	assert.False(t, ok, "the empty policy must not keep the grant alive")
}

// TestPurpose: Validates descendant-permission inheritance: a policy on
// an ancestor with descendant permissions covering the child's type
// grants on the child with no policy directly on the child.
// Scope: Unit Test
func TestAuthz_DescendantInheritance(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	ws := resource.Ref{Type: "workspace", ID: "W"}
	child := resource.Ref{Type: "folder", ID: "C"}
	f.addResource(ws, nil)
	f.addResource(child, &ws)

	f.addPolicy(&resource.AccessPolicy{
		Resource: ws,
		Name:     "folder-readers",
		DescendantPermissions: []resource.DescendantPermission{
			{ResourceType: "folder", Roles: []string{"viewer"}},
		},
	}, subject.User("s"))

	ok, err := svc.HasPermission(ctx, "folder", "C", "read", subject.User("s"))
	require.NoError(t, err)
	assert.True(t, ok)

	// The viewer role only carries read.
	ok, err = svc.HasPermission(ctx, "folder", "C", "write", subject.User("s"))
	require.NoError(t, err)
	assert.False(t, ok)

	roles, err := svc.ListUserRoles(ctx, "folder", "C", subject.User("s"))
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer"}, roles)
}

// TestPurpose: Validates public-policy semantics: public membership grants
// the policy's actions to everyone, and an empty public policy counts for
// enumeration but grants nothing.
// Scope: Unit Test
func TestAuthz_PublicPolicies(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	r := resource.Ref{Type: "folder", ID: "pub"}
	f.addResource(r, nil)
	f.addPolicy(&resource.AccessPolicy{Resource: r, Name: "anyone", Actions: []string{"read"}, Public: true})

	empty := resource.Ref{Type: "folder", ID: "listed"}
	f.addResource(empty, nil)
	f.addPolicy(&resource.AccessPolicy{Resource: empty, Name: "visitors", Public: true})

	f.users["stranger"] = true

	ok, err := svc.HasPermission(ctx, "folder", "pub", "read", subject.User("stranger"))
	require.NoError(t, err)
	assert.True(t, ok)

	// The empty public policy grants nothing...
	actions, err := svc.ListUserResourceActions(ctx, "folder", "listed", subject.User("stranger"))
	require.NoError(t, err)
	assert.Empty(t, actions)

	// ...but still counts as membership for enumeration.
	listed, err := svc.ListResourcesAndRoles(ctx, "folder", subject.User("stranger"))
	require.NoError(t, err)
	require.Contains(t, listed, "listed")
	assert.Empty(t, listed["listed"])
}

func TestAuthz_FailClosed(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	r := resource.Ref{Type: "folder", ID: "bare"}
	f.addResource(r, nil)
	f.users["anyone"] = true

	ok, err := svc.HasPermission(ctx, "folder", "bare", "read", subject.User("anyone"))
	require.NoError(t, err)
	assert.False(t, ok, "a resource with no policies and no ancestors grants nothing")
}

func TestAuthz_MalformedRequests(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	r := resource.Ref{Type: "folder", ID: "F"}
	f.addResource(r, nil)
	f.users["u"] = true

	_, err := svc.HasPermission(ctx, "spaceship", "F", "read", subject.User("u"))
	assert.True(t, errors.Is(err, iamerr.NotFound), "unknown type")

	_, err = svc.HasPermission(ctx, "folder", "missing", "read", subject.User("u"))
	assert.True(t, errors.Is(err, iamerr.NotFound), "unknown resource")

	_, err = svc.HasPermission(ctx, "folder", "F", "teleport", subject.User("u"))
	assert.True(t, errors.Is(err, iamerr.NotFound), "unknown action")
}

// TestPurpose: Validates that disabled and unknown users hold no access
// regardless of graph membership.
// Scope: Unit Test
func TestAuthz_DisabledSubjectHasNoAccess(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	r := resource.Ref{Type: "folder", ID: "F"}
	f.addResource(r, nil)
	f.addPolicy(&resource.AccessPolicy{Resource: r, Name: "owner", Roles: []string{"owner"}}, subject.User("locked"))
	f.disabled["locked"] = true

	ok, err := svc.HasPermission(ctx, "folder", "F", "read", subject.User("locked"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.HasPermission(ctx, "folder", "F", "read", subject.User("never-registered"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthz_ListUserResourceActions_Union(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	ws := resource.Ref{Type: "workspace", ID: "W"}
	r := resource.Ref{Type: "folder", ID: "F"}
	f.addResource(ws, nil)
	f.addResource(r, &ws)

	f.addPolicy(&resource.AccessPolicy{Resource: r, Name: "viewers", Roles: []string{"viewer"}}, subject.User("s"))
	f.addPolicy(&resource.AccessPolicy{Resource: r, Name: "sharers", Actions: []string{"share"}}, subject.User("s"))
	f.addPolicy(&resource.AccessPolicy{
		Resource: ws,
		Name:     "admins",
		DescendantPermissions: []resource.DescendantPermission{
			{ResourceType: "folder", Actions: []string{"delete"}},
		},
	}, subject.User("s"))

	actions, err := svc.ListUserResourceActions(ctx, "folder", "F", subject.User("s"))
	require.NoError(t, err)
	assert.Equal(t, []string{"delete", "read", "share"}, actions)
}

func TestAuthz_ListResourcesAndRoles_IncludesDescendantGrants(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	ws := resource.Ref{Type: "workspace", ID: "W"}
	f1 := resource.Ref{Type: "folder", ID: "F1"}
	f2 := resource.Ref{Type: "folder", ID: "F2"}
	other := resource.Ref{Type: "folder", ID: "unrelated"}
	f.addResource(ws, nil)
	f.addResource(f1, &ws)
	f.addResource(f2, &ws)
	f.addResource(other, nil)

	f.addPolicy(&resource.AccessPolicy{Resource: f1, Name: "viewers", Roles: []string{"viewer"}}, subject.User("s"))
	f.addPolicy(&resource.AccessPolicy{
		Resource: ws,
		Name:     "ws-owners",
		DescendantPermissions: []resource.DescendantPermission{
			{ResourceType: "folder", Roles: []string{"owner"}},
		},
	}, subject.User("s"))

	out, err := svc.ListResourcesAndRoles(ctx, "folder", subject.User("s"))
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{
		"F1": {"owner", "viewer"},
		"F2": {"owner"},
	}, out)
}

func TestAuthz_SetResourceParent_Gating(t *testing.T) {
	f := newFixture()
	svc := newTestService(f)
	ctx := context.Background()

	parent := resource.Ref{Type: "workspace", ID: "P"}
	child := resource.Ref{Type: "folder", ID: "C"}
	f.addResource(parent, nil)
	f.addResource(child, nil)
	f.users["u"] = true

	// No grants at all: denied on the parent gate.
	err := svc.SetResourceParent(ctx, child, parent, subject.User("u"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, iamerr.PermissionDenied))
	assert.Empty(t, f.parentCalls)

	// add_child on the parent but no set_parent on the child.
	f.addPolicy(&resource.AccessPolicy{Resource: parent, Name: "owner", Roles: []string{"owner"}}, subject.User("u"))
	err = svc.SetResourceParent(ctx, child, parent, subject.User("u"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, iamerr.PermissionDenied))
	assert.Empty(t, f.parentCalls)

	// Both gates held: the store applies the edge.
	f.addPolicy(&resource.AccessPolicy{Resource: child, Name: "owner", Roles: []string{"owner"}}, subject.User("u"))
	require.NoError(t, svc.SetResourceParent(ctx, child, parent, subject.User("u")))
	require.Len(t, f.parentCalls, 1)
	assert.Equal(t, [2]resource.Ref{child, parent}, f.parentCalls[0])
}
