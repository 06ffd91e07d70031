package group

import (
	"context"
	"sort"
	"time"

	"github.com/grantgraph/grantgraph/internal/audit"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/subject"
)

type noopAudit struct{}

func (noopAudit) Log(context.Context, audit.Event) {}

// fakeStore is an in-memory Repository + Graph + SubjectChecker that
// maintains the flattened closure with the same flatten.go primitives the
// Postgres store uses.
type fakeStore struct {
	groups   map[string]*Group
	existing map[subject.Subject]struct{}
	direct   EdgeSet
	flat     map[subject.Subject]map[subject.Subject]struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups:   make(map[string]*Group),
		existing: make(map[subject.Subject]struct{}),
		direct:   make(EdgeSet),
		flat:     make(map[subject.Subject]map[subject.Subject]struct{}),
	}
}

func (f *fakeStore) addUser(id string) {
	f.existing[subject.User(id)] = struct{}{}
}

func (f *fakeStore) SubjectExists(_ context.Context, s subject.Subject) (bool, error) {
	if s.Kind == subject.KindGroup {
		_, ok := f.groups[s.GroupName]
		return ok, nil
	}
	_, ok := f.existing[s]
	return ok, nil
}

func (f *fakeStore) Create(_ context.Context, g *Group) error {
	if _, ok := f.groups[g.Name]; ok {
		return iamerr.New(iamerr.KindConflict, "group %q already exists", g.Name)
	}
	cp := *g
	f.groups[g.Name] = &cp
	return nil
}

func (f *fakeStore) GetByName(_ context.Context, name string) (*Group, error) {
	g, ok := f.groups[name]
	if !ok {
		return nil, iamerr.New(iamerr.KindNotFound, "group %q not found", name)
	}
	cp := *g
	return &cp, nil
}

func (f *fakeStore) Delete(_ context.Context, name string) error {
	g := subject.Group(name)
	if _, ok := f.groups[name]; !ok {
		return iamerr.New(iamerr.KindNotFound, "group %q not found", name)
	}
	for parent, children := range f.direct {
		if _, ok := children[g]; ok {
			return iamerr.New(iamerr.KindReferentialIntegrity,
				"cannot delete group %q: still a member of %s", name, parent)
		}
	}
	delete(f.groups, name)
	delete(f.direct, g)
	delete(f.flat, g)
	return nil
}

func (f *fakeStore) RecordSync(_ context.Context, name string, version int64, at time.Time) (bool, error) {
	g, ok := f.groups[name]
	if !ok {
		return false, iamerr.New(iamerr.KindNotFound, "group %q not found", name)
	}
	if version > g.Version {
		return false, nil
	}
	if g.LastSynchronizedVersion != nil && *g.LastSynchronizedVersion > version {
		return false, nil
	}
	g.LastSynchronizedVersion = &version
	g.SynchronizedAt = &at
	return true, nil
}

func (f *fakeStore) bumpVersion(parent subject.Subject) {
	if parent.Kind == subject.KindGroup {
		if g, ok := f.groups[parent.GroupName]; ok {
			g.Version++
			g.UpdatedAt = time.Now()
		}
	}
}

func (f *fakeStore) ancestorsOf(node subject.Subject) []subject.Subject {
	var out []subject.Subject
	for a, members := range f.flat {
		if _, ok := members[node]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeStore) insertRows(rows []Row) {
	for _, r := range rows {
		if f.flat[r.Ancestor] == nil {
			f.flat[r.Ancestor] = make(map[subject.Subject]struct{})
		}
		f.flat[r.Ancestor][r.Member] = struct{}{}
	}
}

func (f *fakeStore) AddEdge(_ context.Context, parent, child subject.Subject) error {
	// Mirrors the store-level guard: the edge mutation itself rejects a
	// cycle-closing link, independent of the service's pre-check.
	if parent == child {
		return iamerr.New(iamerr.KindInvalidGraph, "cannot add %s to itself", parent)
	}
	if _, ok := f.flat[child][parent]; ok {
		return iamerr.New(iamerr.KindInvalidGraph,
			"cannot add %s to %s: %s already contains %s", child, parent, child, parent)
	}
	ancestors := f.ancestorsOf(parent)
	var reachable []subject.Subject
	for m := range f.flat[child] {
		reachable = append(reachable, m)
	}
	f.direct.Add(parent, child)
	f.insertRows(NewRows(parent, ancestors, child, reachable))
	f.bumpVersion(parent)
	return nil
}

func (f *fakeStore) RemoveEdge(_ context.Context, parent, child subject.Subject) error {
	if _, ok := f.direct[parent][child]; !ok {
		return iamerr.New(iamerr.KindNotFound, "%s is not a direct member of %s", child, parent)
	}
	affected := append([]subject.Subject{parent}, f.ancestorsOf(parent)...)
	f.direct.Remove(parent, child)
	for _, a := range affected {
		delete(f.flat, a)
	}
	f.insertRows(RecomputeRows(affected, f.direct))
	f.bumpVersion(parent)
	return nil
}

func (f *fakeStore) HasEdge(_ context.Context, parent, child subject.Subject) (bool, error) {
	_, ok := f.direct[parent][child]
	return ok, nil
}

func (f *fakeStore) DirectMembers(_ context.Context, parent subject.Subject) ([]subject.Subject, error) {
	var out []subject.Subject
	for child := range f.direct[parent] {
		out = append(out, child)
	}
	return out, nil
}

func (f *fakeStore) DirectMemberships(_ context.Context, child subject.Subject) ([]subject.Subject, error) {
	var out []subject.Subject
	for parent, children := range f.direct {
		if _, ok := children[child]; ok {
			out = append(out, parent)
		}
	}
	return out, nil
}

func (f *fakeStore) IsFlattenedMember(_ context.Context, parent, member subject.Subject) (bool, error) {
	_, ok := f.flat[parent][member]
	return ok, nil
}

func (f *fakeStore) AncestorGroups(_ context.Context, member subject.Subject) ([]subject.Subject, error) {
	return f.ancestorsOf(member), nil
}

func (f *fakeStore) FlattenedUsers(_ context.Context, parent subject.Subject) ([]string, error) {
	var out []string
	for m := range f.flat[parent] {
		if m.Kind == subject.KindUser {
			out = append(out, m.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}
