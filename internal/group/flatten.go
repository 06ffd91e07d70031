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
	"github.com/grantgraph/grantgraph/internal/subject"
)

// Row is one materialized-closure entry: Member is transitively reachable
// from the group-like Ancestor through direct membership edges.
type Row struct {
	Ancestor subject.Subject
	Member   subject.Subject
}

// EdgeSet is a direct-membership adjacency map keyed by the containing
// group-like subject.
type EdgeSet map[subject.Subject]map[subject.Subject]struct{}

// Add records a direct edge parent -> child.
func (e EdgeSet) Add(parent, child subject.Subject) {
	if e[parent] == nil {
		e[parent] = make(map[subject.Subject]struct{})
	}
	e[parent][child] = struct{}{}
}

// Remove deletes a direct edge.
func (e EdgeSet) Remove(parent, child subject.Subject) {
	delete(e[parent], child)
}

// NewRows computes the closure rows created by adding the direct edge
// parent -> child: every ancestor that can reach parent (parent included)
// now also reaches child and everything already reachable from child.
// The cross product may contain rows that already exist via another path;
// the store inserts them idempotently.
func NewRows(parent subject.Subject, ancestorsOfParent []subject.Subject, child subject.Subject, reachableFromChild []subject.Subject) []Row {
	ancestors := make([]subject.Subject, 0, len(ancestorsOfParent)+1)
	ancestors = append(ancestors, parent)
	ancestors = append(ancestors, ancestorsOfParent...)

	members := make([]subject.Subject, 0, len(reachableFromChild)+1)
	members = append(members, child)
	members = append(members, reachableFromChild...)

	rows := make([]Row, 0, len(ancestors)*len(members))
	for _, a := range ancestors {
		for _, m := range members {
			if a == m {
				continue
			}
			rows = append(rows, Row{Ancestor: a, Member: m})
		}
	}
	return rows
}

// Reachable computes the full set of subjects reachable from node over the
// direct edges. Used to rebuild an ancestor's closure after an edge
// removal: a removed edge can sever one path while another survives, so
// only a from-scratch recomputation is safe.
func Reachable(node subject.Subject, direct EdgeSet) map[subject.Subject]struct{} {
	out := make(map[subject.Subject]struct{})
	stack := []subject.Subject{node}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for child := range direct[cur] {
			if _, seen := out[child]; seen {
				continue
			}
			if child == node {
				continue
			}
			out[child] = struct{}{}
			if child.IsGroupLike() {
				stack = append(stack, child)
			}
		}
	}
	return out
}

// RecomputeRows rebuilds the closure rows for each affected ancestor from
// the direct edges.
func RecomputeRows(affected []subject.Subject, direct EdgeSet) []Row {
	var rows []Row
	for _, a := range affected {
		for m := range Reachable(a, direct) {
			rows = append(rows, Row{Ancestor: a, Member: m})
		}
	}
	return rows
}
