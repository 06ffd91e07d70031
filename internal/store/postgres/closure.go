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

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/grantgraph/grantgraph/internal/group"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/subject"
)

// The helpers in this file maintain group_members and its materialized
// closure group_flattened_members inside a caller-provided transaction.
// They are shared by the group and policy repositories: policy members
// live in the same graph under the policy's subject key.

// ancestorSubjects returns every subject whose closure contains member.
func ancestorSubjects(ctx context.Context, q querier, member subject.Subject) ([]subject.Subject, error) {
	rows, err := q.Query(ctx, `
		SELECT ancestor_subject FROM group_flattened_members
		WHERE member_subject = $1
	`, member.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query ancestors: %w", err)
	}
	return scanSubjects(rows)
}

// reachableSubjects returns the closure of ancestor: every subject it
// transitively contains.
func reachableSubjects(ctx context.Context, q querier, ancestor subject.Subject) ([]subject.Subject, error) {
	rows, err := q.Query(ctx, `
		SELECT member_subject FROM group_flattened_members
		WHERE ancestor_subject = $1
	`, ancestor.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query reachable subjects: %w", err)
	}
	return scanSubjects(rows)
}

func scanSubjects(rows pgx.Rows) ([]subject.Subject, error) {
	defer rows.Close()
	var out []subject.Subject
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		s, err := subject.Parse(encoded)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// insertEdge adds the direct edge parent -> child and extends the
// closure: the new member set of parent (child plus child's closure)
// becomes reachable from parent and every ancestor of parent.
//
// Acyclicity is re-verified here, inside the caller's serializable
// transaction. The service-level cycle walk runs against pool reads, so
// two concurrent writers could each pass it; reading child's closure
// under serializable isolation makes the two inserts conflict and forces
// the retried transaction through this check.
func insertEdge(ctx context.Context, q querier, parent, child subject.Subject) error {
	if parent == child {
		return iamerr.New(iamerr.KindInvalidGraph, "cannot add %s to itself", parent)
	}
	reachable, err := reachableSubjects(ctx, q, child)
	if err != nil {
		return err
	}
	for _, m := range reachable {
		if m == parent {
			return iamerr.New(iamerr.KindInvalidGraph,
				"cannot add %s to %s: %s already contains %s", child, parent, child, parent)
		}
	}

	_, err = q.Exec(ctx, `
		INSERT INTO group_members (parent_subject, child_subject, created_at)
		VALUES ($1, $2, $3)
	`, parent.String(), child.String(), time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return iamerr.New(iamerr.KindConflict,
				"%s is already a direct member of %s", child, parent)
		}
		return fmt.Errorf("failed to insert membership edge: %w", err)
	}

	ancestors, err := ancestorSubjects(ctx, q, parent)
	if err != nil {
		return err
	}

	for _, row := range group.NewRows(parent, ancestors, child, reachable) {
		_, err := q.Exec(ctx, `
			INSERT INTO group_flattened_members (ancestor_subject, member_subject)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, row.Ancestor.String(), row.Member.String())
		if err != nil {
			return fmt.Errorf("failed to extend closure: %w", err)
		}
	}
	return nil
}

// removeEdge deletes the direct edge parent -> child and rebuilds the
// closure of parent and of every ancestor that could reach it. A removed
// edge can sever one path while another survives, so the affected
// closures are recomputed from the remaining direct edges rather than
// retracted incrementally.
func removeEdge(ctx context.Context, q querier, parent, child subject.Subject) error {
	affected, err := ancestorSubjects(ctx, q, parent)
	if err != nil {
		return err
	}
	affected = append([]subject.Subject{parent}, affected...)

	tag, err := q.Exec(ctx, `
		DELETE FROM group_members
		WHERE parent_subject = $1 AND child_subject = $2
	`, parent.String(), child.String())
	if err != nil {
		return fmt.Errorf("failed to delete membership edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return iamerr.New(iamerr.KindNotFound,
			"%s is not a direct member of %s", child, parent)
	}

	return recomputeClosure(ctx, q, affected)
}

// loadEdgeSet reads the whole direct edge table. The graph is
// administrative data and stays small relative to the flattened table.
func loadEdgeSet(ctx context.Context, q querier) (group.EdgeSet, error) {
	rows, err := q.Query(ctx, `SELECT parent_subject, child_subject FROM group_members`)
	if err != nil {
		return nil, fmt.Errorf("failed to load membership edges: %w", err)
	}
	defer rows.Close()

	direct := make(group.EdgeSet)
	for rows.Next() {
		var parentEnc, childEnc string
		if err := rows.Scan(&parentEnc, &childEnc); err != nil {
			return nil, fmt.Errorf("failed to scan membership edge: %w", err)
		}
		p, err := subject.Parse(parentEnc)
		if err != nil {
			return nil, err
		}
		c, err := subject.Parse(childEnc)
		if err != nil {
			return nil, err
		}
		direct.Add(p, c)
	}
	return direct, rows.Err()
}

// recomputeClosure rebuilds the closure rows of each affected ancestor
// from the direct edge table.
func recomputeClosure(ctx context.Context, q querier, affected []subject.Subject) error {
	direct, err := loadEdgeSet(ctx, q)
	if err != nil {
		return err
	}

	encoded := make([]string, len(affected))
	for i, a := range affected {
		encoded[i] = a.String()
	}
	_, err = q.Exec(ctx, `
		DELETE FROM group_flattened_members WHERE ancestor_subject = ANY($1)
	`, encoded)
	if err != nil {
		return fmt.Errorf("failed to clear stale closure rows: %w", err)
	}

	for _, row := range group.RecomputeRows(affected, direct) {
		_, err := q.Exec(ctx, `
			INSERT INTO group_flattened_members (ancestor_subject, member_subject)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, row.Ancestor.String(), row.Member.String())
		if err != nil {
			return fmt.Errorf("failed to rebuild closure: %w", err)
		}
	}
	return nil
}

// detachSubject removes s from the graph entirely: its memberships in
// other groups (with the containing closures rebuilt) and, when s is
// group-like, its own edges and closure rows.
func detachSubject(ctx context.Context, q querier, s subject.Subject) error {
	parents, err := directMemberships(ctx, q, s)
	if err != nil {
		return err
	}
	for _, p := range parents {
		if err := removeEdge(ctx, q, p, s); err != nil {
			return err
		}
	}
	if !s.IsGroupLike() {
		return nil
	}
	_, err = q.Exec(ctx, `
		DELETE FROM group_members WHERE parent_subject = $1
	`, s.String())
	if err != nil {
		return fmt.Errorf("failed to delete membership edges: %w", err)
	}
	_, err = q.Exec(ctx, `
		DELETE FROM group_flattened_members WHERE ancestor_subject = $1
	`, s.String())
	if err != nil {
		return fmt.Errorf("failed to delete closure rows: %w", err)
	}
	return nil
}

func directMemberships(ctx context.Context, q querier, child subject.Subject) ([]subject.Subject, error) {
	rows, err := q.Query(ctx, `
		SELECT parent_subject FROM group_members
		WHERE child_subject = $1
		ORDER BY parent_subject
	`, child.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	return scanSubjects(rows)
}

// bumpVersion increments the membership version of a group-like subject.
// Group versions live on the groups row, policy versions on the policies
// row.
func bumpVersion(ctx context.Context, q querier, s subject.Subject) error {
	switch s.Kind {
	case subject.KindGroup:
		tag, err := q.Exec(ctx, `
			UPDATE groups SET version = version + 1, updated_at = NOW()
			WHERE name = $1
		`, s.GroupName)
		if err != nil {
			return fmt.Errorf("failed to bump group version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return iamerr.New(iamerr.KindNotFound, "group %q not found", s.GroupName)
		}
	case subject.KindPolicy:
		tag, err := q.Exec(ctx, `
			UPDATE policies SET version = version + 1, updated_at = NOW()
			WHERE resource_type = $1 AND resource_id = $2 AND name = $3
		`, s.Policy.ResourceType, s.Policy.ResourceID, s.Policy.PolicyName)
		if err != nil {
			return fmt.Errorf("failed to bump policy version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return iamerr.New(iamerr.KindNotFound, "policy %s not found", s.Policy)
		}
	default:
		return iamerr.New(iamerr.KindInvalidGraph, "%s cannot contain members", s)
	}
	return nil
}
