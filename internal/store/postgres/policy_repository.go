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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/grantgraph/grantgraph/internal/group"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/resource"
	"github.com/grantgraph/grantgraph/internal/subject"
)

// PolicyRepository implements resource.PolicyRepository. Policy members
// are edges in the membership graph under the policy's subject key, so
// member mutations share the closure helpers with the group repository
// and run in the same transaction as the policy row.
type PolicyRepository struct {
	db *DB
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(db *DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// insertPolicy writes the policy row and its descendant permissions.
func insertPolicy(ctx context.Context, q querier, p *resource.AccessPolicy) error {
	_, err := q.Exec(ctx, `
		INSERT INTO policies (
			resource_type, resource_id, name, email,
			roles, actions, public, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		p.Resource.Type, p.Resource.ID, p.Name, p.Email,
		p.Roles, p.Actions, p.Public, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return iamerr.New(iamerr.KindConflict,
				"policy %q already exists on resource %s", p.Name, p.Resource)
		}
		if isForeignKeyViolation(err) {
			return iamerr.New(iamerr.KindNotFound, "resource %s not found", p.Resource)
		}
		return fmt.Errorf("failed to insert policy: %w", err)
	}

	for _, dp := range p.DescendantPermissions {
		_, err := q.Exec(ctx, `
			INSERT INTO policy_descendant_permissions (
				resource_type, resource_id, policy_name,
				descendant_type, roles, actions
			) VALUES ($1, $2, $3, $4, $5, $6)
		`, p.Resource.Type, p.Resource.ID, p.Name, dp.ResourceType, dp.Roles, dp.Actions)
		if err != nil {
			return fmt.Errorf("failed to insert descendant permission: %w", err)
		}
	}
	return nil
}

// Create persists a new policy with its initial members.
func (r *PolicyRepository) Create(ctx context.Context, p *resource.AccessPolicy, members []subject.Subject) error {
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		if err := insertPolicy(ctx, tx, p); err != nil {
			return err
		}
		for _, m := range members {
			if err := insertEdge(ctx, tx, p.Subject(), m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get retrieves one policy with its descendant permissions.
func (r *PolicyRepository) Get(ctx context.Context, ref resource.Ref, name string) (*resource.AccessPolicy, error) {
	p := resource.AccessPolicy{Resource: ref, Name: name}
	err := r.db.pool.QueryRow(ctx, `
		SELECT email, roles, actions, public,
			version, last_synchronized_version, created_at, updated_at
		FROM policies
		WHERE resource_type = $1 AND resource_id = $2 AND name = $3
	`, ref.Type, ref.ID, name).Scan(
		&p.Email, &p.Roles, &p.Actions, &p.Public,
		&p.Version, &p.LastSynchronizedVersion, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, iamerr.New(iamerr.KindNotFound,
				"policy %q not found on resource %s", name, ref)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if err := r.loadDescendantPermissions(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Overwrite atomically replaces the policy's members, roles, actions, and
// public flag. The member set is rewritten wholesale: the old edges go,
// the closures of the policy and its containing groups are rebuilt, and
// the new edges are inserted. The version moves by exactly one.
func (r *PolicyRepository) Overwrite(ctx context.Context, ref resource.Ref, name string, members []subject.Subject, roles, actions []string, public bool) error {
	ps := subject.Policy(ref.Type, ref.ID, name)
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE policies
			SET roles = $4, actions = $5, public = $6,
				version = version + 1, updated_at = NOW()
			WHERE resource_type = $1 AND resource_id = $2 AND name = $3
		`, ref.Type, ref.ID, name, roles, actions, public)
		if err != nil {
			return fmt.Errorf("failed to update policy: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return iamerr.New(iamerr.KindNotFound,
				"policy %q not found on resource %s", name, ref)
		}

		affected, err := ancestorSubjects(ctx, tx, ps)
		if err != nil {
			return err
		}
		affected = append([]subject.Subject{ps}, affected...)

		_, err = tx.Exec(ctx, `
			DELETE FROM group_members WHERE parent_subject = $1
		`, ps.String())
		if err != nil {
			return fmt.Errorf("failed to clear policy members: %w", err)
		}

		// Cycle check against the edge table as it stands inside this
		// transaction, with the old member edges already gone.
		direct, err := loadEdgeSet(ctx, tx)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m == ps {
				return iamerr.New(iamerr.KindInvalidGraph, "cannot add %s to itself", ps)
			}
			if !m.IsGroupLike() {
				continue
			}
			if _, reaches := group.Reachable(m, direct)[ps]; reaches {
				return iamerr.New(iamerr.KindInvalidGraph,
					"cannot add %s to %s: %s already contains %s", m, ps, m, ps)
			}
		}

		for _, m := range members {
			_, err := tx.Exec(ctx, `
				INSERT INTO group_members (parent_subject, child_subject, created_at)
				VALUES ($1, $2, NOW())
			`, ps.String(), m.String())
			if err != nil {
				return fmt.Errorf("failed to insert policy member: %w", err)
			}
		}
		return recomputeClosure(ctx, tx, affected)
	})
}

// Delete removes a policy and its membership edges. A policy still
// contained in a group must be removed from it first.
func (r *PolicyRepository) Delete(ctx context.Context, ref resource.Ref, name string) error {
	ps := subject.Policy(ref.Type, ref.ID, name)
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		containers, err := directMemberships(ctx, tx, ps)
		if err != nil {
			return err
		}
		if len(containers) > 0 {
			return iamerr.New(iamerr.KindReferentialIntegrity,
				"cannot delete policy %s: still a member of %s", ps.Policy, containers[0])
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM group_members WHERE parent_subject = $1
		`, ps.String())
		if err != nil {
			return fmt.Errorf("failed to delete policy members: %w", err)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM group_flattened_members WHERE ancestor_subject = $1
		`, ps.String())
		if err != nil {
			return fmt.Errorf("failed to delete policy closure: %w", err)
		}

		// Descendant permission rows cascade with the policy.
		tag, err := tx.Exec(ctx, `
			DELETE FROM policies
			WHERE resource_type = $1 AND resource_id = $2 AND name = $3
		`, ref.Type, ref.ID, name)
		if err != nil {
			return fmt.Errorf("failed to delete policy: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return iamerr.New(iamerr.KindNotFound,
				"policy %q not found on resource %s", name, ref)
		}
		return nil
	})
}

// ListByResource lists the policies directly on a resource.
func (r *PolicyRepository) ListByResource(ctx context.Context, ref resource.Ref) ([]*resource.AccessPolicy, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT resource_type, resource_id, name, email, roles, actions, public,
			version, last_synchronized_version, created_at, updated_at
		FROM policies
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY name
	`, ref.Type, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return r.scanPolicies(ctx, rows)
}

// Members lists a policy's direct members.
func (r *PolicyRepository) Members(ctx context.Context, ref resource.Ref, name string) ([]subject.Subject, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT child_subject FROM group_members
		WHERE parent_subject = $1
		ORDER BY child_subject
	`, subject.Policy(ref.Type, ref.ID, name).String())
	if err != nil {
		return nil, fmt.Errorf("failed to query policy members: %w", err)
	}
	return scanSubjects(rows)
}

// ListForSubject returns every policy the subject transitively belongs
// to, plus every public policy. The flattened table holds direct edges
// too, so one EXISTS per policy answers membership.
func (r *PolicyRepository) ListForSubject(ctx context.Context, sub subject.Subject) ([]*resource.AccessPolicy, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT p.resource_type, p.resource_id, p.name, p.email, p.roles, p.actions,
			p.public, p.version, p.last_synchronized_version, p.created_at, p.updated_at
		FROM policies p
		WHERE p.public OR EXISTS (
			SELECT 1 FROM group_flattened_members f
			WHERE f.ancestor_subject =
				'policy:' || p.resource_type || '/' || p.resource_id || '/' || p.name
				AND f.member_subject = $1
		)
		ORDER BY p.resource_type, p.resource_id, p.name
	`, sub.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list policies for subject: %w", err)
	}
	return r.scanPolicies(ctx, rows)
}

func (r *PolicyRepository) scanPolicies(ctx context.Context, rows pgx.Rows) ([]*resource.AccessPolicy, error) {
	var out []*resource.AccessPolicy
	for rows.Next() {
		var p resource.AccessPolicy
		err := rows.Scan(
			&p.Resource.Type, &p.Resource.ID, &p.Name, &p.Email, &p.Roles, &p.Actions,
			&p.Public, &p.Version, &p.LastSynchronizedVersion, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		out = append(out, &p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range out {
		if err := r.loadDescendantPermissions(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PolicyRepository) loadDescendantPermissions(ctx context.Context, p *resource.AccessPolicy) error {
	rows, err := r.db.pool.Query(ctx, `
		SELECT descendant_type, roles, actions
		FROM policy_descendant_permissions
		WHERE resource_type = $1 AND resource_id = $2 AND policy_name = $3
		ORDER BY descendant_type
	`, p.Resource.Type, p.Resource.ID, p.Name)
	if err != nil {
		return fmt.Errorf("failed to query descendant permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dp resource.DescendantPermission
		if err := rows.Scan(&dp.ResourceType, &dp.Roles, &dp.Actions); err != nil {
			return fmt.Errorf("failed to scan descendant permission: %w", err)
		}
		p.DescendantPermissions = append(p.DescendantPermissions, dp)
	}
	return rows.Err()
}
