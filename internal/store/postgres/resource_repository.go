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
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/resource"
	"github.com/grantgraph/grantgraph/internal/subject"
)

// ResourceRepository implements resource.Repository.
type ResourceRepository struct {
	db *DB
}

// NewResourceRepository creates a new resource repository.
func NewResourceRepository(db *DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// Create persists the resource and, when owner is non-nil, its owner
// policy with the given members in the same transaction.
func (r *ResourceRepository) Create(ctx context.Context, res *resource.Resource, owner *resource.AccessPolicy, ownerMembers []subject.Subject) error {
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		_, err := tx.Exec(ctx, `
			INSERT INTO resources (resource_type, resource_id, auth_domain, created_at)
			VALUES ($1, $2, $3, $4)
		`, res.Ref.Type, res.Ref.ID, res.AuthDomain, now)
		if err != nil {
			if isUniqueViolation(err) {
				return iamerr.New(iamerr.KindConflict, "resource %s already exists", res.Ref)
			}
			return fmt.Errorf("failed to insert resource: %w", err)
		}
		res.CreatedAt = now

		if owner == nil {
			return nil
		}
		if err := insertPolicy(ctx, tx, owner); err != nil {
			return err
		}
		for _, m := range ownerMembers {
			if err := insertEdge(ctx, tx, owner.Subject(), m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get retrieves a resource.
func (r *ResourceRepository) Get(ctx context.Context, ref resource.Ref) (*resource.Resource, error) {
	res := resource.Resource{Ref: ref}
	var parentType, parentID *string
	err := r.db.pool.QueryRow(ctx, `
		SELECT auth_domain, parent_type, parent_id, created_at
		FROM resources
		WHERE resource_type = $1 AND resource_id = $2
	`, ref.Type, ref.ID).Scan(&res.AuthDomain, &parentType, &parentID, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, iamerr.New(iamerr.KindNotFound, "resource %s not found", ref)
		}
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	if parentType != nil && parentID != nil {
		res.Parent = &resource.Ref{Type: *parentType, ID: *parentID}
	}
	return &res, nil
}

// Delete removes the resource and cascades to its policies, detaching
// each policy from the membership graph first so the closures of any
// containing groups are rebuilt.
func (r *ResourceRepository) Delete(ctx context.Context, ref resource.Ref) error {
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		// Re-checked inside the transaction; the service's check reads
		// from the pool and can race a concurrent re-parent.
		var hasChildren bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM resources WHERE parent_type = $1 AND parent_id = $2
			)
		`, ref.Type, ref.ID).Scan(&hasChildren)
		if err != nil {
			return fmt.Errorf("failed to check children: %w", err)
		}
		if hasChildren {
			return iamerr.New(iamerr.KindReferentialIntegrity,
				"cannot delete resource %s: child resources still reference it as parent", ref)
		}

		rows, err := tx.Query(ctx, `
			SELECT name FROM policies
			WHERE resource_type = $1 AND resource_id = $2
		`, ref.Type, ref.ID)
		if err != nil {
			return fmt.Errorf("failed to list policies: %w", err)
		}
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan policy name: %w", err)
			}
			names = append(names, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, name := range names {
			if err := detachSubject(ctx, tx, subject.Policy(ref.Type, ref.ID, name)); err != nil {
				return err
			}
		}

		// The policies and descendant permission rows go with the
		// resource via ON DELETE CASCADE.
		tag, err := tx.Exec(ctx, `
			DELETE FROM resources
			WHERE resource_type = $1 AND resource_id = $2
		`, ref.Type, ref.ID)
		if err != nil {
			return fmt.Errorf("failed to delete resource: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return iamerr.New(iamerr.KindNotFound, "resource %s not found", ref)
		}
		return nil
	})
}

// HasChildren reports whether any resource names ref as its parent.
func (r *ResourceRepository) HasChildren(ctx context.Context, ref resource.Ref) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM resources WHERE parent_type = $1 AND parent_id = $2
		)
	`, ref.Type, ref.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check children: %w", err)
	}
	return exists, nil
}

// SetParent points child at parent. The walk over parent's ancestor
// chain repeats inside the serializable transaction: the service-level
// check reads from the pool and two concurrent re-parents could
// otherwise each pass it and close a cycle.
func (r *ResourceRepository) SetParent(ctx context.Context, child, parent resource.Ref) error {
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		if child == parent {
			return iamerr.New(iamerr.KindInvalidGraph, "cannot set resource %s as its own parent", child)
		}
		chain, err := resourceAncestors(ctx, tx, parent)
		if err != nil {
			return err
		}
		for _, a := range chain {
			if a == child {
				return iamerr.New(iamerr.KindInvalidGraph,
					"cannot set parent of %s to %s: %s is already a descendant of %s", child, parent, parent, child)
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE resources SET parent_type = $3, parent_id = $4
			WHERE resource_type = $1 AND resource_id = $2
		`, child.Type, child.ID, parent.Type, parent.ID)
		if err != nil {
			return fmt.Errorf("failed to set parent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return iamerr.New(iamerr.KindNotFound, "resource %s not found", child)
		}
		return nil
	})
}

// GetParent returns the parent, or nil at a root.
func (r *ResourceRepository) GetParent(ctx context.Context, ref resource.Ref) (*resource.Ref, error) {
	var parentType, parentID *string
	err := r.db.pool.QueryRow(ctx, `
		SELECT parent_type, parent_id FROM resources
		WHERE resource_type = $1 AND resource_id = $2
	`, ref.Type, ref.ID).Scan(&parentType, &parentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, iamerr.New(iamerr.KindNotFound, "resource %s not found", ref)
		}
		return nil, fmt.Errorf("failed to get parent: %w", err)
	}
	if parentType == nil || parentID == nil {
		return nil, nil
	}
	return &resource.Ref{Type: *parentType, ID: *parentID}, nil
}

// Ancestors returns the parent chain from nearest to furthest.
func (r *ResourceRepository) Ancestors(ctx context.Context, ref resource.Ref) ([]resource.Ref, error) {
	return resourceAncestors(ctx, r.db.pool, ref)
}

func resourceAncestors(ctx context.Context, q querier, ref resource.Ref) ([]resource.Ref, error) {
	rows, err := q.Query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT r.parent_type, r.parent_id, 1 AS depth
			FROM resources r
			WHERE r.resource_type = $1 AND r.resource_id = $2
			UNION ALL
			SELECT r.parent_type, r.parent_id, c.depth + 1
			FROM resources r
			JOIN chain c ON r.resource_type = c.parent_type AND r.resource_id = c.parent_id
			WHERE c.parent_type IS NOT NULL
		)
		SELECT parent_type, parent_id FROM chain
		WHERE parent_type IS NOT NULL
		ORDER BY depth
	`, ref.Type, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ancestors: %w", err)
	}
	return scanRefs(rows)
}

// DescendantsOfType returns every resource of the given type beneath
// ancestor.
func (r *ResourceRepository) DescendantsOfType(ctx context.Context, ancestor resource.Ref, resourceType string) ([]resource.Ref, error) {
	rows, err := r.db.pool.Query(ctx, `
		WITH RECURSIVE sub AS (
			SELECT resource_type, resource_id FROM resources
			WHERE parent_type = $1 AND parent_id = $2
			UNION ALL
			SELECT r.resource_type, r.resource_id
			FROM resources r
			JOIN sub s ON r.parent_type = s.resource_type AND r.parent_id = s.resource_id
		)
		SELECT resource_type, resource_id FROM sub
		WHERE resource_type = $3
		ORDER BY resource_id
	`, ancestor.Type, ancestor.ID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to query descendants: %w", err)
	}
	return scanRefs(rows)
}

func scanRefs(rows pgx.Rows) ([]resource.Ref, error) {
	defer rows.Close()
	var out []resource.Ref
	for rows.Next() {
		var ref resource.Ref
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, fmt.Errorf("failed to scan resource ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
