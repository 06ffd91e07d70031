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
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/grantgraph/grantgraph/internal/group"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/subject"
)

// GroupRepository implements group.Repository, group.Graph, and
// group.SubjectChecker. Edge mutations and their closure maintenance run
// in one serializable transaction; reads run as single indexed lookups
// against the flattened table.
type GroupRepository struct {
	db *DB
}

// NewGroupRepository creates a new group repository.
func NewGroupRepository(db *DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// Create creates a new group record.
func (r *GroupRepository) Create(ctx context.Context, g *group.Group) error {
	now := time.Now()
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO groups (name, email, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, g.Name, g.Email, g.Version, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return iamerr.New(iamerr.KindConflict, "group %q already exists", g.Name)
		}
		return fmt.Errorf("failed to insert group: %w", err)
	}
	g.CreatedAt = now
	g.UpdatedAt = now
	return nil
}

// GetByName retrieves a group by name.
func (r *GroupRepository) GetByName(ctx context.Context, name string) (*group.Group, error) {
	var g group.Group
	err := r.db.pool.QueryRow(ctx, `
		SELECT name, email, version, last_synchronized_version, synchronized_at,
			created_at, updated_at
		FROM groups
		WHERE name = $1
	`, name).Scan(
		&g.Name, &g.Email, &g.Version, &g.LastSynchronizedVersion, &g.SynchronizedAt,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, iamerr.New(iamerr.KindNotFound, "group %q not found", name)
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &g, nil
}

// Delete removes the group record, its direct member edges, and its
// closure rows. The containment check runs inside the transaction: the
// service's check reads from the pool and cannot see a membership linked
// concurrently with the delete.
func (r *GroupRepository) Delete(ctx context.Context, name string) error {
	s := subject.Group(name)
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		containers, err := directMemberships(ctx, tx, s)
		if err != nil {
			return err
		}
		if len(containers) > 0 {
			return iamerr.New(iamerr.KindReferentialIntegrity,
				"cannot delete group %q: still a member of %s", name, containers[0])
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM group_members WHERE parent_subject = $1
		`, s.String())
		if err != nil {
			return fmt.Errorf("failed to delete member edges: %w", err)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM group_flattened_members WHERE ancestor_subject = $1
		`, s.String())
		if err != nil {
			return fmt.Errorf("failed to delete closure rows: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM groups WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("failed to delete group: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return iamerr.New(iamerr.KindNotFound, "group %q not found", name)
		}
		return nil
	})
}

// RecordSync advances the sync watermark. The WHERE clause enforces the
// monotonic bound: a snapshot below the recorded watermark or above the
// current version leaves the row untouched.
func (r *GroupRepository) RecordSync(ctx context.Context, name string, version int64, at time.Time) (bool, error) {
	if _, err := r.GetByName(ctx, name); err != nil {
		return false, err
	}
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE groups
		SET last_synchronized_version = $2, synchronized_at = $3, updated_at = NOW()
		WHERE name = $1
			AND version >= $2
			AND (last_synchronized_version IS NULL OR last_synchronized_version <= $2)
	`, name, version, at)
	if err != nil {
		return false, fmt.Errorf("failed to record sync: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddEdge inserts the direct edge, extends the closure, and bumps the
// parent's version, all in one serializable transaction.
func (r *GroupRepository) AddEdge(ctx context.Context, parent, child subject.Subject) error {
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		if err := insertEdge(ctx, tx, parent, child); err != nil {
			return err
		}
		return bumpVersion(ctx, tx, parent)
	})
}

// RemoveEdge deletes the direct edge, rebuilds the affected closures, and
// bumps the parent's version.
func (r *GroupRepository) RemoveEdge(ctx context.Context, parent, child subject.Subject) error {
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		if err := removeEdge(ctx, tx, parent, child); err != nil {
			return err
		}
		return bumpVersion(ctx, tx, parent)
	})
}

// HasEdge reports whether the direct edge exists.
func (r *GroupRepository) HasEdge(ctx context.Context, parent, child subject.Subject) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM group_members
			WHERE parent_subject = $1 AND child_subject = $2
		)
	`, parent.String(), child.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check edge: %w", err)
	}
	return exists, nil
}

// DirectMembers lists the direct members of parent.
func (r *GroupRepository) DirectMembers(ctx context.Context, parent subject.Subject) ([]subject.Subject, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT child_subject FROM group_members
		WHERE parent_subject = $1
		ORDER BY child_subject
	`, parent.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	return scanSubjects(rows)
}

// DirectMemberships lists the group-like subjects directly containing
// child.
func (r *GroupRepository) DirectMemberships(ctx context.Context, child subject.Subject) ([]subject.Subject, error) {
	return directMemberships(ctx, r.db.pool, child)
}

// IsFlattenedMember answers transitive membership with one indexed
// lookup.
func (r *GroupRepository) IsFlattenedMember(ctx context.Context, parent, member subject.Subject) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM group_flattened_members
			WHERE ancestor_subject = $1 AND member_subject = $2
		)
	`, parent.String(), member.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check flattened membership: %w", err)
	}
	return exists, nil
}

// AncestorGroups lists every group-like subject that transitively
// contains member.
func (r *GroupRepository) AncestorGroups(ctx context.Context, member subject.Subject) ([]subject.Subject, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT ancestor_subject FROM group_flattened_members
		WHERE member_subject = $1
		ORDER BY ancestor_subject
	`, member.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query ancestors: %w", err)
	}
	return scanSubjects(rows)
}

// FlattenedUsers lists the user IDs transitively contained in parent.
func (r *GroupRepository) FlattenedUsers(ctx context.Context, parent subject.Subject) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT member_subject FROM group_flattened_members
		WHERE ancestor_subject = $1 AND member_subject LIKE 'user:%'
		ORDER BY member_subject
	`, parent.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query flattened users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("failed to scan flattened user: %w", err)
		}
		out = append(out, strings.TrimPrefix(encoded, "user:"))
	}
	return out, rows.Err()
}

// SubjectExists dispatches an existence check to the subject's backing
// table.
func (r *GroupRepository) SubjectExists(ctx context.Context, s subject.Subject) (bool, error) {
	var query string
	var args []any
	switch s.Kind {
	case subject.KindUser:
		query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`
		args = []any{s.UserID}
	case subject.KindGroup:
		query = `SELECT EXISTS (SELECT 1 FROM groups WHERE name = $1)`
		args = []any{s.GroupName}
	case subject.KindPolicy:
		query = `SELECT EXISTS (
			SELECT 1 FROM policies
			WHERE resource_type = $1 AND resource_id = $2 AND name = $3
		)`
		args = []any{s.Policy.ResourceType, s.Policy.ResourceID, s.Policy.PolicyName}
	default:
		return false, nil
	}

	var exists bool
	if err := r.db.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check subject existence: %w", err)
	}
	return exists, nil
}
