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

	"github.com/grantgraph/grantgraph/internal/directory"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/subject"
)

// UserRepository implements directory.UserRepository.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create creates a new user.
func (r *UserRepository) Create(ctx context.Context, user *directory.User) error {
	now := time.Now()
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO users (id, email, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.Enabled, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return iamerr.New(iamerr.KindConflict,
				"user with id %q or email %q already exists", user.ID, user.Email)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*directory.User, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

// GetByEmail retrieves a user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*directory.User, error) {
	return r.get(ctx, `WHERE email = $1`, email)
}

func (r *UserRepository) get(ctx context.Context, where, arg string) (*directory.User, error) {
	var user directory.User
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, email, enabled, created_at, updated_at
		FROM users `+where,
		arg,
	).Scan(&user.ID, &user.Email, &user.Enabled, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, iamerr.New(iamerr.KindNotFound, "user %q not found", arg)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// SetEnabled flips the enabled flag.
func (r *UserRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE users SET enabled = $2, updated_at = NOW()
		WHERE id = $1
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return iamerr.New(iamerr.KindNotFound, "user %q not found", id)
	}
	return nil
}

// Delete removes a user. A user still contained in any group or policy
// must be removed from it first.
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	s := subject.User(id)
	return r.db.withSerializableTx(ctx, func(tx pgx.Tx) error {
		containers, err := directMemberships(ctx, tx, s)
		if err != nil {
			return err
		}
		if len(containers) > 0 {
			return iamerr.New(iamerr.KindReferentialIntegrity,
				"cannot delete user %q: still a member of %s", id, containers[0])
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return iamerr.New(iamerr.KindNotFound, "user %q not found", id)
		}
		return nil
	})
}
