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

// Package directory is the subject directory: the durable record of user
// identities. The evaluation engine consults it for the enabled flag; a
// disabled user has no access regardless of graph membership.
package directory

import (
	"context"
	"time"
)

// User represents a user identity.
type User struct {
	ID        string
	Email     string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserRepository defines the interface for user persistence.
type UserRepository interface {
	// Create creates a new user.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByEmail retrieves a user by email.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// SetEnabled flips the enabled flag.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// Delete removes a user. Fails while the user is still a member of
	// any group.
	Delete(ctx context.Context, id string) error
}
