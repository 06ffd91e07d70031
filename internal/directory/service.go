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

package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/grantgraph/grantgraph/internal/audit"
	"github.com/grantgraph/grantgraph/internal/iamerr"
)

// Service provides subject-directory business logic.
type Service struct {
	repo        UserRepository
	auditLogger audit.Logger
}

// NewService creates a new directory service.
func NewService(repo UserRepository, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		auditLogger: auditLogger,
	}
}

// CreateUser registers a new user. The ID may be supplied by the caller
// (external identity providers carry their own stable IDs); when empty a
// UUIDv7 is generated.
func (s *Service) CreateUser(ctx context.Context, id, email string) (*User, error) {
	if email == "" {
		return nil, iamerr.New(iamerr.KindInvalidArgument, "user email is required")
	}
	if id == "" {
		uid, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		id = uid.String()
	}

	now := time.Now()
	user := &User{
		ID:        id,
		Email:     email,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserCreated,
		ActorID:  id,
		Resource: "user:" + id,
	})

	return user, nil
}

// GetUser retrieves a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// GetUserByEmail retrieves a user by email.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.repo.GetByEmail(ctx, email)
}

// Enabled reports whether the user exists and is enabled. Permission
// checks call this before consulting the membership graph.
func (s *Service) Enabled(ctx context.Context, id string) (bool, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return user.Enabled, nil
}

// EnableUser re-enables a disabled user.
func (s *Service) EnableUser(ctx context.Context, id string) error {
	if err := s.repo.SetEnabled(ctx, id, true); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserEnabled,
		Resource: "user:" + id,
	})
	return nil
}

// DisableUser disables a user. Evaluation treats disabled users as having
// no access; membership rows are untouched so re-enabling restores grants.
func (s *Service) DisableUser(ctx context.Context, id string) error {
	if err := s.repo.SetEnabled(ctx, id, false); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserDisabled,
		Resource: "user:" + id,
	})
	return nil
}

// DeleteUser removes a user. The repository rejects the delete while the
// user is still a member of any group.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserDeleted,
		Resource: "user:" + id,
	})
	return nil
}
