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

// Package mirror decouples the core from cloud group mirroring. The core
// notifies after every committed membership or policy mutation and never
// waits for the mirror; the mirror uses the per-group version counters to
// detect staleness on its own schedule.
package mirror

import (
	"context"
	"log/slog"

	"github.com/grantgraph/grantgraph/internal/subject"
)

// Notifier is invoked fire-and-forget after a committed membership
// mutation.
type Notifier interface {
	GroupChanged(ctx context.Context, group subject.Subject, changed []subject.Subject)
}

// SlogNotifier is the default Notifier: it records the change so an
// out-of-process mirror can tail the log. Real mirroring collaborators
// implement Notifier against their provider SDK.
type SlogNotifier struct{}

// NewSlogNotifier creates the log-backed notifier.
func NewSlogNotifier() *SlogNotifier {
	return &SlogNotifier{}
}

// GroupChanged logs the mutation.
func (n *SlogNotifier) GroupChanged(ctx context.Context, group subject.Subject, changed []subject.Subject) {
	members := make([]string, 0, len(changed))
	for _, s := range changed {
		members = append(members, s.String())
	}
	slog.InfoContext(ctx, "group_membership_changed",
		slog.String("group", group.String()),
		slog.Any("changed_members", members),
		slog.String("component", "mirror"),
	)
}
