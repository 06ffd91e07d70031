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

// Package iamerr defines the stable error taxonomy shared by the stores,
// the flattening engine, and the evaluation engine. Store-level failures
// (unique violations, serialization failures) are translated into these
// kinds at the store boundary; callers match with errors.Is against the
// kind sentinels.
package iamerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy.
type Kind int

const (
	// KindConflict: creating an entity whose identity already exists.
	KindConflict Kind = iota + 1
	// KindNotFound: the referenced subject, group, resource, or policy
	// does not exist (also used to avoid leaking existence on reads).
	KindNotFound
	// KindInvalidGraph: the mutation would introduce a membership or
	// resource-hierarchy cycle.
	KindInvalidGraph
	// KindReferentialIntegrity: deleting an entity still referenced
	// elsewhere.
	KindReferentialIntegrity
	// KindPermissionDenied: evaluation computed "no" for an
	// authorization-gated mutation.
	KindPermissionDenied
	// KindTransient: the store exhausted its serialization-retry budget;
	// the call may be retried by the caller.
	KindTransient
	// KindInvalidArgument: the request itself is malformed (empty or
	// reserved-character identifiers); distinct from NotFound, which
	// means a well-formed reference to a missing entity.
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidGraph:
		return "invalid_graph"
	case KindReferentialIntegrity:
		return "referential_integrity"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransient:
		return "transient"
	case KindInvalidArgument:
		return "invalid_argument"
	}
	return "unknown"
}

// Error is a classified error with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match against a kind sentinel: errors.Is(err, iamerr.NotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Kind sentinels for errors.Is matching.
var (
	Conflict             = &Error{Kind: KindConflict}
	NotFound             = &Error{Kind: KindNotFound}
	InvalidGraph         = &Error{Kind: KindInvalidGraph}
	ReferentialIntegrity = &Error{Kind: KindReferentialIntegrity}
	PermissionDenied     = &Error{Kind: KindPermissionDenied}
	Transient            = &Error{Kind: KindTransient}
	InvalidArgument      = &Error{Kind: KindInvalidArgument}
)

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of a classified error, or 0 for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
