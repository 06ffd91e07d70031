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

// Package subject defines the polymorphic identity shared by every layer:
// a user, a group, or a policy. Any subject may be a member of a group;
// groups and policies are themselves subjects, which is what allows
// membership to nest.
package subject

import (
	"fmt"
	"strings"

	"github.com/grantgraph/grantgraph/internal/iamerr"
)

// Kind discriminates the subject union.
type Kind string

const (
	KindUser   Kind = "user"
	KindGroup  Kind = "group"
	KindPolicy Kind = "policy"
)

// PolicyRef identifies a policy by its owning resource and name.
type PolicyRef struct {
	ResourceType string
	ResourceID   string
	PolicyName   string
}

func (p PolicyRef) String() string {
	return p.ResourceType + "/" + p.ResourceID + "/" + p.PolicyName
}

// Subject is a tagged union: exactly one of UserID, GroupName, or Policy is
// populated, selected by Kind. Subjects are value types keyed by their
// encoded form; graph relationships are resolved through the store, never
// through object pointers.
type Subject struct {
	Kind      Kind
	UserID    string
	GroupName string
	Policy    PolicyRef
}

// User builds a user subject.
func User(id string) Subject {
	return Subject{Kind: KindUser, UserID: id}
}

// Group builds a group subject.
func Group(name string) Subject {
	return Subject{Kind: KindGroup, GroupName: name}
}

// Policy builds a policy subject.
func Policy(resourceType, resourceID, policyName string) Subject {
	return Subject{Kind: KindPolicy, Policy: PolicyRef{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PolicyName:   policyName,
	}}
}

// String encodes a subject as "user:<id>", "group:<name>", or
// "policy:<type>/<rid>/<name>". The encoded form is the stable key used
// by the membership tables.
func (s Subject) String() string {
	switch s.Kind {
	case KindUser:
		return "user:" + s.UserID
	case KindGroup:
		return "group:" + s.GroupName
	case KindPolicy:
		return "policy:" + s.Policy.String()
	}
	return "invalid:" + string(s.Kind)
}

// IsZero reports whether the subject is unset.
func (s Subject) IsZero() bool {
	return s.Kind == ""
}

// ValidName reports whether a caller-chosen identifier may be embedded
// in an encoded subject: non-empty and free of the "/" and ":"
// delimiters the encoding reserves. Group names, resource type names,
// and policy names must satisfy it; the encoded forms are the stable
// keys of the membership tables and must round-trip losslessly.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/:")
}

// Parse decodes the string form produced by String. The policy form
// splits the type off the left and the policy name off the right, so a
// resource ID containing "/" still round-trips; type and policy names
// never contain "/" (enforced at creation via ValidName).
func Parse(encoded string) (Subject, error) {
	switch {
	case strings.HasPrefix(encoded, "user:"):
		id := strings.TrimPrefix(encoded, "user:")
		if id == "" {
			return Subject{}, iamerr.New(iamerr.KindInvalidArgument, "empty user id in subject %q", encoded)
		}
		return User(id), nil
	case strings.HasPrefix(encoded, "group:"):
		name := strings.TrimPrefix(encoded, "group:")
		if name == "" {
			return Subject{}, iamerr.New(iamerr.KindInvalidArgument, "empty group name in subject %q", encoded)
		}
		return Group(name), nil
	case strings.HasPrefix(encoded, "policy:"):
		rest := strings.TrimPrefix(encoded, "policy:")
		first := strings.Index(rest, "/")
		last := strings.LastIndex(rest, "/")
		if first < 0 || first == last {
			return Subject{}, iamerr.New(iamerr.KindInvalidArgument, "malformed policy subject %q", encoded)
		}
		typ, rid, name := rest[:first], rest[first+1:last], rest[last+1:]
		if typ == "" || rid == "" || name == "" {
			return Subject{}, iamerr.New(iamerr.KindInvalidArgument, "malformed policy subject %q", encoded)
		}
		return Policy(typ, rid, name), nil
	}
	return Subject{}, iamerr.New(iamerr.KindInvalidArgument, "unknown subject encoding %q", encoded)
}

// MustParse is Parse for trusted, compile-time-known inputs.
func MustParse(encoded string) Subject {
	s, err := Parse(encoded)
	if err != nil {
		panic(fmt.Sprintf("subject: %v", err))
	}
	return s
}

// IsGroupLike reports whether the subject can itself contain members
// (groups and policies can; users cannot).
func (s Subject) IsGroupLike() bool {
	return s.Kind == KindGroup || s.Kind == KindPolicy
}
