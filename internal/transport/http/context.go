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

package http

import (
	"context"

	"github.com/grantgraph/grantgraph/internal/subject"
)

type contextKey string

const callerKey contextKey = "caller"

// GetCaller retrieves the authenticated caller from context.
func GetCaller(ctx context.Context) subject.Subject {
	if val, ok := ctx.Value(callerKey).(subject.Subject); ok {
		return val
	}
	return subject.Subject{}
}

func withCaller(ctx context.Context, caller subject.Subject) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}
