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
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/observability/logger"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusForError maps the error taxonomy onto HTTP statuses. Unclassified
// errors are internal.
func statusForError(err error) int {
	switch iamerr.KindOf(err) {
	case iamerr.KindInvalidArgument:
		return http.StatusBadRequest
	case iamerr.KindNotFound:
		return http.StatusNotFound
	case iamerr.KindConflict, iamerr.KindReferentialIntegrity:
		return http.StatusConflict
	case iamerr.KindInvalidGraph:
		return http.StatusUnprocessableEntity
	case iamerr.KindPermissionDenied:
		return http.StatusForbidden
	case iamerr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the status the error's kind maps to. Internal
// errors get a generic message; the detail stays in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "internal error", logger.Error(err), logger.Path(r.URL.Path))
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}
