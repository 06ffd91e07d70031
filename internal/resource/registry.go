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

package resource

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Registry serves the currently loaded resource-type schema. Resource
// types are configuration, not data: no API creates or mutates them, and
// the loaded set changes only when an operator edits the schema file.
// File changes are reloaded with the last known good version retained on
// parse or validation failure.
type Registry struct {
	filePath string
	dirPath  string
	baseName string

	log      *slog.Logger
	debounce time.Duration
	interval time.Duration

	current atomic.Value // *Schema
}

// NewRegistry creates a registry for the given schema file. Call Start to
// load it and begin watching.
func NewRegistry(filePath string) *Registry {
	return &Registry{
		filePath: filePath,
		dirPath:  filepath.Dir(filePath),
		baseName: filepath.Base(filePath),
		log:      slog.Default(),
		debounce: 200 * time.Millisecond,
		interval: 30 * time.Second,
	}
}

// NewStaticRegistry wraps an already-validated schema; used by tests and
// callers that manage the schema themselves.
func NewStaticRegistry(s *Schema) *Registry {
	r := &Registry{}
	r.current.Store(s)
	return r
}

// Type looks up a resource type by name in the current schema.
func (r *Registry) Type(name string) (*ResourceType, bool) {
	v := r.current.Load()
	if v == nil {
		return nil, false
	}
	s := v.(*Schema)
	for i := range s.ResourceTypes {
		if s.ResourceTypes[i].Name == name {
			return &s.ResourceTypes[i], true
		}
	}
	return nil, false
}

// Types returns the names of all defined resource types.
func (r *Registry) Types() []string {
	v := r.current.Load()
	if v == nil {
		return nil
	}
	s := v.(*Schema)
	out := make([]string, 0, len(s.ResourceTypes))
	for i := range s.ResourceTypes {
		out = append(out, s.ResourceTypes[i].Name)
	}
	return out
}

// Start loads the schema and watches the containing directory for changes
// (watching the directory, not the file, survives editor and Kubernetes
// configmap symlink swaps). A periodic reload backstops missed events.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.reload(); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dirPath); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		trigger := func() {
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounce, func() {
				if err := r.reload(); err != nil {
					r.log.Error("resource schema reload failed (keeping last known good)", "err", err)
				} else {
					r.log.Info("resource schema reloaded")
				}
			})
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.reload(); err != nil {
					r.log.Error("resource schema periodic reload failed (keeping last known good)", "err", err)
				}
			case ev := <-w.Events:
				name := filepath.Base(ev.Name)
				if name == r.baseName || name == "..data" {
					trigger()
				}
			case err := <-w.Errors:
				if err != nil {
					r.log.Error("resource schema watcher error", "err", err)
				}
			}
		}
	}()

	return nil
}

func (r *Registry) reload() error {
	s, err := LoadSchemaFromFile(r.filePath)
	if err != nil {
		return err
	}
	r.current.Store(s)
	return nil
}
