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
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/grantgraph/grantgraph/internal/authz"
	"github.com/grantgraph/grantgraph/internal/directory"
	"github.com/grantgraph/grantgraph/internal/group"
	"github.com/grantgraph/grantgraph/internal/iamerr"
	"github.com/grantgraph/grantgraph/internal/resource"
	"github.com/grantgraph/grantgraph/internal/subject"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	directoryService *directory.Service
	groupService     *group.Service
	resourceService  *resource.Service
	authzService     *authz.Service
	auth             AuthConfig
}

// NewHandler creates a new HTTP handler
func NewHandler(
	directoryService *directory.Service,
	groupService *group.Service,
	resourceService *resource.Service,
	authzService *authz.Service,
	auth AuthConfig,
) *Handler {
	return &Handler{
		directoryService: directoryService,
		groupService:     groupService,
		resourceService:  resourceService,
		authzService:     authzService,
		auth:             auth,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		// Subject directory
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{userID}", h.GetUser)
			r.Delete("/{userID}", h.DeleteUser)
			r.Post("/{userID}/enable", h.EnableUser)
			r.Post("/{userID}/disable", h.DisableUser)
		})

		// Groups and the membership graph
		r.Route("/groups", func(r chi.Router) {
			r.Post("/", h.CreateGroup)
			r.Get("/intersection", h.IntersectGroups)
			r.Route("/{groupName}", func(r chi.Router) {
				r.Get("/", h.GetGroup)
				r.Delete("/", h.DeleteGroup)
				r.Get("/members", h.ListGroupMembers)
				r.Post("/members", h.AddGroupMember)
				r.Delete("/members", h.RemoveGroupMember)
				r.Get("/contains", h.CheckMembership)
				r.Post("/sync", h.RecordGroupSync)
			})
		})

		// Subject-centric graph views. The subject rides in a query
		// parameter: encoded policy subjects contain slashes.
		r.Route("/subjects", func(r chi.Router) {
			r.Get("/memberships", h.ListMemberships)
			r.Get("/ancestors", h.ListAncestors)
		})

		// Resources and policies
		r.Route("/resources", func(r chi.Router) {
			r.Post("/", h.CreateResource)
			r.Route("/{resourceType}/{resourceID}", func(r chi.Router) {
				r.Get("/", h.GetResource)
				r.Delete("/", h.DeleteResource)
				r.Get("/parent", h.GetResourceParent)
				r.Put("/parent", h.SetResourceParent)
				r.Get("/ancestors", h.ListResourceAncestors)
				r.Route("/policies", func(r chi.Router) {
					r.Get("/", h.ListPolicies)
					r.Post("/", h.CreatePolicy)
					r.Get("/{policyName}", h.GetPolicy)
					r.Put("/{policyName}", h.OverwritePolicy)
					r.Delete("/{policyName}", h.DeletePolicy)
					r.Get("/{policyName}/members", h.ListPolicyMembers)
				})
			})
		})

		// Evaluation
		r.Route("/authz", func(r chi.Router) {
			r.Post("/check", h.CheckPermission)
			r.Get("/resources/{resourceType}/{resourceID}/actions", h.ListResourceActions)
			r.Get("/resources/{resourceType}/{resourceID}/roles", h.ListResourceRoles)
			r.Get("/types/{resourceType}/resources", h.ListResourcesAndRoles)
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "grantgraph",
	})
}

// querySubject resolves the subject a read refers to: the "subject" query
// parameter when present, the authenticated caller otherwise.
func querySubject(r *http.Request) (subject.Subject, error) {
	if encoded := r.URL.Query().Get("subject"); encoded != "" {
		return subject.Parse(encoded)
	}
	caller := GetCaller(r.Context())
	if caller.IsZero() {
		return subject.Subject{}, iamerr.New(iamerr.KindNotFound, "no subject given and no authenticated caller")
	}
	return caller, nil
}

// CreateUserRequest represents user creation data
type CreateUserRequest struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CreateUser registers a new user
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := h.directoryService.CreateUser(r.Context(), req.ID, req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

// GetUser retrieves a user by ID
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.directoryService.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// DeleteUser removes a user
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.directoryService.DeleteUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableUser re-enables a disabled user
func (h *Handler) EnableUser(w http.ResponseWriter, r *http.Request) {
	if err := h.directoryService.EnableUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DisableUser disables a user
func (h *Handler) DisableUser(w http.ResponseWriter, r *http.Request) {
	if err := h.directoryService.DisableUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateGroupRequest represents group creation data
type CreateGroupRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateGroup creates a new group
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g, err := h.groupService.CreateGroup(r.Context(), req.Name, req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, g)
}

// GetGroup retrieves a group
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.groupService.GetGroup(r.Context(), chi.URLParam(r, "groupName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

// DeleteGroup removes a group
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.groupService.DeleteGroup(r.Context(), chi.URLParam(r, "groupName")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MemberRequest carries an encoded subject
type MemberRequest struct {
	Member string `json:"member"`
}

// AddGroupMember links a subject into a group
func (h *Handler) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	member, err := subject.Parse(req.Member)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.groupService.AddMember(r.Context(), chi.URLParam(r, "groupName"), member); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveGroupMember unlinks a direct member. The member comes from the
// "member" query parameter since encoded subjects contain slashes.
func (h *Handler) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	member, err := subject.Parse(r.URL.Query().Get("member"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.groupService.RemoveMember(r.Context(), chi.URLParam(r, "groupName"), member); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListGroupMembers lists direct members, or flattened users with
// ?flattened=true
func (h *Handler) ListGroupMembers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "groupName")
	if r.URL.Query().Get("flattened") == "true" {
		users, err := h.groupService.ListFlattenedMembers(r.Context(), name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"users": users})
		return
	}
	members, err := h.groupService.ListDirectMembers(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"members": encodeSubjects(members)})
}

// CheckMembership answers transitive membership
func (h *Handler) CheckMembership(w http.ResponseWriter, r *http.Request) {
	member, err := subject.Parse(r.URL.Query().Get("member"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok, err := h.groupService.IsMember(r.Context(), chi.URLParam(r, "groupName"), member)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"member": ok})
}

// IntersectGroups lists the users present in every named group
func (h *Handler) IntersectGroups(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["group"]
	users, err := h.groupService.IntersectGroups(r.Context(), names)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": users})
}

// RecordSyncRequest reports a completed mirror pass
type RecordSyncRequest struct {
	Version        int64     `json:"version"`
	SynchronizedAt time.Time `json:"synchronized_at"`
}

// RecordGroupSync advances a group's mirror bookkeeping
func (h *Handler) RecordGroupSync(w http.ResponseWriter, r *http.Request) {
	var req RecordSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	at := req.SynchronizedAt
	if at.IsZero() {
		at = time.Now()
	}
	if err := h.groupService.RecordSync(r.Context(), chi.URLParam(r, "groupName"), req.Version, at); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMemberships lists the groups and policies directly containing the
// subject
func (h *Handler) ListMemberships(w http.ResponseWriter, r *http.Request) {
	s, err := subject.Parse(r.URL.Query().Get("subject"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	memberships, err := h.groupService.ListDirectMemberships(r.Context(), s)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"memberships": encodeSubjects(memberships)})
}

// ListAncestors lists every group and policy transitively containing the
// subject
func (h *Handler) ListAncestors(w http.ResponseWriter, r *http.Request) {
	s, err := subject.Parse(r.URL.Query().Get("subject"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ancestors, err := h.groupService.ListAncestorGroups(r.Context(), s)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ancestors": encodeSubjects(ancestors)})
}

// CreateResourceRequest represents resource creation data
type CreateResourceRequest struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	AuthDomain []string `json:"auth_domain"`
}

// CreateResource creates a resource; the authenticated caller becomes the
// initial owner-policy member when the type defines an owner role
func (h *Handler) CreateResource(w http.ResponseWriter, r *http.Request) {
	var req CreateResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.resourceService.CreateResource(r.Context(), req.Type, req.ID, req.AuthDomain, GetCaller(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func refFromURL(r *http.Request) resource.Ref {
	return resource.Ref{
		Type: chi.URLParam(r, "resourceType"),
		ID:   chi.URLParam(r, "resourceID"),
	}
}

// GetResource retrieves a resource
func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	res, err := h.resourceService.GetResource(r.Context(), refFromURL(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// DeleteResource removes a resource and its policies
func (h *Handler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	if err := h.resourceService.DeleteResource(r.Context(), refFromURL(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetResourceParent returns the parent ref, or null at a root
func (h *Handler) GetResourceParent(w http.ResponseWriter, r *http.Request) {
	parent, err := h.resourceService.GetParent(r.Context(), refFromURL(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"parent": parent})
}

// ListResourceAncestors returns the parent chain, nearest first
func (h *Handler) ListResourceAncestors(w http.ResponseWriter, r *http.Request) {
	ancestors, err := h.resourceService.ListAncestors(r.Context(), refFromURL(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ancestors": ancestors})
}

// SetParentRequest names the new parent
type SetParentRequest struct {
	ParentType string `json:"parent_type"`
	ParentID   string `json:"parent_id"`
}

// SetResourceParent re-parents a resource. The caller needs add_child on
// the new parent and set_parent on the child.
func (h *Handler) SetResourceParent(w http.ResponseWriter, r *http.Request) {
	var req SetParentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	parent := resource.Ref{Type: req.ParentType, ID: req.ParentID}
	if err := h.authzService.SetResourceParent(r.Context(), refFromURL(r), parent, GetCaller(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PolicyRequest represents policy creation and overwrite data
type PolicyRequest struct {
	Name                  string              `json:"name"`
	Email                 string              `json:"email"`
	Members               []string            `json:"members"`
	Roles                 []string            `json:"roles"`
	Actions               []string            `json:"actions"`
	DescendantPermissions []DescendantPermReq `json:"descendant_permissions"`
	Public                bool                `json:"public"`
}

// DescendantPermReq grants roles/actions on descendant resources
type DescendantPermReq struct {
	ResourceType string   `json:"resource_type"`
	Roles        []string `json:"roles"`
	Actions      []string `json:"actions"`
}

func parseMembers(encoded []string) ([]subject.Subject, error) {
	out := make([]subject.Subject, 0, len(encoded))
	for _, e := range encoded {
		s, err := subject.Parse(e)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// CreatePolicy creates a policy on a resource
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	members, err := parseMembers(req.Members)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := &resource.AccessPolicy{
		Resource: refFromURL(r),
		Name:     req.Name,
		Email:    req.Email,
		Roles:    req.Roles,
		Actions:  req.Actions,
		Public:   req.Public,
	}
	for _, dp := range req.DescendantPermissions {
		p.DescendantPermissions = append(p.DescendantPermissions, resource.DescendantPermission{
			ResourceType: dp.ResourceType,
			Roles:        dp.Roles,
			Actions:      dp.Actions,
		})
	}
	created, err := h.resourceService.CreatePolicy(r.Context(), p, members)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// OverwritePolicy atomically replaces a policy's members and grants
func (h *Handler) OverwritePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	members, err := parseMembers(req.Members)
	if err != nil {
		writeError(w, r, err)
		return
	}
	err = h.resourceService.OverwritePolicy(r.Context(), refFromURL(r), chi.URLParam(r, "policyName"),
		members, req.Roles, req.Actions, req.Public)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPolicy retrieves one policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.resourceService.GetPolicy(r.Context(), refFromURL(r), chi.URLParam(r, "policyName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// DeletePolicy removes a policy
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.resourceService.DeletePolicy(r.Context(), refFromURL(r), chi.URLParam(r, "policyName")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPolicies lists the policies directly on a resource
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.resourceService.ListPolicies(r.Context(), refFromURL(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// ListPolicyMembers lists a policy's direct members
func (h *Handler) ListPolicyMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.resourceService.ListPolicyMembers(r.Context(), refFromURL(r), chi.URLParam(r, "policyName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"members": encodeSubjects(members)})
}

// CheckPermissionRequest asks whether a subject may act on a resource
type CheckPermissionRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Action       string `json:"action"`
	Subject      string `json:"subject"`
}

// CheckPermission evaluates one permission check. The subject defaults to
// the authenticated caller.
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req CheckPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub := GetCaller(r.Context())
	if req.Subject != "" {
		var err error
		sub, err = subject.Parse(req.Subject)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	granted, err := h.authzService.HasPermission(r.Context(), req.ResourceType, req.ResourceID, req.Action, sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

// ListResourceActions lists every action the subject may perform on the
// resource
func (h *Handler) ListResourceActions(w http.ResponseWriter, r *http.Request) {
	sub, err := querySubject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ref := refFromURL(r)
	actions, err := h.authzService.ListUserResourceActions(r.Context(), ref.Type, ref.ID, sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// ListResourceRoles lists the roles the subject holds on the resource
func (h *Handler) ListResourceRoles(w http.ResponseWriter, r *http.Request) {
	sub, err := querySubject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ref := refFromURL(r)
	roles, err := h.authzService.ListUserRoles(r.Context(), ref.Type, ref.ID, sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// ListResourcesAndRoles enumerates the resources of a type the subject
// can see, with the roles held on each
func (h *Handler) ListResourcesAndRoles(w http.ResponseWriter, r *http.Request) {
	sub, err := querySubject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resources, err := h.authzService.ListResourcesAndRoles(r.Context(), chi.URLParam(r, "resourceType"), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func encodeSubjects(subjects []subject.Subject) []string {
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		out = append(out, s.String())
	}
	return out
}
