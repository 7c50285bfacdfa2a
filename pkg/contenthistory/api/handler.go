package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/content-history/pkg/contenthistory"
)

// VersionHandler handles HTTP requests for entity version history
type VersionHandler struct {
	service contenthistory.Service
}

// NewVersionHandler creates a new version handler
func NewVersionHandler(service contenthistory.Service) *VersionHandler {
	return &VersionHandler{service: service}
}

// Routes returns the routes for version history
func (h *VersionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{entityID}/versions", h.CreateVersion)
	r.Get("/{entityID}/versions", h.ListVersions)
	r.Get("/{entityID}/versions/{number}", h.GetVersion)
	r.Get("/{entityID}/compare", h.CompareVersions)
	r.Post("/{entityID}/revert", h.Revert)
	r.Post("/{entityID}/retention", h.ApplyRetention)
	r.Get("/{entityID}", h.GetEntity)
	r.Delete("/{entityID}", h.DeleteEntity)

	return r
}

// CreateVersionRequest is the request body for committing a new version
type CreateVersionRequest struct {
	Snapshot        json.RawMessage `json:"snapshot"`
	AuthorID        string          `json:"author_id"`
	Comment         string          `json:"comment,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
}

// VersionResponse is the response body for a committed version
type VersionResponse struct {
	EntityID      string          `json:"entity_id"`
	Number        int64           `json:"version_number"`
	Snapshot      json.RawMessage `json:"snapshot,omitempty"`
	AuthorID      string          `json:"author_id"`
	Comment       string          `json:"comment,omitempty"`
	ChangeSummary []string        `json:"change_summary"`
	StorageState  string          `json:"storage_state"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RevertRequest is the request body for reverting to an earlier version
type RevertRequest struct {
	TargetVersion   int64  `json:"target_version"`
	AuthorID        string `json:"author_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

// RetentionRequest is the request body for applying a retention policy
type RetentionRequest struct {
	MaxActiveVersions *int   `json:"max_active_versions,omitempty"`
	MaxAge            string `json:"max_age,omitempty"`
	CompressAfter     string `json:"compress_after,omitempty"`
	PurgeAfter        string `json:"purge_after,omitempty"`
	AuditRetention    string `json:"audit_retention,omitempty"`
}

// ErrorResponse is the error body for all failed requests
type ErrorResponse struct {
	Error       string                           `json:"error"`
	CurrentHead int64                            `json:"current_head,omitempty"`
	Violations  []contenthistory.SnapshotViolation `json:"violations,omitempty"`
}

// CreateVersion commits a new version for the entity
func (h *VersionHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	authorID, err := uuid.Parse(req.AuthorID)
	if err != nil {
		badRequest(w, r, "invalid author ID")
		return
	}

	if req.ExpectedVersion < 0 {
		badRequest(w, r, "invalid expected version")
		return
	}

	snapshot, err := contenthistory.ParseSnapshot(req.Snapshot)
	if err != nil {
		badRequest(w, r, "invalid snapshot: "+err.Error())
		return
	}

	version, err := h.service.CreateVersion(r.Context(), contenthistory.CreateVersionRequest{
		EntityID:        entityID,
		Snapshot:        snapshot,
		AuthorID:        authorID,
		Comment:         req.Comment,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, "create version", err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, versionResponse(version))
}

// GetVersion returns a single version with its full snapshot. Compressed
// versions are reconstructed transparently.
func (h *VersionHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number < 1 {
		badRequest(w, r, "invalid version number")
		return
	}

	version, err := h.service.GetVersion(r.Context(), entityID, number)
	if err != nil {
		h.renderError(w, r, "get version", err)
		return
	}

	render.JSON(w, r, versionResponse(version))
}

// ListVersionsResponse is the response body for the version listing
type ListVersionsResponse struct {
	Items      []*contenthistory.VersionSummary `json:"items"`
	NextCursor *int64                           `json:"next_cursor,omitempty"`
}

// ListVersions returns a page of version summaries, newest first
func (h *VersionHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	req := contenthistory.ListVersionsRequest{EntityID: entityID}
	q := r.URL.Query()
	if raw := q.Get("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(w, r, "invalid cursor")
			return
		}
		req.Cursor = &cursor
	}
	if raw := q.Get("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, r, "invalid page_size")
			return
		}
		req.PageSize = size
	}
	req.IncludeArchived = q.Get("include_archived") == "true"

	page, err := h.service.ListVersions(r.Context(), req)
	if err != nil {
		h.renderError(w, r, "list versions", err)
		return
	}

	render.JSON(w, r, ListVersionsResponse{Items: page.Items, NextCursor: page.NextCursor})
}

// CompareVersions returns the structural diff between two versions
func (h *VersionHandler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	from, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil || from < 1 {
		badRequest(w, r, "invalid 'from' version")
		return
	}
	to, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err != nil || to < 1 {
		badRequest(w, r, "invalid 'to' version")
		return
	}

	diff, err := h.service.CompareVersions(r.Context(), entityID, from, to)
	if err != nil {
		h.renderError(w, r, "compare versions", err)
		return
	}
	if diff == nil {
		diff = contenthistory.Diff{}
	}

	render.JSON(w, r, map[string]interface{}{"changes": diff})
}

// Revert commits a new head version carrying the content of an earlier one
func (h *VersionHandler) Revert(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	var req RevertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	authorID, err := uuid.Parse(req.AuthorID)
	if err != nil {
		badRequest(w, r, "invalid author ID")
		return
	}
	if req.ExpectedVersion < 0 {
		badRequest(w, r, "invalid expected version")
		return
	}

	version, err := h.service.Revert(r.Context(), contenthistory.RevertRequest{
		EntityID:        entityID,
		TargetVersion:   req.TargetVersion,
		AuthorID:        authorID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.renderError(w, r, "revert", err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, versionResponse(version))
}

// ApplyRetention runs a retention sweep over the entity's history
func (h *VersionHandler) ApplyRetention(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	var req RetentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	policy, err := req.policy()
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	report, err := h.service.ApplyRetentionPolicy(r.Context(), entityID, policy)
	if err != nil {
		h.renderError(w, r, "apply retention", err)
		return
	}

	render.JSON(w, r, report)
}

func (req RetentionRequest) policy() (contenthistory.RetentionPolicy, error) {
	var policy contenthistory.RetentionPolicy
	policy.MaxActiveVersions = req.MaxActiveVersions

	fields := []struct {
		name string
		raw  string
		dest **time.Duration
	}{
		{"max_age", req.MaxAge, &policy.MaxAge},
		{"compress_after", req.CompressAfter, &policy.CompressAfter},
		{"purge_after", req.PurgeAfter, &policy.PurgeAfter},
		{"audit_retention", req.AuditRetention, &policy.AuditRetention},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return policy, errors.New("invalid duration for " + f.name)
		}
		*f.dest = &d
	}
	return policy, nil
}

// GetEntity returns the entity record with its current head version
func (h *VersionHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	entity, err := h.service.GetEntity(r.Context(), entityID)
	if err != nil {
		h.renderError(w, r, "get entity", err)
		return
	}

	render.JSON(w, r, entity)
}

// DeleteEntity soft-deletes the entity. History is preserved until retention
// purges it.
func (h *VersionHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteEntity(r.Context(), entityID); err != nil {
		h.renderError(w, r, "delete entity", err)
		return
	}

	render.NoContent(w, r)
}

func (h *VersionHandler) entityID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "entityID"))
	if err != nil {
		badRequest(w, r, "invalid entity ID")
		return uuid.Nil, false
	}
	return id, true
}

func versionResponse(v *contenthistory.Version) VersionResponse {
	resp := VersionResponse{
		EntityID:      v.EntityID.String(),
		Number:        v.Number,
		AuthorID:      v.AuthorID.String(),
		Comment:       v.Comment,
		ChangeSummary: v.ChangeSummary,
		StorageState:  string(v.StorageState),
		CreatedAt:     v.CreatedAt,
	}
	if v.Snapshot != nil {
		if data, err := json.Marshal(v.Snapshot); err == nil {
			resp.Snapshot = data
		}
	}
	return resp
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

// renderError maps service errors onto HTTP status codes
func (h *VersionHandler) renderError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var conflict *contenthistory.ConflictError
	if errors.As(err, &conflict) {
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Error: conflict.Error(), CurrentHead: conflict.CurrentHead})
		return
	}

	var invalid *contenthistory.InvalidSnapshotError
	if errors.As(err, &invalid) {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{Error: "snapshot validation failed", Violations: invalid.Violations})
		return
	}

	switch {
	case errors.Is(err, contenthistory.ErrEntityNotFound),
		errors.Is(err, contenthistory.ErrVersionNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Error: err.Error()})
	case errors.Is(err, contenthistory.ErrVersionConflict):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Error: err.Error()})
	case errors.Is(err, contenthistory.ErrInvalidSnapshot),
		errors.Is(err, contenthistory.ErrDepthExceeded):
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{Error: err.Error()})
	default:
		slog.Error("request failed", "op", op, "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Error: "internal error"})
	}
}
