package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docdelta/docdelta/internal/guardrail"
	"github.com/docdelta/docdelta/internal/models"
	"github.com/docdelta/docdelta/internal/store"
	"github.com/docdelta/docdelta/internal/version"
)

// ChunkEnqueuer dispatches per-chunk processing jobs after a version is
// admitted by the guardrail.
type ChunkEnqueuer interface {
	EnqueueChunkProcess(ctx context.Context, chunkID, versionID uuid.UUID, language string) error
}

type DocumentHandler struct {
	store     store.Store
	versions  *version.Service
	guardrail *guardrail.Guardrail
	enqueuer  ChunkEnqueuer
}

func NewDocumentHandler(st store.Store, vs *version.Service, gr *guardrail.Guardrail, enq ChunkEnqueuer) *DocumentHandler {
	return &DocumentHandler{store: st, versions: vs, guardrail: gr, enqueuer: enq}
}

type uploadRequest struct {
	OwnerID  string `json:"owner_id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

type uploadResponse struct {
	Document  *models.Document        `json:"document"`
	Version   *models.DocumentVersion `json:"version"`
	Guardrail *guardrail.Decision     `json:"guardrail"`
}

// Upload ingests a new version of a document. Unchanged chunks are
// detected against prior versions before any model call is scheduled,
// and the guardrail decides whether the new chunks fit the owner's
// budget. Admitted chunks are dispatched asynchronously; the response
// returns before any summary exists.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "title and content are required")
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = "default"
	}

	ctx := r.Context()

	doc, err := h.versions.FindOrCreateDocument(ctx, req.OwnerID, req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	v, chunks, err := h.versions.CreateVersion(ctx, doc.ID, req.Content, req.Language)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	decision, err := h.guardrail.Check(ctx, req.OwnerID, v.ID, v.NewChunks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !decision.Allowed {
		if err := h.store.SetVersionStatus(ctx, v.ID, models.VersionStatusRejected); err != nil {
			slog.Error("mark version rejected failed", "version_id", v.ID, "error", err)
		}
		v.Status = models.VersionStatusRejected
		writeJSON(w, http.StatusUnprocessableEntity, uploadResponse{Document: doc, Version: v, Guardrail: decision})
		return
	}

	// Reused chunks are also enqueued: their summaries still need to be
	// copied from the source, they just never hit the model.
	for _, c := range chunks {
		if err := h.enqueuer.EnqueueChunkProcess(ctx, c.ID, v.ID, v.Language); err != nil {
			writeError(w, http.StatusInternalServerError, "enqueue chunk: "+err.Error())
			return
		}
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{Document: doc, Version: v, Guardrail: decision})
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	doc, err := h.store.GetDocument(r.Context(), id)
	if err != nil {
		notFoundOr500(w, err, "document not found")
		return
	}
	versions, err := h.store.ListVersions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"document": doc, "versions": versions})
}

func (h *DocumentHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	versions, err := h.store.ListVersions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions, "count": len(versions)})
}

func (h *DocumentHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, ok := h.versionFromPath(w, r)
	if !ok {
		return
	}

	chunks, err := h.store.ListChunks(r.Context(), v.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"version": v, "chunks": chunks})
}

// GetSummary returns the merged document summary for a version, or 409
// while processing is still in flight.
func (h *DocumentHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	v, ok := h.versionFromPath(w, r)
	if !ok {
		return
	}

	if v.FinalSummaryID == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "summary not ready",
			"status": v.Status,
		})
		return
	}

	summary, err := h.store.GetSummary(r.Context(), *v.FinalSummaryID)
	if err != nil {
		notFoundOr500(w, err, "summary not found")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// GetChanges returns the semantic change events recorded against a
// version, i.e. the diff from its predecessor.
func (h *DocumentHandler) GetChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "invalid version number")
		return
	}

	events, err := h.store.ListChangeEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filtered := make([]models.ChangeEvent, 0, len(events))
	for _, e := range events {
		if e.ToVersion == number {
			filtered = append(filtered, e)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": filtered, "count": len(filtered)})
}

func (h *DocumentHandler) versionFromPath(w http.ResponseWriter, r *http.Request) (*models.DocumentVersion, bool) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return nil, false
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "invalid version number")
		return nil, false
	}

	v, err := h.store.GetVersionByNumber(r.Context(), id, number)
	if err != nil {
		notFoundOr500(w, err, "version not found")
		return nil, false
	}
	return v, true
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func notFoundOr500(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, msg)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
