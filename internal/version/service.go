package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/models"
	"github.com/docdelta/docdelta/internal/store"
	"github.com/docdelta/docdelta/pkg/chunker"
)

// ErrInvariantViolation signals a broken dedup computation. It is raised
// before anything is committed: letting a bad reused/new split through
// would corrupt cost-saving estimates for every later version.
var ErrInvariantViolation = errors.New("version invariant violation")

// Service creates document versions and detects chunk reuse against
// prior versions.
type Service struct {
	store store.Store
	cfg   config.PipelineConfig
}

func NewService(st store.Store, cfg config.PipelineConfig) *Service {
	return &Service{store: st, cfg: cfg}
}

// FindOrCreateDocument returns the document identified by (owner, title),
// creating it lazily on first upload. Identity is the exact title string;
// see the note on models.Document.
func (s *Service) FindOrCreateDocument(ctx context.Context, ownerID, title string) (*models.Document, error) {
	doc, err := s.store.FindDocument(ctx, ownerID, title)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find document: %w", err)
	}

	doc = &models.Document{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Title:   title,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		// A concurrent first upload can land between the find and the
		// insert; the loser hits the (owner_id, title) unique constraint.
		// Re-find so both uploads converge on the same lineage.
		if existing, findErr := s.store.FindDocument(ctx, ownerID, title); findErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create document: %w", err)
	}
	slog.Info("document created", "document_id", doc.ID, "owner_id", ownerID, "title", title)
	return doc, nil
}

// CreateVersion chunks the text, marks byte-identical chunks as reused
// from the most recent prior version carrying the same hash, validates
// the count invariants, and persists the version with its chunks.
// Reused chunks are created with summary NULL; the copy happens during
// processing so that an unprocessed source never silently succeeds a
// reuse.
func (s *Service) CreateVersion(ctx context.Context, documentID uuid.UUID, content, language string) (*models.DocumentVersion, []models.VersionChunk, error) {
	if language == "" {
		language = "en"
	}
	latest, err := s.store.LatestVersionNumber(ctx, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("latest version number: %w", err)
	}
	number := latest + 1

	pieces := chunker.Split(content, s.cfg.ChunkSize)
	if len(pieces) == 0 {
		return nil, nil, fmt.Errorf("no chunks produced from content")
	}

	v := &models.DocumentVersion{
		ID:              uuid.New(),
		DocumentID:      documentID,
		VersionNumber:   number,
		FullContentHash: chunker.HashText(content),
		TotalChunks:     len(pieces),
		Language:        language,
		Status:          models.VersionStatusProcessing,
	}

	chunks := make([]models.VersionChunk, len(pieces))
	for i, p := range pieces {
		c := models.VersionChunk{
			ID:         uuid.New(),
			VersionID:  v.ID,
			ChunkIndex: p.Index,
			ChunkHash:  p.Hash,
			Content:    p.Content,
		}

		prior, err := s.store.FindReusableChunk(ctx, documentID, p.Hash, number)
		if err == nil {
			id := prior.ID
			c.ReusedFromChunkID = &id
			v.ReusedChunks++
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("find reusable chunk %d: %w", p.Index, err)
		}

		chunks[i] = c
	}

	v.NewChunks = v.TotalChunks - v.ReusedChunks
	v.EstimatedTokensSaved = v.ReusedChunks * s.cfg.TokensPerChunkEstimate

	if err := validate(v); err != nil {
		return nil, nil, err
	}

	if err := s.store.CreateVersion(ctx, v, chunks); err != nil {
		return nil, nil, fmt.Errorf("persist version: %w", err)
	}

	slog.Info("version created",
		"document_id", documentID,
		"version_id", v.ID,
		"version_number", v.VersionNumber,
		"total_chunks", v.TotalChunks,
		"reused_chunks", v.ReusedChunks,
		"new_chunks", v.NewChunks,
	)
	return v, chunks, nil
}

func validate(v *models.DocumentVersion) error {
	if v.ReusedChunks > v.TotalChunks {
		return fmt.Errorf("%w: reused %d > total %d", ErrInvariantViolation, v.ReusedChunks, v.TotalChunks)
	}
	if v.NewChunks+v.ReusedChunks != v.TotalChunks {
		return fmt.Errorf("%w: new %d + reused %d != total %d", ErrInvariantViolation, v.NewChunks, v.ReusedChunks, v.TotalChunks)
	}
	if v.EstimatedTokensSaved < 0 {
		return fmt.Errorf("%w: negative tokens saved %d", ErrInvariantViolation, v.EstimatedTokensSaved)
	}
	return nil
}
