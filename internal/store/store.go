package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/docdelta/docdelta/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// CompletionCounts is the snapshot the completion check reasons over.
// A version is complete when both missing counts are zero: every chunk
// either has its own summary or points at a source that has one.
type CompletionCounts struct {
	Total      int
	Summarized int
	// MissingNew counts non-reuse chunks that still lack a summary.
	MissingNew int
	// MissingBlocked counts reuse chunks without a summary whose source
	// chunk also still lacks one.
	MissingBlocked int
}

// Store is the persistence surface of the versioning pipeline. The two
// boolean-returning writes are conditional updates: they only succeed when
// the target column is still NULL, and report false when another writer
// got there first. That compare-and-swap idiom is the whole concurrency
// strategy; there are no locks anywhere above this interface.
type Store interface {
	// Documents
	FindDocument(ctx context.Context, ownerID, title string) (*models.Document, error)
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)

	// Versions
	LatestVersionNumber(ctx context.Context, documentID uuid.UUID) (int, error)
	CreateVersion(ctx context.Context, v *models.DocumentVersion, chunks []models.VersionChunk) error
	GetVersion(ctx context.Context, id uuid.UUID) (*models.DocumentVersion, error)
	GetVersionByNumber(ctx context.Context, documentID uuid.UUID, number int) (*models.DocumentVersion, error)
	ListVersions(ctx context.Context, documentID uuid.UUID) ([]models.DocumentVersion, error)
	SetVersionStatus(ctx context.Context, id uuid.UUID, status string) error
	// LinkFinalSummary attaches the merged summary, guarded by
	// final_summary_id IS NULL. Returns false if the race was lost.
	LinkFinalSummary(ctx context.Context, versionID, summaryID uuid.UUID) (bool, error)
	// SumNewChunksSince totals new (non-reused) chunks across an owner's
	// non-rejected versions created at or after the cutoff. Feeds the
	// daily budget check.
	SumNewChunksSince(ctx context.Context, ownerID string, since time.Time) (int, error)
	// ListIncompleteVersions returns versions without a final summary whose
	// creation predates the cutoff. Feeds the replay sweep.
	ListIncompleteVersions(ctx context.Context, olderThan time.Time) ([]models.DocumentVersion, error)

	// Chunks
	GetChunk(ctx context.Context, id uuid.UUID) (*models.VersionChunk, error)
	ListChunks(ctx context.Context, versionID uuid.UUID) ([]models.VersionChunk, error)
	// FindReusableChunk returns the most recent prior chunk of the same
	// document with the given content hash, or ErrNotFound.
	FindReusableChunk(ctx context.Context, documentID uuid.UUID, hash string, beforeVersion int) (*models.VersionChunk, error)
	// SetChunkSummary writes the summary, guarded by summary IS NULL.
	// Returns false if another writer already finished the chunk.
	SetChunkSummary(ctx context.Context, chunkID uuid.UUID, summary, language string) (bool, error)
	ListUnsummarizedChunks(ctx context.Context, versionID uuid.UUID) ([]models.VersionChunk, error)
	ChunkCompletion(ctx context.Context, versionID uuid.UUID) (CompletionCounts, error)

	// Summaries
	CreateSummary(ctx context.Context, s *models.Summary) error
	GetSummary(ctx context.Context, id uuid.UUID) (*models.Summary, error)

	// Version texts (chat retrieval source)
	SaveVersionText(ctx context.Context, t *models.VersionText) error
	GetVersionText(ctx context.Context, versionID uuid.UUID) (*models.VersionText, error)

	// Change events
	// InsertChangeEvent is idempotent: exact-tuple conflicts are no-ops.
	InsertChangeEvent(ctx context.Context, e *models.ChangeEvent) error
	ListChangeEvents(ctx context.Context, documentID uuid.UUID) ([]models.ChangeEvent, error)

	// Embedding cache
	GetEmbedding(ctx context.Context, textHash, model string) ([]float32, error)
	PutEmbedding(ctx context.Context, entry *models.EmbeddingCacheEntry) error
}
