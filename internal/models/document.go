package models

import (
	"time"

	"github.com/google/uuid"
)

// Document is a lineage of uploads identified by (owner, title).
// Note: keying identity on the exact title string means two unrelated
// uploads with the same title collide into one lineage, and a renamed
// re-upload starts a fresh one. Known behavior, kept as-is.
type Document struct {
	ID        uuid.UUID `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DocumentVersion is one immutable snapshot of a document's chunk set.
type DocumentVersion struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	DocumentID           uuid.UUID  `json:"document_id" db:"document_id"`
	VersionNumber        int        `json:"version_number" db:"version_number"`
	FullContentHash      string     `json:"full_content_hash" db:"full_content_hash"`
	TotalChunks          int        `json:"total_chunks" db:"total_chunks"`
	ReusedChunks         int        `json:"reused_chunks" db:"reused_chunks"`
	NewChunks            int        `json:"new_chunks" db:"new_chunks"`
	EstimatedTokensSaved int        `json:"estimated_tokens_saved" db:"estimated_tokens_saved"`
	Language             string     `json:"language" db:"language"`
	FinalSummaryID       *uuid.UUID `json:"final_summary_id,omitempty" db:"final_summary_id"`
	Status               string     `json:"status" db:"status"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

// VersionChunk is a content-addressed slice of a version's text.
// Summary transitions NULL -> set exactly once; the conditional update
// in the store is the only writer.
type VersionChunk struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	VersionID         uuid.UUID  `json:"version_id" db:"version_id"`
	ChunkIndex        int        `json:"chunk_index" db:"chunk_index"`
	ChunkHash         string     `json:"chunk_hash" db:"chunk_hash"`
	Content           string     `json:"content" db:"content"`
	Summary           *string    `json:"summary,omitempty" db:"summary"`
	SummaryLanguage   *string    `json:"summary_language,omitempty" db:"summary_language"`
	ReusedFromChunkID *uuid.UUID `json:"reused_from_chunk_id,omitempty" db:"reused_from_chunk_id"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// Summary is a merged document-level summary.
type Summary struct {
	ID         uuid.UUID `json:"id" db:"id"`
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	Content    string    `json:"content" db:"content"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// VersionText is the concatenated chunk text persisted for chat retrieval.
type VersionText struct {
	VersionID  uuid.UUID `json:"version_id" db:"version_id"`
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	Content    string    `json:"content" db:"content"`
}

// ChangeEvent is an LLM-classified difference between consecutive versions.
// Append-only, unique on (document, from, to, type, summary).
type ChangeEvent struct {
	ID                   uuid.UUID `json:"id" db:"id"`
	DocumentID           uuid.UUID `json:"document_id" db:"document_id"`
	FromVersion          int       `json:"from_version" db:"from_version"`
	ToVersion            int       `json:"to_version" db:"to_version"`
	ChangeType           string    `json:"change_type" db:"change_type"`
	Summary              string    `json:"summary" db:"summary"`
	AffectedChunkIndices []int     `json:"affected_chunk_indices" db:"affected_chunk_indices"`
	Confidence           float64   `json:"confidence" db:"confidence"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// EmbeddingCacheEntry is a content-addressed embedding, immutable once written.
type EmbeddingCacheEntry struct {
	TextHash  string    `json:"text_hash" db:"text_hash"`
	Model     string    `json:"model" db:"model"`
	Content   string    `json:"content" db:"content"`
	Embedding []float32 `json:"-" db:"embedding"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const (
	VersionStatusProcessing = "processing"
	VersionStatusComplete   = "complete"
	VersionStatusRejected   = "rejected"
)

// Change types the detector is allowed to emit.
const (
	ChangeAdded             = "added"
	ChangeRemoved           = "removed"
	ChangeModified          = "modified"
	ChangePolicyShift       = "policy_shift"
	ChangeRiskAdded         = "risk_added"
	ChangeRiskRemoved       = "risk_removed"
	ChangeAssumptionAdded   = "assumption_added"
	ChangeAssumptionRemoved = "assumption_removed"
	ChangeClarification     = "clarification"
	ChangeScopeChange       = "scope_change"
)

// ValidChangeTypes is the closed set accepted from model output.
var ValidChangeTypes = map[string]bool{
	ChangeAdded:             true,
	ChangeRemoved:           true,
	ChangeModified:          true,
	ChangePolicyShift:       true,
	ChangeRiskAdded:         true,
	ChangeRiskRemoved:       true,
	ChangeAssumptionAdded:   true,
	ChangeAssumptionRemoved: true,
	ChangeClarification:     true,
	ChangeScopeChange:       true,
}
