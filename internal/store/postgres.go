package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/docdelta/docdelta/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) FindDocument(ctx context.Context, ownerID, title string) (*models.Document, error) {
	var doc models.Document
	err := s.db.QueryRow(ctx,
		`SELECT id, owner_id, title, created_at FROM documents WHERE owner_id = $1 AND title = $2`,
		ownerID, title,
	).Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find document: %w", err)
	}
	return &doc, nil
}

func (s *Postgres) CreateDocument(ctx context.Context, doc *models.Document) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO documents (id, owner_id, title) VALUES ($1, $2, $3) RETURNING created_at`,
		doc.ID, doc.OwnerID, doc.Title,
	).Scan(&doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *Postgres) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := s.db.QueryRow(ctx,
		`SELECT id, owner_id, title, created_at FROM documents WHERE id = $1`,
		id,
	).Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

func (s *Postgres) LatestVersionNumber(ctx context.Context, documentID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM document_versions WHERE document_id = $1`,
		documentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("latest version number: %w", err)
	}
	return n, nil
}

func (s *Postgres) CreateVersion(ctx context.Context, v *models.DocumentVersion, chunks []models.VersionChunk) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO document_versions
		   (id, document_id, version_number, full_content_hash, total_chunks, reused_chunks, new_chunks, estimated_tokens_saved, language, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		v.ID, v.DocumentID, v.VersionNumber, v.FullContentHash,
		v.TotalChunks, v.ReusedChunks, v.NewChunks, v.EstimatedTokensSaved, v.Language, v.Status,
	).Scan(&v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	for i := range chunks {
		c := &chunks[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO version_chunks (id, version_id, chunk_index, chunk_hash, content, reused_from_chunk_id)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.VersionID, c.ChunkIndex, c.ChunkHash, c.Content, c.ReusedFromChunkID,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	return tx.Commit(ctx)
}

const versionColumns = `id, document_id, version_number, full_content_hash, total_chunks,
	reused_chunks, new_chunks, estimated_tokens_saved, language, final_summary_id, status, created_at`

func scanVersion(row pgx.Row) (*models.DocumentVersion, error) {
	var v models.DocumentVersion
	err := row.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.FullContentHash, &v.TotalChunks,
		&v.ReusedChunks, &v.NewChunks, &v.EstimatedTokensSaved, &v.Language, &v.FinalSummaryID, &v.Status, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return &v, nil
}

func (s *Postgres) GetVersion(ctx context.Context, id uuid.UUID) (*models.DocumentVersion, error) {
	return scanVersion(s.db.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE id = $1`, id))
}

func (s *Postgres) GetVersionByNumber(ctx context.Context, documentID uuid.UUID, number int) (*models.DocumentVersion, error) {
	return scanVersion(s.db.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE document_id = $1 AND version_number = $2`,
		documentID, number))
}

func (s *Postgres) ListVersions(ctx context.Context, documentID uuid.UUID) ([]models.DocumentVersion, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE document_id = $1 ORDER BY version_number`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []models.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *Postgres) SetVersionStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.db.Exec(ctx, `UPDATE document_versions SET status = $1 WHERE id = $2`, status, id)
	return err
}

func (s *Postgres) LinkFinalSummary(ctx context.Context, versionID, summaryID uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE document_versions SET final_summary_id = $1, status = $2
		 WHERE id = $3 AND final_summary_id IS NULL`,
		summaryID, models.VersionStatusComplete, versionID,
	)
	if err != nil {
		return false, fmt.Errorf("link final summary: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) SumNewChunksSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var total int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(v.new_chunks), 0)
		 FROM document_versions v
		 JOIN documents d ON d.id = v.document_id
		 WHERE d.owner_id = $1 AND v.created_at >= $2 AND v.status <> 'rejected'`,
		ownerID, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum new chunks: %w", err)
	}
	return total, nil
}

func (s *Postgres) ListIncompleteVersions(ctx context.Context, olderThan time.Time) ([]models.DocumentVersion, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+versionColumns+` FROM document_versions
		 WHERE final_summary_id IS NULL AND status = $1 AND created_at < $2
		 ORDER BY created_at`,
		models.VersionStatusProcessing, olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("list incomplete versions: %w", err)
	}
	defer rows.Close()

	var out []models.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

const chunkColumns = `id, version_id, chunk_index, chunk_hash, content, summary,
	summary_language, reused_from_chunk_id, created_at`

func scanChunk(row pgx.Row) (*models.VersionChunk, error) {
	var c models.VersionChunk
	err := row.Scan(&c.ID, &c.VersionID, &c.ChunkIndex, &c.ChunkHash, &c.Content, &c.Summary,
		&c.SummaryLanguage, &c.ReusedFromChunkID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	return &c, nil
}

func (s *Postgres) GetChunk(ctx context.Context, id uuid.UUID) (*models.VersionChunk, error) {
	return scanChunk(s.db.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM version_chunks WHERE id = $1`, id))
}

func (s *Postgres) ListChunks(ctx context.Context, versionID uuid.UUID) ([]models.VersionChunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+chunkColumns+` FROM version_chunks WHERE version_id = $1 ORDER BY chunk_index`,
		versionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []models.VersionChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Postgres) FindReusableChunk(ctx context.Context, documentID uuid.UUID, hash string, beforeVersion int) (*models.VersionChunk, error) {
	return scanChunk(s.db.QueryRow(ctx,
		`SELECT c.id, c.version_id, c.chunk_index, c.chunk_hash, c.content, c.summary,
		        c.summary_language, c.reused_from_chunk_id, c.created_at
		 FROM version_chunks c
		 JOIN document_versions v ON v.id = c.version_id
		 WHERE v.document_id = $1 AND c.chunk_hash = $2 AND v.version_number < $3
		 ORDER BY v.version_number DESC, c.chunk_index
		 LIMIT 1`,
		documentID, hash, beforeVersion))
}

func (s *Postgres) SetChunkSummary(ctx context.Context, chunkID uuid.UUID, summary, language string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE version_chunks SET summary = $1, summary_language = $2
		 WHERE id = $3 AND summary IS NULL`,
		summary, language, chunkID,
	)
	if err != nil {
		return false, fmt.Errorf("set chunk summary: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ListUnsummarizedChunks(ctx context.Context, versionID uuid.UUID) ([]models.VersionChunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+chunkColumns+` FROM version_chunks
		 WHERE version_id = $1 AND summary IS NULL ORDER BY chunk_index`,
		versionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list unsummarized chunks: %w", err)
	}
	defer rows.Close()

	var out []models.VersionChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Postgres) ChunkCompletion(ctx context.Context, versionID uuid.UUID) (CompletionCounts, error) {
	var counts CompletionCounts
	err := s.db.QueryRow(ctx,
		`SELECT
		   COUNT(*),
		   COUNT(*) FILTER (WHERE c.summary IS NOT NULL),
		   COUNT(*) FILTER (WHERE c.summary IS NULL AND c.reused_from_chunk_id IS NULL),
		   COUNT(*) FILTER (WHERE c.summary IS NULL AND c.reused_from_chunk_id IS NOT NULL AND src.summary IS NULL)
		 FROM version_chunks c
		 LEFT JOIN version_chunks src ON src.id = c.reused_from_chunk_id
		 WHERE c.version_id = $1`,
		versionID,
	).Scan(&counts.Total, &counts.Summarized, &counts.MissingNew, &counts.MissingBlocked)
	if err != nil {
		return counts, fmt.Errorf("chunk completion counts: %w", err)
	}
	return counts, nil
}

func (s *Postgres) CreateSummary(ctx context.Context, sum *models.Summary) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO summaries (id, document_id, content) VALUES ($1, $2, $3) RETURNING created_at`,
		sum.ID, sum.DocumentID, sum.Content,
	).Scan(&sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

func (s *Postgres) GetSummary(ctx context.Context, id uuid.UUID) (*models.Summary, error) {
	var sum models.Summary
	err := s.db.QueryRow(ctx,
		`SELECT id, document_id, content, created_at FROM summaries WHERE id = $1`,
		id,
	).Scan(&sum.ID, &sum.DocumentID, &sum.Content, &sum.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return &sum, nil
}

func (s *Postgres) SaveVersionText(ctx context.Context, t *models.VersionText) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO version_texts (version_id, document_id, content)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (version_id) DO NOTHING`,
		t.VersionID, t.DocumentID, t.Content,
	)
	if err != nil {
		return fmt.Errorf("save version text: %w", err)
	}
	return nil
}

func (s *Postgres) GetVersionText(ctx context.Context, versionID uuid.UUID) (*models.VersionText, error) {
	var t models.VersionText
	err := s.db.QueryRow(ctx,
		`SELECT version_id, document_id, content FROM version_texts WHERE version_id = $1`,
		versionID,
	).Scan(&t.VersionID, &t.DocumentID, &t.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version text: %w", err)
	}
	return &t, nil
}

func (s *Postgres) InsertChangeEvent(ctx context.Context, e *models.ChangeEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO change_events
		   (id, document_id, from_version, to_version, change_type, summary, affected_chunk_indices, confidence)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (document_id, from_version, to_version, change_type, summary) DO NOTHING`,
		e.ID, e.DocumentID, e.FromVersion, e.ToVersion, e.ChangeType, e.Summary, e.AffectedChunkIndices, e.Confidence,
	)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

func (s *Postgres) ListChangeEvents(ctx context.Context, documentID uuid.UUID) ([]models.ChangeEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, document_id, from_version, to_version, change_type, summary, affected_chunk_indices, confidence, created_at
		 FROM change_events WHERE document_id = $1 ORDER BY to_version, created_at`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	var out []models.ChangeEvent
	for rows.Next() {
		var e models.ChangeEvent
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.FromVersion, &e.ToVersion, &e.ChangeType,
			&e.Summary, &e.AffectedChunkIndices, &e.Confidence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) GetEmbedding(ctx context.Context, textHash, model string) ([]float32, error) {
	var vec pgvector.Vector
	err := s.db.QueryRow(ctx,
		`SELECT embedding FROM embedding_cache WHERE text_hash = $1 AND model = $2`,
		textHash, model,
	).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return vec.Slice(), nil
}

func (s *Postgres) PutEmbedding(ctx context.Context, entry *models.EmbeddingCacheEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO embedding_cache (text_hash, model, content, embedding)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (text_hash, model) DO NOTHING`,
		entry.TextHash, entry.Model, entry.Content, pgvector.NewVector(entry.Embedding),
	)
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}
