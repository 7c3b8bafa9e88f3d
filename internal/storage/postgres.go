/**
 * PostgreSQL persistence gateway
 *
 * Durable records for the OCR pipeline: one ocr_documents row per
 * ingestion request and one append-only ocr_outputs row per recognized
 * page image. Only atomic single-row create/update semantics are used;
 * the pipeline never needs multi-row transactions.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Document states as persisted in ocr_documents.status.
const (
	DocumentStatusAccepted   = "accepted"
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
)

// Document is one ingestion request. The GUID is generated at submission
// time; hash and page count fields stay empty until the pipeline fills
// them in.
type Document struct {
	GUID        string
	Source      string // "upload" or "cloud"
	SourceURI   string
	Bucket      string
	Filename    string
	OCRConfig   string // caller-supplied engine option overrides
	OCRLanguage string
	Checksum    string
	PageCount   int
	Status      string
	Text        string
	Result      map[string]string // object key -> recognized text
	Error       string
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// OutputRecord is one persisted OCR result for one page image. Records
// are append-only and may be shared across documents through the dedup
// cache when page content collides.
type OutputRecord struct {
	ID           int64
	DocumentGUID string
	PageIndex    int
	ObjectKey    string
	Text         string
	Checksum     string
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

// PostgresClient handles database operations.
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient opens a connection pool and verifies connectivity.
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the tables if they do not exist. Deleting a
// document cascades to its output rows.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ocr_documents (
			guid         TEXT PRIMARY KEY,
			source       TEXT NOT NULL,
			source_uri   TEXT NOT NULL DEFAULT '',
			bucket       TEXT NOT NULL DEFAULT '',
			filename     TEXT NOT NULL DEFAULT '',
			ocr_config   TEXT NOT NULL DEFAULT '',
			ocr_language TEXT NOT NULL DEFAULT '',
			checksum     TEXT NOT NULL DEFAULT '',
			page_count   INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'accepted',
			ocr_text     TEXT NOT NULL DEFAULT '',
			result       JSONB NOT NULL DEFAULT '{}'::jsonb,
			error        TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			modified_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ocr_outputs (
			id            BIGSERIAL PRIMARY KEY,
			document_guid TEXT NOT NULL REFERENCES ocr_documents(guid) ON DELETE CASCADE,
			page_index    INTEGER NOT NULL DEFAULT 0,
			object_key    TEXT NOT NULL DEFAULT '',
			ocr_text      TEXT NOT NULL DEFAULT '',
			checksum      TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			modified_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ocr_outputs_checksum ON ocr_outputs (checksum)`,
		`CREATE INDEX IF NOT EXISTS idx_ocr_outputs_document ON ocr_outputs (document_guid, page_index)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// CreateDocument inserts the placeholder row for a freshly accepted
// submission.
func (p *PostgresClient) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.GUID == "" {
		return fmt.Errorf("document GUID is required")
	}
	if doc.Status == "" {
		doc.Status = DocumentStatusAccepted
	}

	resultJSON, err := json.Marshal(doc.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal document result: %w", err)
	}

	query := `
		INSERT INTO ocr_documents (
			guid, source, source_uri, bucket, filename,
			ocr_config, ocr_language, checksum, page_count,
			status, ocr_text, result, error, created_at, modified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`
	if _, err := p.db.ExecContext(ctx, query,
		doc.GUID, doc.Source, doc.SourceURI, doc.Bucket, doc.Filename,
		doc.OCRConfig, doc.OCRLanguage, doc.Checksum, doc.PageCount,
		doc.Status, doc.Text, resultJSON, doc.Error,
	); err != nil {
		return fmt.Errorf("failed to create document %s: %w", doc.GUID, err)
	}
	return nil
}

// UpdateDocument persists mutable pipeline fields for an existing row.
func (p *PostgresClient) UpdateDocument(ctx context.Context, doc *Document) error {
	if doc.GUID == "" {
		return fmt.Errorf("document GUID is required")
	}

	resultJSON, err := json.Marshal(doc.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal document result: %w", err)
	}

	query := `
		UPDATE ocr_documents SET
			checksum = $2,
			page_count = $3,
			status = $4,
			ocr_text = $5,
			result = $6,
			error = $7,
			modified_at = NOW()
		WHERE guid = $1
	`
	res, err := p.db.ExecContext(ctx, query,
		doc.GUID, doc.Checksum, doc.PageCount, doc.Status, doc.Text, resultJSON, doc.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to update document %s (status=%s): %w", doc.GUID, doc.Status, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("document not found: %s", doc.GUID)
	}
	return nil
}

// GetDocument loads one document by GUID.
func (p *PostgresClient) GetDocument(ctx context.Context, guid string) (*Document, error) {
	if guid == "" {
		return nil, fmt.Errorf("document GUID is required")
	}

	query := `
		SELECT guid, source, source_uri, bucket, filename,
		       ocr_config, ocr_language, checksum, page_count,
		       status, ocr_text, result, error, created_at, modified_at
		FROM ocr_documents
		WHERE guid = $1
	`
	var doc Document
	var resultJSON []byte
	err := p.db.QueryRowContext(ctx, query, guid).Scan(
		&doc.GUID, &doc.Source, &doc.SourceURI, &doc.Bucket, &doc.Filename,
		&doc.OCRConfig, &doc.OCRLanguage, &doc.Checksum, &doc.PageCount,
		&doc.Status, &doc.Text, &resultJSON, &doc.Error, &doc.CreatedAt, &doc.ModifiedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document not found: %s", guid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", guid, err)
	}

	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &doc.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result for %s: %w", guid, err)
		}
	}
	return &doc, nil
}

// InsertOutput appends one page result. Output rows are never mutated
// afterward.
func (p *PostgresClient) InsertOutput(ctx context.Context, rec *OutputRecord) error {
	if rec.DocumentGUID == "" {
		return fmt.Errorf("output record requires a document GUID")
	}

	query := `
		INSERT INTO ocr_outputs (document_guid, page_index, object_key, ocr_text, checksum, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING id, created_at, modified_at
	`
	err := p.db.QueryRowContext(ctx, query,
		rec.DocumentGUID, rec.PageIndex, rec.ObjectKey, rec.Text, rec.Checksum,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.ModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to insert output for document %s page %d: %w", rec.DocumentGUID, rec.PageIndex, err)
	}
	return nil
}

// GetOutputByChecksum performs the dedup lookup. When backfilled data
// produced multiple rows for one hash, the most recently modified wins.
func (p *PostgresClient) GetOutputByChecksum(ctx context.Context, checksum string) (*OutputRecord, error) {
	if checksum == "" {
		return nil, fmt.Errorf("checksum is required")
	}

	query := `
		SELECT id, document_guid, page_index, object_key, ocr_text, checksum, created_at, modified_at
		FROM ocr_outputs
		WHERE checksum = $1
		ORDER BY modified_at DESC
		LIMIT 1
	`
	var rec OutputRecord
	err := p.db.QueryRowContext(ctx, query, checksum).Scan(
		&rec.ID, &rec.DocumentGUID, &rec.PageIndex, &rec.ObjectKey,
		&rec.Text, &rec.Checksum, &rec.CreatedAt, &rec.ModifiedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up output by checksum: %w", err)
	}
	return &rec, nil
}

// ListOutputs returns a document's page results ordered by page index.
// Readers must rely on this ordering, not on creation time, since page
// tasks complete in arbitrary order.
func (p *PostgresClient) ListOutputs(ctx context.Context, guid string) ([]OutputRecord, error) {
	query := `
		SELECT id, document_guid, page_index, object_key, ocr_text, checksum, created_at, modified_at
		FROM ocr_outputs
		WHERE document_guid = $1
		ORDER BY page_index ASC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs for %s: %w", guid, err)
	}
	defer rows.Close()

	var out []OutputRecord
	for rows.Next() {
		var rec OutputRecord
		if err := rows.Scan(
			&rec.ID, &rec.DocumentGUID, &rec.PageIndex, &rec.ObjectKey,
			&rec.Text, &rec.Checksum, &rec.CreatedAt, &rec.ModifiedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan output row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outputs for %s: %w", guid, err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the connection pool.
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics.
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
