/**
 * Ingestion service
 *
 * The caller-facing surface: Submit accepts a document and dispatches
 * it for processing through the configured runner; GetResult reports
 * progress and recognized text at any point in the document's life.
 */

package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/pagelens/ocr-worker/internal/errors"
	"github.com/pagelens/ocr-worker/internal/logging"
	"github.com/pagelens/ocr-worker/internal/processor"
	"github.com/pagelens/ocr-worker/internal/queue"
	"github.com/pagelens/ocr-worker/internal/storage"
)

const inputKeyPrefix = "input_pdfs"

// Store is the persistence surface the service needs.
type Store interface {
	CreateDocument(ctx context.Context, doc *storage.Document) error
	GetDocument(ctx context.Context, guid string) (*storage.Document, error)
	ListOutputs(ctx context.Context, guid string) ([]storage.OutputRecord, error)
}

// SubmitRequest carries one document submission. Exactly one of Data
// and SourceURI must be set: raw bytes for direct uploads, an s3:// or
// minio:// URI (or a worker-local path) for documents already staged.
type SubmitRequest struct {
	Filename  string
	Data      []byte
	SourceURI string

	Language  string
	OCRConfig string
	Bucket    string
}

// CompletionState summarizes how much of a document's text is ready.
type CompletionState string

const (
	CompletionNone     CompletionState = "none"
	CompletionPartial  CompletionState = "partial"
	CompletionComplete CompletionState = "complete"
)

// PageOutput is one page's recognized text in a result.
type PageOutput struct {
	PageIndex int
	ObjectKey string
	Text      string
}

// Result is the caller's view of a document.
type Result struct {
	GUID       string
	Status     string
	Completion CompletionState
	PageCount  int
	Pages      []PageOutput
	Text       string
	Error      string
}

// Service wires submissions to storage and the runner.
type Service struct {
	store   Store
	objects storage.ObjectStore
	runner  queue.Runner

	bucket  string
	tempDir string
	log     *logging.Logger
}

// New builds a Service.
func New(store Store, objects storage.ObjectStore, runner queue.Runner, defaultBucket, tempDir string) (*Service, error) {
	if store == nil || objects == nil || runner == nil {
		return nil, fmt.Errorf("store, object storage and runner are required")
	}
	if defaultBucket == "" {
		return nil, fmt.Errorf("default bucket is required")
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Service{
		store:   store,
		objects: objects,
		runner:  runner,
		bucket:  defaultBucket,
		tempDir: tempDir,
		log:     logging.NewLogger("Service"),
	}, nil
}

// Submit validates and records a submission, stages raw uploads in the
// object store, and dispatches the document for processing. The
// returned GUID is the handle for GetResult.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	if req == nil {
		return "", errors.NewInvalidInputError("request is required")
	}
	if len(req.Data) == 0 && req.SourceURI == "" {
		return "", errors.NewInvalidInputError("either document data or a source URI is required")
	}
	if len(req.Data) > 0 && req.SourceURI != "" {
		return "", errors.NewInvalidInputError("document data and source URI are mutually exclusive")
	}
	if len(req.Data) > 0 && req.Filename == "" {
		return "", errors.NewInvalidInputError("filename is required for direct uploads")
	}

	bucket := req.Bucket
	if bucket == "" {
		bucket = s.bucket
	}

	guid := uuid.New().String()
	doc := &storage.Document{
		GUID:        guid,
		Bucket:      bucket,
		Filename:    req.Filename,
		OCRConfig:   req.OCRConfig,
		OCRLanguage: req.Language,
		Status:      storage.DocumentStatusAccepted,
	}

	if len(req.Data) > 0 {
		doc.Source = "upload"
		// The content hash is known up front for direct uploads; recording
		// it here lets callers correlate before the pipeline runs.
		doc.Checksum = processor.FingerprintBytes(req.Data)
		key := fmt.Sprintf("%s/%s/%s", inputKeyPrefix, guid, filepath.Base(req.Filename))
		if err := s.stageUpload(ctx, bucket, key, req.Data); err != nil {
			return "", errors.NewStorageFailedError(guid, err)
		}
		doc.SourceURI = fmt.Sprintf("s3://%s/%s", bucket, key)
	} else {
		if strings.HasPrefix(req.SourceURI, "s3://") || strings.HasPrefix(req.SourceURI, "minio://") {
			if _, _, err := storage.ParseCloudURI(req.SourceURI); err != nil {
				return "", errors.NewInvalidInputError(err.Error())
			}
			doc.Source = "cloud"
		} else {
			doc.Source = "local"
		}
		doc.SourceURI = req.SourceURI
		if doc.Filename == "" {
			doc.Filename = filepath.Base(req.SourceURI)
		}
	}

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return "", errors.NewStorageFailedError(guid, err)
	}

	if err := s.runner.Run(ctx, &queue.Task{DocumentGUID: guid}); err != nil {
		return "", fmt.Errorf("failed to dispatch document %s: %w", guid, err)
	}

	s.log.Info("document accepted", "guid", guid, "source", doc.Source, "filename", doc.Filename)
	return guid, nil
}

// stageUpload writes the raw bytes through a scratch file so the object
// client can stream from disk.
func (s *Service) stageUpload(ctx context.Context, bucket, key string, data []byte) error {
	tmp, err := os.CreateTemp(s.tempDir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to stage upload: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to stage upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to stage upload: %w", err)
	}

	return s.objects.Upload(ctx, bucket, key, tmpPath)
}

// GetResult reports a document's current state. An in-flight document
// is not an error: the caller sees its status and whatever pages have
// finished so far.
func (s *Service) GetResult(ctx context.Context, guid string) (*Result, error) {
	if guid == "" {
		return nil, errors.NewInvalidInputError("document GUID is required")
	}

	doc, err := s.store.GetDocument(ctx, guid)
	if err != nil {
		return nil, err
	}

	outputs, err := s.store.ListOutputs(ctx, guid)
	if err != nil {
		return nil, err
	}

	res := &Result{
		GUID:      doc.GUID,
		Status:    doc.Status,
		PageCount: doc.PageCount,
		Text:      doc.Text,
		Error:     doc.Error,
	}
	for _, out := range outputs {
		res.Pages = append(res.Pages, PageOutput{
			PageIndex: out.PageIndex,
			ObjectKey: out.ObjectKey,
			Text:      out.Text,
		})
	}

	switch {
	case len(outputs) == 0:
		res.Completion = CompletionNone
	case doc.PageCount > 0 && len(outputs) >= doc.PageCount:
		res.Completion = CompletionComplete
	default:
		res.Completion = CompletionPartial
	}

	s.log.Debug("result fetched", "guid", guid, "status", res.Status, "completion", res.Completion)
	return res, nil
}
