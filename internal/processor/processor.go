/**
 * Document processing pipeline
 *
 * Drives one accepted document end to end: fetch the input, fingerprint
 * it, detect its kind, rasterize PDFs to page images, OCR every page
 * through the dedup cache, and persist outputs plus the aggregate text.
 * Page failures are isolated; the remaining pages still complete.
 */

package processor

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pagelens/ocr-worker/internal/errors"
	"github.com/pagelens/ocr-worker/internal/storage"
)

// Pipeline stages, logged as the document advances.
const (
	StageFetching     = "fetching"
	StageTypeDetected = "type_detected"
	StageConverting   = "converting"
	StagePerPage      = "per_page_processing"
	StageAggregating  = "aggregating"
)

// DocumentStore is the persistence surface the pipeline needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, guid string) (*storage.Document, error)
	UpdateDocument(ctx context.Context, doc *storage.Document) error
	InsertOutput(ctx context.Context, rec *storage.OutputRecord) error
}

// ResultCache resolves page checksums to prior OCR results.
type ResultCache interface {
	Lookup(ctx context.Context, checksum string) (*storage.OutputRecord, error)
	Store(ctx context.Context, rec *storage.OutputRecord)
}

// ProcessorConfig holds the tunables for one pipeline instance.
type ProcessorConfig struct {
	TempDir         string
	PageDPI         int
	MinImageWidth   int
	Preprocess      bool
	OverlapFraction float64
	PageWorkers     int

	DownloadTimeout time.Duration
	PageOCRTimeout  time.Duration

	Engine EngineConfig

	ResultKeyPrefix    string
	DropInputAfterDone bool
}

// Validate fills defaults and rejects unusable settings.
func (c *ProcessorConfig) Validate() error {
	if c.TempDir == "" {
		return fmt.Errorf("TempDir is required")
	}
	if c.PageDPI <= 0 {
		c.PageDPI = DefaultPageDPI
	}
	if c.OverlapFraction <= 0 || c.OverlapFraction > 1 {
		c.OverlapFraction = DefaultOverlapFraction
	}
	if c.PageWorkers <= 0 {
		c.PageWorkers = 4
	}
	if c.PageOCRTimeout <= 0 {
		c.PageOCRTimeout = 3 * time.Minute
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 2 * time.Minute
	}
	return nil
}

// DocumentProcessor runs the pipeline.
type DocumentProcessor struct {
	store     DocumentStore
	cache     ResultCache
	objects   storage.ObjectStore
	converter PageConverter
	engine    OCREngine
	cfg       ProcessorConfig
}

// NewDocumentProcessor wires a pipeline instance.
func NewDocumentProcessor(store DocumentStore, cache ResultCache, objects storage.ObjectStore, converter PageConverter, engine OCREngine, cfg ProcessorConfig) (*DocumentProcessor, error) {
	if store == nil || cache == nil || objects == nil || converter == nil || engine == nil {
		return nil, fmt.Errorf("all pipeline collaborators are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processor config: %w", err)
	}
	return &DocumentProcessor{
		store:     store,
		cache:     cache,
		objects:   objects,
		converter: converter,
		engine:    engine,
		cfg:       cfg,
	}, nil
}

// ProcessByGUID loads the document row and runs the pipeline on it.
func (p *DocumentProcessor) ProcessByGUID(ctx context.Context, guid string) error {
	doc, err := p.store.GetDocument(ctx, guid)
	if err != nil {
		return fmt.Errorf("failed to load document %s: %w", guid, err)
	}
	return p.Process(ctx, doc)
}

// Process runs the full pipeline for one document. The document row is
// updated to completed or failed before returning; the work directory
// is removed on every exit path.
func (p *DocumentProcessor) Process(ctx context.Context, doc *storage.Document) (err error) {
	startTime := time.Now()
	log.Printf("[Doc %s] Starting processing: source=%s filename=%s", doc.GUID, doc.Source, doc.Filename)

	doc.Status = storage.DocumentStatusProcessing
	if updateErr := p.store.UpdateDocument(ctx, doc); updateErr != nil {
		return fmt.Errorf("failed to mark document processing: %w", updateErr)
	}

	workDir := filepath.Join(p.cfg.TempDir, doc.GUID)
	if mkErr := os.MkdirAll(workDir, 0o755); mkErr != nil {
		err = errors.NewStorageFailedError(doc.GUID, mkErr)
		p.finalizeFailure(ctx, doc, err)
		return err
	}

	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Printf("[Doc %s] Warning: failed to remove work dir: %v", doc.GUID, rmErr)
		}
		if err != nil {
			p.finalizeFailure(ctx, doc, err)
		}
	}()

	log.Printf("[Doc %s] Stage %s", doc.GUID, StageFetching)
	inputPath, fetchErr := p.fetchInput(ctx, doc, workDir)
	if fetchErr != nil {
		err = fetchErr
		return err
	}

	checksum, fpErr := Fingerprint(inputPath)
	if fpErr != nil {
		err = errors.NewStorageFailedError(doc.GUID, fpErr)
		return err
	}
	doc.Checksum = checksum

	kind, detectErr := DetectKind(inputPath)
	if detectErr != nil {
		err = errors.NewStorageFailedError(doc.GUID, detectErr)
		return err
	}
	if kind == KindUnknown {
		err = errors.NewUnsupportedFormatError(doc.GUID, filepath.Ext(inputPath))
		return err
	}
	log.Printf("[Doc %s] Stage %s: kind=%s checksum=%s", doc.GUID, StageTypeDetected, kind, checksum[:12])

	var pages []string
	if kind == KindPDF {
		log.Printf("[Doc %s] Stage %s: dpi=%d", doc.GUID, StageConverting, p.cfg.PageDPI)
		converted, convErr := p.converter.Convert(ctx, inputPath, workDir, p.cfg.PageDPI)
		if convErr != nil {
			err = errors.NewConversionFailedError(doc.GUID, convErr)
			return err
		}
		pages = converted
	} else {
		pages = []string{inputPath}
	}

	doc.PageCount = len(pages)
	if len(pages) == 0 {
		err = errors.NewConversionFailedError(doc.GUID, fmt.Errorf("document produced no pages"))
		return err
	}

	log.Printf("[Doc %s] Stage %s: pages=%d workers=%d", doc.GUID, StagePerPage, len(pages), p.cfg.PageWorkers)
	results := p.processPages(ctx, doc, workDir, pages)

	log.Printf("[Doc %s] Stage %s", doc.GUID, StageAggregating)
	var (
		texts    []string
		pageErrs []string
		hits     int
	)
	doc.Result = make(map[string]string, len(results))
	for _, res := range results {
		if res.Err != nil {
			pageErrs = append(pageErrs, fmt.Sprintf("page %d: %v", res.PageIndex, res.Err))
			continue
		}
		texts = append(texts, res.Text)
		doc.Result[res.ObjectKey] = res.Text
		if res.CacheHit {
			hits++
		}
	}
	doc.Text = strings.Join(texts, "\n\n")

	if len(pageErrs) == len(results) {
		err = errors.NewOCRFailedError(doc.GUID, -1, fmt.Errorf("all %d pages failed: %s", len(results), strings.Join(pageErrs, "; ")))
		return err
	}

	doc.Status = storage.DocumentStatusCompleted
	doc.Error = strings.Join(pageErrs, "; ")
	if updateErr := p.store.UpdateDocument(ctx, doc); updateErr != nil {
		err = errors.NewStorageFailedError(doc.GUID, updateErr)
		return err
	}

	p.dropInputIfConfigured(ctx, doc)

	log.Printf("[Doc %s] Completed in %v: pages=%d cache_hits=%d page_errors=%d",
		doc.GUID, time.Since(startTime), doc.PageCount, hits, len(pageErrs))
	return nil
}

// processPages OCRs every page through a bounded worker pool. Results
// are written by page index so completion order never reorders pages.
func (p *DocumentProcessor) processPages(ctx context.Context, doc *storage.Document, workDir string, pages []string) []PageResult {
	results := make([]PageResult, len(pages))

	type job struct {
		index int
		path  string
	}
	jobs := make(chan job)

	workers := p.cfg.PageWorkers
	if workers > len(pages) {
		workers = len(pages)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index] = p.processPage(ctx, doc, workDir, j.index, j.path)
			}
		}()
	}

	for i, path := range pages {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	return results
}

// processPage handles one page image: dedup lookup first, full OCR plus
// upload on a miss. A cache hit still inserts a fresh output row for
// this document so completion counting stays per-document.
func (p *DocumentProcessor) processPage(ctx context.Context, doc *storage.Document, workDir string, pageIndex int, imagePath string) PageResult {
	res := PageResult{PageIndex: pageIndex}

	checksum, err := Fingerprint(imagePath)
	if err != nil {
		res.Err = errors.NewStorageFailedError(doc.GUID, err)
		return res
	}
	res.Checksum = checksum

	if cached, lookupErr := p.cache.Lookup(ctx, checksum); lookupErr != nil {
		log.Printf("[Doc %s] Warning: cache lookup failed on page %d: %v", doc.GUID, pageIndex, lookupErr)
	} else if cached != nil {
		rec := &storage.OutputRecord{
			DocumentGUID: doc.GUID,
			PageIndex:    pageIndex,
			ObjectKey:    cached.ObjectKey,
			Text:         cached.Text,
			Checksum:     checksum,
		}
		if insErr := p.store.InsertOutput(ctx, rec); insErr != nil {
			res.Err = errors.NewStorageFailedError(doc.GUID, insErr)
			return res
		}
		res.ObjectKey = cached.ObjectKey
		res.Text = cached.Text
		res.CacheHit = true
		log.Printf("[Doc %s] Page %d served from cache", doc.GUID, pageIndex)
		return res
	}

	ocrPath := imagePath
	if p.cfg.Preprocess {
		pre, preErr := PreprocessImage(imagePath, workDir, p.cfg.MinImageWidth)
		if preErr != nil {
			log.Printf("[Doc %s] Warning: preprocessing failed on page %d, using original: %v", doc.GUID, pageIndex, preErr)
		} else {
			ocrPath = pre
		}
	}

	engineCfg := p.engineConfigFor(doc)

	ocrCtx, cancel := context.WithTimeout(ctx, p.cfg.PageOCRTimeout)
	tokens, ocrErr := p.engine.Recognize(ocrCtx, ocrPath, engineCfg)
	cancel()
	if ocrErr != nil {
		res.Err = errors.NewOCRFailedError(doc.GUID, pageIndex, ocrErr)
		return res
	}

	res.Text = ReconstructLines(tokens, p.cfg.OverlapFraction)

	key := storage.GenerateObjectKey(imagePath, fmt.Sprintf("%s/%s", doc.GUID, filepath.Base(imagePath)), p.cfg.ResultKeyPrefix, true)
	if upErr := p.objects.Upload(ctx, doc.Bucket, key, imagePath); upErr != nil {
		res.Err = errors.NewStorageFailedError(doc.GUID, upErr)
		return res
	}
	res.ObjectKey = key

	rec := &storage.OutputRecord{
		DocumentGUID: doc.GUID,
		PageIndex:    pageIndex,
		ObjectKey:    key,
		Text:         res.Text,
		Checksum:     checksum,
	}
	if insErr := p.store.InsertOutput(ctx, rec); insErr != nil {
		res.Err = errors.NewStorageFailedError(doc.GUID, insErr)
		return res
	}
	p.cache.Store(ctx, rec)

	return res
}

// engineConfigFor layers the document's language and option overrides
// over the worker defaults. Malformed overrides are logged and ignored.
func (p *DocumentProcessor) engineConfigFor(doc *storage.Document) EngineConfig {
	cfg := p.cfg.Engine
	if doc.OCRLanguage != "" {
		cfg.Language = doc.OCRLanguage
	}
	if doc.OCRConfig != "" {
		parsed, err := ParseEngineOverrides(cfg, doc.OCRConfig)
		if err != nil {
			log.Printf("[Doc %s] Warning: ignoring invalid OCR config %q: %v", doc.GUID, doc.OCRConfig, err)
		} else {
			cfg = parsed
		}
	}
	return cfg
}

// fetchInput materializes the document's input file. Cloud URIs are
// downloaded into the work dir; anything else is treated as a local
// path and used in place.
func (p *DocumentProcessor) fetchInput(ctx context.Context, doc *storage.Document, workDir string) (string, error) {
	uri := doc.SourceURI
	if uri == "" {
		return "", errors.NewInvalidInputError("document has no source URI")
	}

	if strings.HasPrefix(uri, "s3://") || strings.HasPrefix(uri, "minio://") {
		bucket, key, err := storage.ParseCloudURI(uri)
		if err != nil {
			return "", errors.NewInvalidInputError(err.Error())
		}

		destPath := filepath.Join(workDir, filepath.Base(key))
		dlCtx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
		defer cancel()

		if err := p.objects.Download(dlCtx, bucket, key, destPath); err != nil {
			return "", errors.NewDownloadFailedError(doc.GUID, uri, err)
		}
		return destPath, nil
	}

	if _, err := os.Stat(uri); err != nil {
		return "", errors.NewDownloadFailedError(doc.GUID, uri, err)
	}
	return uri, nil
}

// finalizeFailure records a terminal failure on the document row. When
// the cause carries a structured code the stored error keeps it.
func (p *DocumentProcessor) finalizeFailure(ctx context.Context, doc *storage.Document, cause error) {
	doc.Status = storage.DocumentStatusFailed
	doc.Error = cause.Error()
	var pe *errors.ProcessingError
	if goerrors.As(cause, &pe) {
		if encoded, jsonErr := json.Marshal(pe.ToMap()); jsonErr == nil {
			doc.Error = string(encoded)
		}
	}
	if updateErr := p.store.UpdateDocument(ctx, doc); updateErr != nil {
		log.Printf("[Doc %s] Warning: failed to record failure: %v", doc.GUID, updateErr)
	}
	log.Printf("[Doc %s] Processing failed: %v", doc.GUID, cause)
}

// dropInputIfConfigured deletes the original upload after a successful
// run when retention is disabled. Failures are logged, not fatal.
func (p *DocumentProcessor) dropInputIfConfigured(ctx context.Context, doc *storage.Document) {
	if !p.cfg.DropInputAfterDone {
		return
	}
	if !strings.HasPrefix(doc.SourceURI, "s3://") && !strings.HasPrefix(doc.SourceURI, "minio://") {
		return
	}
	bucket, key, err := storage.ParseCloudURI(doc.SourceURI)
	if err != nil {
		return
	}
	if err := p.objects.Delete(ctx, bucket, key); err != nil {
		log.Printf("[Doc %s] Warning: failed to drop input object: %v", doc.GUID, err)
	}
}
