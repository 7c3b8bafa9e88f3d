package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pagelens/ocr-worker/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]*storage.Document
	outputs []storage.OutputRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*storage.Document)}
}

func (s *fakeStore) GetDocument(ctx context.Context, guid string) (*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[guid]
	if !ok {
		return nil, fmt.Errorf("document not found: %s", guid)
	}
	cp := *doc
	return &cp, nil
}

func (s *fakeStore) UpdateDocument(ctx context.Context, doc *storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	s.docs[doc.GUID] = &cp
	return nil
}

func (s *fakeStore) InsertOutput(ctx context.Context, rec *storage.OutputRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = int64(len(s.outputs) + 1)
	s.outputs = append(s.outputs, *rec)
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*storage.OutputRecord
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*storage.OutputRecord)}
}

func (c *fakeCache) Lookup(ctx context.Context, checksum string) (*storage.OutputRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.entries[checksum]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (c *fakeCache) Store(ctx context.Context, rec *storage.OutputRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *rec
	c.entries[rec.Checksum] = &cp
}

type fakeObjects struct {
	mu       sync.Mutex
	uploads  []string
	deletes  []string
	downErr  error
	contents map[string][]byte // bucket/key -> data for Download
}

func (o *fakeObjects) Download(ctx context.Context, bucket, key, destPath string) error {
	if o.downErr != nil {
		return o.downErr
	}
	o.mu.Lock()
	data, ok := o.contents[bucket+"/"+key]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such object %s/%s", bucket, key)
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (o *fakeObjects) Upload(ctx context.Context, bucket, key, srcPath string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads = append(o.uploads, key)
	return nil
}

func (o *fakeObjects) Delete(ctx context.Context, bucket, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deletes = append(o.deletes, bucket+"/"+key)
	return nil
}

func (o *fakeObjects) Exists(ctx context.Context, bucket, key string) (bool, error) {
	return false, nil
}

func (o *fakeObjects) URLFor(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return "http://example.test/" + key, nil
}

// fakeConverter writes one page file per entry in pageContents.
type fakeConverter struct {
	pageContents []string
	err          error
}

func (c *fakeConverter) Convert(ctx context.Context, pdfPath, outputDir string, dpi int) ([]string, error) {
	if c.err != nil {
		return nil, c.err
	}
	var pages []string
	for i, content := range c.pageContents {
		path := filepath.Join(outputDir, fmt.Sprintf("page-%04d.png", i+1))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
		pages = append(pages, path)
	}
	return pages, nil
}

// fakeEngine returns one token whose text is the page file's content.
// Token geometry is chosen so line reconstruction keeps it.
type fakeEngine struct {
	mu       sync.Mutex
	calls    int
	delays   map[string]time.Duration // keyed by file content
	failText string                   // pages with this content fail
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Recognize(ctx context.Context, imagePath string, cfg EngineConfig) ([]Token, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, err
	}
	content := string(data)

	e.mu.Lock()
	e.calls++
	delay := e.delays[content]
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.failText != "" && content == e.failText {
		return nil, fmt.Errorf("simulated engine failure")
	}
	return []Token{{Text: content, Left: 0, Top: 100, Width: 50, Height: 10}}, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func writePDFInput(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 test fixture"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type pipelineFixture struct {
	store     *fakeStore
	cache     *fakeCache
	objects   *fakeObjects
	converter *fakeConverter
	engine    *fakeEngine
	proc      *DocumentProcessor
	tempDir   string
}

func newPipeline(t *testing.T, converter *fakeConverter, engine *fakeEngine, workers int) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:     newFakeStore(),
		cache:     newFakeCache(),
		objects:   &fakeObjects{},
		converter: converter,
		engine:    engine,
		tempDir:   t.TempDir(),
	}

	proc, err := NewDocumentProcessor(f.store, f.cache, f.objects, f.converter, f.engine, ProcessorConfig{
		TempDir:         f.tempDir,
		PageWorkers:     workers,
		Preprocess:      false,
		ResultKeyPrefix: "ocr_results",
	})
	if err != nil {
		t.Fatalf("NewDocumentProcessor: %v", err)
	}
	f.proc = proc
	return f
}

func (f *pipelineFixture) acceptDocument(t *testing.T, guid, sourceURI string) *storage.Document {
	t.Helper()
	doc := &storage.Document{
		GUID:      guid,
		Source:    "local",
		SourceURI: sourceURI,
		Bucket:    "test-bucket",
		Filename:  filepath.Base(sourceURI),
		Status:    storage.DocumentStatusAccepted,
	}
	f.store.docs[guid] = doc
	return doc
}

func TestProcessCompletesMultiPagePDF(t *testing.T) {
	converter := &fakeConverter{pageContents: []string{"alpha", "beta", "gamma"}}
	engine := &fakeEngine{}
	f := newPipeline(t, converter, engine, 2)

	input := writePDFInput(t, t.TempDir())
	doc := f.acceptDocument(t, "doc-multi", input)

	if err := f.proc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process: %v", err)
	}

	final := f.store.docs["doc-multi"]
	if final.Status != storage.DocumentStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
	if final.PageCount != 3 {
		t.Errorf("expected page count 3, got %d", final.PageCount)
	}
	if final.Checksum == "" {
		t.Error("expected document checksum to be recorded")
	}
	if final.Text != "alpha\n\nbeta\n\ngamma" {
		t.Errorf("unexpected aggregate text %q", final.Text)
	}
	if len(f.store.outputs) != 3 {
		t.Errorf("expected 3 output records, got %d", len(f.store.outputs))
	}
	if len(f.objects.uploads) != 3 {
		t.Errorf("expected 3 page uploads, got %d", len(f.objects.uploads))
	}
}

func TestProcessPreservesPageOrderUnderSlowPages(t *testing.T) {
	// The first page finishes last; output order must still follow page
	// index, not completion order.
	converter := &fakeConverter{pageContents: []string{"slow", "mid", "fast"}}
	engine := &fakeEngine{delays: map[string]time.Duration{
		"slow": 80 * time.Millisecond,
		"mid":  40 * time.Millisecond,
	}}
	f := newPipeline(t, converter, engine, 3)

	input := writePDFInput(t, t.TempDir())
	doc := f.acceptDocument(t, "doc-order", input)

	if err := f.proc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if f.store.docs["doc-order"].Text != "slow\n\nmid\n\nfast" {
		t.Errorf("aggregate text out of page order: %q", f.store.docs["doc-order"].Text)
	}
}

func TestProcessDeduplicatesIdenticalPages(t *testing.T) {
	// Two byte-identical pages: the engine runs once, yet both pages get
	// their own output record.
	converter := &fakeConverter{pageContents: []string{"same", "same"}}
	engine := &fakeEngine{}
	f := newPipeline(t, converter, engine, 1)

	input := writePDFInput(t, t.TempDir())
	doc := f.acceptDocument(t, "doc-dedup", input)

	if err := f.proc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := engine.callCount(); got != 1 {
		t.Errorf("expected 1 engine call, got %d", got)
	}
	if len(f.store.outputs) != 2 {
		t.Fatalf("expected 2 output records, got %d", len(f.store.outputs))
	}
	if f.store.outputs[0].ObjectKey != f.store.outputs[1].ObjectKey {
		t.Errorf("cache hit should reuse the stored object key")
	}
	if len(f.objects.uploads) != 1 {
		t.Errorf("cache hit must not re-upload, got %d uploads", len(f.objects.uploads))
	}
	if f.store.outputs[0].Text != "same" || f.store.outputs[1].Text != "same" {
		t.Errorf("both records should carry the recognized text")
	}
}

func TestProcessCacheHitAcrossDocuments(t *testing.T) {
	converter := &fakeConverter{pageContents: []string{"shared-page"}}
	engine := &fakeEngine{}
	f := newPipeline(t, converter, engine, 1)

	inputDir := t.TempDir()
	docA := f.acceptDocument(t, "doc-a", writePDFInput(t, inputDir))
	if err := f.proc.Process(context.Background(), docA); err != nil {
		t.Fatalf("Process doc-a: %v", err)
	}

	docB := f.acceptDocument(t, "doc-b", writePDFInput(t, t.TempDir()))
	if err := f.proc.Process(context.Background(), docB); err != nil {
		t.Fatalf("Process doc-b: %v", err)
	}

	if got := engine.callCount(); got != 1 {
		t.Errorf("second document should hit the cache, engine calls = %d", got)
	}
	if f.store.docs["doc-b"].Text != "shared-page" {
		t.Errorf("cached text missing from second document: %q", f.store.docs["doc-b"].Text)
	}
}

func TestProcessIsolatesPageFailures(t *testing.T) {
	converter := &fakeConverter{pageContents: []string{"ok-1", "broken", "ok-2"}}
	engine := &fakeEngine{failText: "broken"}
	f := newPipeline(t, converter, engine, 2)

	input := writePDFInput(t, t.TempDir())
	doc := f.acceptDocument(t, "doc-partial", input)

	if err := f.proc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process should not fail for a single bad page: %v", err)
	}

	final := f.store.docs["doc-partial"]
	if final.Status != storage.DocumentStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
	if final.PageCount != 3 {
		t.Errorf("page count must include failed pages, got %d", final.PageCount)
	}
	if !strings.Contains(final.Error, "page 1") {
		t.Errorf("expected page 1 error recorded, got %q", final.Error)
	}
	if final.Text != "ok-1\n\nok-2" {
		t.Errorf("unexpected aggregate text %q", final.Text)
	}
	if len(f.store.outputs) != 2 {
		t.Errorf("expected outputs only for successful pages, got %d", len(f.store.outputs))
	}
}

func TestProcessFailsWhenAllPagesFail(t *testing.T) {
	converter := &fakeConverter{pageContents: []string{"broken"}}
	engine := &fakeEngine{failText: "broken"}
	f := newPipeline(t, converter, engine, 1)

	input := writePDFInput(t, t.TempDir())
	doc := f.acceptDocument(t, "doc-allfail", input)

	if err := f.proc.Process(context.Background(), doc); err == nil {
		t.Fatal("expected error when every page fails")
	}
	if f.store.docs["doc-allfail"].Status != storage.DocumentStatusFailed {
		t.Errorf("expected failed, got %s", f.store.docs["doc-allfail"].Status)
	}
}

func TestProcessFailsOnConversionError(t *testing.T) {
	converter := &fakeConverter{err: fmt.Errorf("malformed PDF")}
	engine := &fakeEngine{}
	f := newPipeline(t, converter, engine, 1)

	input := writePDFInput(t, t.TempDir())
	doc := f.acceptDocument(t, "doc-badpdf", input)

	if err := f.proc.Process(context.Background(), doc); err == nil {
		t.Fatal("expected conversion error")
	}

	final := f.store.docs["doc-badpdf"]
	if final.Status != storage.DocumentStatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "CONVERSION_FAILED") {
		t.Errorf("expected structured error code in %q", final.Error)
	}
}

func TestProcessFailsOnMissingInput(t *testing.T) {
	f := newPipeline(t, &fakeConverter{}, &fakeEngine{}, 1)
	doc := f.acceptDocument(t, "doc-missing", "/nonexistent/input.pdf")

	if err := f.proc.Process(context.Background(), doc); err == nil {
		t.Fatal("expected fetch error")
	}
	if f.store.docs["doc-missing"].Status != storage.DocumentStatusFailed {
		t.Errorf("expected failed status")
	}
}

func TestProcessRemovesWorkDir(t *testing.T) {
	converter := &fakeConverter{pageContents: []string{"page"}}
	f := newPipeline(t, converter, &fakeEngine{}, 1)

	input := writePDFInput(t, t.TempDir())
	doc := f.acceptDocument(t, "doc-clean", input)

	if err := f.proc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.tempDir, "doc-clean")); !os.IsNotExist(err) {
		t.Error("work dir should be removed after success")
	}

	// Failure path cleans up too.
	f.converter.err = fmt.Errorf("malformed PDF")
	doc2 := f.acceptDocument(t, "doc-clean2", input)
	if err := f.proc.Process(context.Background(), doc2); err == nil {
		t.Fatal("expected conversion error")
	}
	if _, err := os.Stat(filepath.Join(f.tempDir, "doc-clean2")); !os.IsNotExist(err) {
		t.Error("work dir should be removed after failure")
	}
}

func TestProcessSingleImageSkipsConversion(t *testing.T) {
	// A PNG input goes straight to OCR as one page.
	converter := &fakeConverter{err: fmt.Errorf("converter must not run for images")}
	engine := &fakeEngine{}
	f := newPipeline(t, converter, engine, 1)

	dir := t.TempDir()
	input := filepath.Join(dir, "scan.png")
	// Minimal PNG signature followed by fake payload; detection only
	// needs the magic bytes.
	data := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, []byte("image-body")...)
	if err := os.WriteFile(input, data, 0o644); err != nil {
		t.Fatal(err)
	}

	doc := f.acceptDocument(t, "doc-image", input)
	if err := f.proc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process: %v", err)
	}

	final := f.store.docs["doc-image"]
	if final.PageCount != 1 {
		t.Errorf("expected single page, got %d", final.PageCount)
	}
	if final.Status != storage.DocumentStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
}

func TestProcessDownloadsCloudInput(t *testing.T) {
	converter := &fakeConverter{pageContents: []string{"cloud-page"}}
	f := newPipeline(t, converter, &fakeEngine{}, 1)
	f.objects.contents = map[string][]byte{
		"scans/input_pdfs/doc.pdf": []byte("%PDF-1.4 cloud fixture"),
	}

	doc := f.acceptDocument(t, "doc-cloud", "s3://scans/input_pdfs/doc.pdf")
	if err := f.proc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if f.store.docs["doc-cloud"].Status != storage.DocumentStatusCompleted {
		t.Errorf("expected completed, got %s", f.store.docs["doc-cloud"].Status)
	}
}

func TestProcessDropsInputWhenConfigured(t *testing.T) {
	converter := &fakeConverter{pageContents: []string{"page"}}
	f := newPipeline(t, converter, &fakeEngine{}, 1)
	f.proc.cfg.DropInputAfterDone = true
	f.objects.contents = map[string][]byte{
		"scans/in.pdf": []byte("%PDF-1.4 retained fixture"),
	}

	doc := f.acceptDocument(t, "doc-drop", "s3://scans/in.pdf")
	if err := f.proc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.objects.deletes) != 1 || f.objects.deletes[0] != "scans/in.pdf" {
		t.Errorf("expected input object deleted, got %v", f.objects.deletes)
	}
}

func TestProcessByGUIDLoadsDocument(t *testing.T) {
	converter := &fakeConverter{pageContents: []string{"page"}}
	f := newPipeline(t, converter, &fakeEngine{}, 1)

	input := writePDFInput(t, t.TempDir())
	f.acceptDocument(t, "doc-byguid", input)

	if err := f.proc.ProcessByGUID(context.Background(), "doc-byguid"); err != nil {
		t.Fatalf("ProcessByGUID: %v", err)
	}
	if err := f.proc.ProcessByGUID(context.Background(), "no-such-doc"); err == nil {
		t.Error("expected error for unknown GUID")
	}
}

func TestEngineConfigForAppliesDocumentOverrides(t *testing.T) {
	f := newPipeline(t, &fakeConverter{}, &fakeEngine{}, 1)
	f.proc.cfg.Engine = DefaultEngineConfig()

	doc := &storage.Document{GUID: "doc-cfg", OCRLanguage: "deu", OCRConfig: "--psm 6"}
	cfg := f.proc.engineConfigFor(doc)
	if cfg.Language != "deu" {
		t.Errorf("expected language override, got %q", cfg.Language)
	}
	if cfg.PageSegMode != 6 {
		t.Errorf("expected PSM override, got %d", cfg.PageSegMode)
	}

	// Malformed overrides are ignored, defaults survive.
	doc.OCRConfig = "--psm banana"
	cfg = f.proc.engineConfigFor(doc)
	if cfg.PageSegMode != DefaultEngineConfig().PageSegMode {
		t.Errorf("invalid override should be ignored, got %d", cfg.PageSegMode)
	}
}
