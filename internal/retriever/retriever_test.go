package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mwhited/paperrag/internal/doctree"
	"github.com/mwhited/paperrag/internal/indexer"
	"github.com/mwhited/paperrag/internal/processor"
	"github.com/mwhited/paperrag/internal/registry"
	"github.com/mwhited/paperrag/internal/vecstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var errOOM = errors.New("CUDA out of memory")

// fakeProvider returns a fixed vector for every text. Errors queued in errs
// are returned first, one per call.
type fakeProvider struct {
	vec    []float32
	errs   []error
	device string
	calls  int
}

func newFakeProvider(vec []float32) *fakeProvider {
	return &fakeProvider{vec: vec, device: "accelerator"}
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fakeProvider) Reset(forceCPU bool) {
	if forceCPU {
		f.device = "cpu"
	} else {
		f.device = "accelerator"
	}
}

func (f *fakeProvider) Device() string { return f.device }

const paperSource = `{
  "title": "Paper",
  "sections": [
    {"type": "section", "title": "Intro", "summary": "Intro summary.", "content": [
      {"type": "text", "content": "Plain body.", "translated_content": "译文正文"},
      {"type": "formula", "content": "x = y + z", "formula_analysis": "Adds things."}
    ]}
  ]
}`

// writeCraftedDoc lays out one document under base/id with hand-picked unit
// vectors, so query vectors translate into exact scores:
// section (0.7071, 0.7071), text (1, 0), formula (0, 1).
func writeCraftedDoc(t *testing.T, base, id string) registry.Entry {
	t.Helper()
	return writeCraftedDocVecs(t, base, id, [][]float32{
		{0.7071, 0.7071},
		{1, 0},
		{0, 1},
	})
}

// writeCraftedDocVecs is writeCraftedDoc with caller-chosen vectors for the
// section, text and formula chunks, in that order.
func writeCraftedDocVecs(t *testing.T, base, id string, vectors [][]float32) registry.Entry {
	t.Helper()
	dir := filepath.Join(base, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "source.json"), []byte(paperSource), 0o644); err != nil {
		t.Fatal(err)
	}

	tree, err := doctree.Build([]byte(paperSource))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	treeBytes, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tree.json"), treeBytes, 0o644); err != nil {
		t.Fatal(err)
	}

	chunks := []vecstore.Chunk{
		{Key: "Paper/Intro/section", Text: "Intro summary."},
		{Key: "Paper/Intro/section/0/text", Text: "译文正文"},
		{Key: "Paper/Intro/section/1/formula", Text: "x = y + z"},
	}
	store, err := vecstore.New(chunks, vectors)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(filepath.Join(dir, "vector_store")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	return registry.Entry{
		ID:    id,
		Title: "Paper",
		Paths: registry.Paths{
			Source:      id + "/source.json",
			Tree:        id + "/tree.json",
			VectorIndex: id + "/vector_store",
		},
	}
}

func writeRegistry(t *testing.T, base string, entries ...registry.Entry) {
	t.Helper()
	if err := registry.Save(filepath.Join(base, registry.FileName), entries); err != nil {
		t.Fatalf("Save registry failed: %v", err)
	}
}

// startRetriever builds a retriever over base and runs the registry scan to
// completion before returning.
func startRetriever(t *testing.T, base string, p Embedder, proc Reprocessor) *Retriever {
	t.Helper()
	return startRetrieverCfg(t, Config{
		BasePath:         base,
		VectorCacheSize:  3,
		TreeCacheSize:    6,
		DefaultTopK:      5,
		ScoreFloor:       0.6,
		LocatorThreshold: 0.65,
	}, p, proc)
}

func startRetrieverCfg(t *testing.T, cfg Config, p Embedder, proc Reprocessor) *Retriever {
	t.Helper()
	r, err := New(cfg, p, proc, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.Start(context.Background())
	r.wg.Wait()
	t.Cleanup(r.ClearCache)
	return r
}

func realProcessor(p Embedder) *processor.Processor {
	return processor.New(indexer.NewBuilder(p, testLogger(), 4), testLogger())
}

func TestRetrieve_RanksHits(t *testing.T) {
	base := t.TempDir()
	writeRegistry(t, base, writeCraftedDoc(t, base, "doc1"))

	p := newFakeProvider([]float32{1, 0})
	r := startRetriever(t, base, p, nil)

	results := r.Retrieve(context.Background(), "what is the intro about", "doc1", 3)
	if len(results) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(results))
	}
	if results[0].Key != "Paper/Intro/section/0/text" {
		t.Errorf("expected the text chunk on top, got %q", results[0].Key)
	}
	if results[0].Score != 1 {
		t.Errorf("expected score 1, got %v", results[0].Score)
	}
	if results[1].Key != "Paper/Intro/section" {
		t.Errorf("expected the section chunk second, got %q", results[1].Key)
	}
}

func TestRetrieve_UnknownDocument(t *testing.T) {
	base := t.TempDir()
	writeRegistry(t, base, writeCraftedDoc(t, base, "doc1"))

	r := startRetriever(t, base, newFakeProvider([]float32{1, 0}), nil)
	if got := r.Retrieve(context.Background(), "q", "nope", 3); got != nil {
		t.Errorf("expected nil for unknown document, got %v", got)
	}
}

func TestRetrieve_QueryOOMFallsBackToCPU(t *testing.T) {
	base := t.TempDir()
	writeRegistry(t, base, writeCraftedDoc(t, base, "doc1"))

	p := newFakeProvider([]float32{1, 0})
	p.errs = []error{errOOM}
	r := startRetriever(t, base, p, nil)

	results := r.Retrieve(context.Background(), "q", "doc1", 3)
	if len(results) != 3 {
		t.Fatalf("expected hits after CPU fallback, got %v", results)
	}
	if p.device != "cpu" {
		t.Errorf("expected provider pinned to cpu, got %q", p.device)
	}
	if p.calls != 2 {
		t.Errorf("expected exactly one retry, got %d calls", p.calls)
	}
	if !r.stores.Contains("doc1") {
		t.Error("expected store reloaded after fallback")
	}
}

func TestRetrieve_NonOOMFails(t *testing.T) {
	base := t.TempDir()
	writeRegistry(t, base, writeCraftedDoc(t, base, "doc1"))

	p := newFakeProvider([]float32{1, 0})
	p.errs = []error{errors.New("connection refused")}
	r := startRetriever(t, base, p, nil)

	if got := r.Retrieve(context.Background(), "q", "doc1", 3); got != nil {
		t.Errorf("expected nil on embedding failure, got %v", got)
	}
	if p.device != "accelerator" {
		t.Errorf("provider should not switch device on non-OOM failure")
	}
}

func TestEnsureStore_LRUEviction(t *testing.T) {
	base := t.TempDir()
	var entries []registry.Entry
	for i := 0; i < 4; i++ {
		entries = append(entries, writeCraftedDoc(t, base, fmt.Sprintf("doc%d", i)))
	}
	writeRegistry(t, base, entries...)

	r := startRetriever(t, base, newFakeProvider([]float32{1, 0}), nil)

	for i := 0; i < 4; i++ {
		if got := r.Retrieve(context.Background(), "q", fmt.Sprintf("doc%d", i), 1); len(got) != 1 {
			t.Fatalf("doc%d: expected a hit, got %v", i, got)
		}
	}

	if r.stores.Len() != 3 {
		t.Fatalf("expected 3 resident stores, got %d", r.stores.Len())
	}
	if r.stores.Contains("doc0") {
		t.Error("expected the least recently used store evicted")
	}
	if !r.stores.Contains("doc3") {
		t.Error("expected the most recent store resident")
	}

	// Touching doc1 makes doc2 the eviction candidate.
	r.Retrieve(context.Background(), "q", "doc1", 1)
	r.Retrieve(context.Background(), "q", "doc0", 1)
	if r.stores.Contains("doc2") {
		t.Error("expected doc2 evicted after doc1 was touched and doc0 reloaded")
	}
	if !r.stores.Contains("doc1") {
		t.Error("expected recently touched doc1 to stay resident")
	}
}

func TestIsReady(t *testing.T) {
	base := t.TempDir()

	// No registry file: scan completes but finds nothing.
	r := startRetriever(t, base, newFakeProvider([]float32{1, 0}), nil)
	if r.IsReady() {
		t.Error("expected not ready with no registered documents")
	}

	base2 := t.TempDir()
	writeRegistry(t, base2, writeCraftedDoc(t, base2, "doc1"))
	r2 := startRetriever(t, base2, newFakeProvider([]float32{1, 0}), nil)
	if !r2.IsReady() {
		t.Error("expected ready after scanning a populated registry")
	}
}

func TestAddDocument(t *testing.T) {
	base := t.TempDir()
	writeCraftedDoc(t, base, "doc1")

	r := startRetriever(t, base, newFakeProvider([]float32{1, 0}), nil)
	if r.IsReady() {
		t.Fatal("expected not ready before registration")
	}

	if !r.AddDocument(context.Background(), "doc1", "doc1/vector_store") {
		t.Fatal("expected AddDocument to load the index")
	}
	if !r.IsReady() {
		t.Error("expected ready after registration")
	}
	if !r.stores.Contains("doc1") {
		t.Error("expected eager load to cache the store")
	}

	if got := r.Retrieve(context.Background(), "q", "doc1", 1); len(got) != 1 {
		t.Errorf("expected retrieval against added document, got %v", got)
	}
}

func TestRegister_PersistsFullEntry(t *testing.T) {
	base := t.TempDir()
	// Artifacts exist on disk but no registry file does.
	e := writeCraftedDoc(t, base, "doc1")

	p := newFakeProvider([]float32{0.72, 0})
	r := startRetriever(t, base, p, nil)
	if r.IsReady() {
		t.Fatal("expected not ready before registration")
	}

	if !r.Register(context.Background(), e) {
		t.Fatal("expected Register to load the index")
	}
	if !r.IsReady() {
		t.Error("expected ready after registration")
	}

	// Structured retrieval works immediately: the tree path arrived with
	// the entry, not just the index path.
	text, target := r.RetrieveWithContext(context.Background(), "q", "doc1", 5)
	if text == "" {
		t.Fatal("expected structured context for a freshly registered document")
	}
	if target == nil {
		t.Error("expected a locator for the top hit")
	}

	// The entry survives in the registry file for the next process.
	entries, err := registry.Load(filepath.Join(base, registry.FileName))
	if err != nil {
		t.Fatalf("registry not written: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "doc1" {
		t.Fatalf("unexpected registry contents: %+v", entries)
	}
	if entries[0].Paths.Tree == "" || entries[0].Paths.Source == "" {
		t.Errorf("registry entry missing artifact paths: %+v", entries[0].Paths)
	}
}

func TestRegister_RejectsEmptyID(t *testing.T) {
	base := t.TempDir()
	r := startRetriever(t, base, newFakeProvider([]float32{1, 0}), nil)
	if r.Register(context.Background(), registry.Entry{}) {
		t.Error("expected Register to reject an entry without an id")
	}
}

func TestAddDocument_MissingIndex(t *testing.T) {
	base := t.TempDir()
	r := startRetriever(t, base, newFakeProvider([]float32{1, 0}), nil)

	if r.AddDocument(context.Background(), "ghost", "ghost/vector_store") {
		t.Error("expected AddDocument to fail for a missing index without a processor")
	}
}

func TestEnsureStore_ReconstructsMissingIndex(t *testing.T) {
	base := t.TempDir()
	e := writeCraftedDoc(t, base, "doc1")
	writeRegistry(t, base, e)
	if err := os.RemoveAll(filepath.Join(base, "doc1", "vector_store")); err != nil {
		t.Fatal(err)
	}

	p := newFakeProvider([]float32{1, 0})
	r := startRetriever(t, base, p, realProcessor(p))

	results := r.Retrieve(context.Background(), "q", "doc1", 2)
	if len(results) == 0 {
		t.Fatal("expected hits after reconstruction")
	}
	if _, err := vecstore.Load(filepath.Join(base, "doc1", "vector_store")); err != nil {
		t.Errorf("reconstructed index not on disk: %v", err)
	}

	// The rewritten registry carries the derived markdown path.
	entries, err := registry.Load(filepath.Join(base, registry.FileName))
	if err != nil {
		t.Fatalf("registry unreadable after rebuild: %v", err)
	}
	if len(entries) != 1 || entries[0].Paths.Markdown == "" {
		t.Errorf("expected rebuilt entry with markdown path, got %+v", entries)
	}
}

func TestReconstruct_FailsWithoutSource(t *testing.T) {
	base := t.TempDir()
	e := writeCraftedDoc(t, base, "doc1")
	writeRegistry(t, base, e)
	if err := os.RemoveAll(filepath.Join(base, "doc1", "vector_store")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(base, "doc1", "source.json")); err != nil {
		t.Fatal(err)
	}

	p := newFakeProvider([]float32{1, 0})
	r := startRetriever(t, base, p, realProcessor(p))

	if got := r.Retrieve(context.Background(), "q", "doc1", 2); got != nil {
		t.Errorf("expected nil when nothing can be rebuilt, got %v", got)
	}
}

func TestCacheInfoAndClear(t *testing.T) {
	base := t.TempDir()
	writeRegistry(t, base, writeCraftedDoc(t, base, "doc1"))

	r := startRetriever(t, base, newFakeProvider([]float32{1, 0}), nil)
	r.Retrieve(context.Background(), "q", "doc1", 1)
	r.RetrieveWithContext(context.Background(), "q", "doc1", 1)

	info := r.CacheInfo()
	if info.VectorStoresCached != 1 || info.TreesCached != 1 {
		t.Errorf("unexpected cache info: %+v", info)
	}
	if info.VectorCapacity != 3 || info.TreeCapacity != 6 {
		t.Errorf("unexpected capacities: %+v", info)
	}
	if len(info.CachedDocuments) != 1 || info.CachedDocuments[0] != "doc1" {
		t.Errorf("unexpected cached documents: %v", info.CachedDocuments)
	}

	r.ClearCache()
	info = r.CacheInfo()
	if info.VectorStoresCached != 0 || info.TreesCached != 0 {
		t.Errorf("expected empty caches after clear, got %+v", info)
	}

	// Retrieval reloads transparently after a clear.
	if got := r.Retrieve(context.Background(), "q", "doc1", 1); len(got) != 1 {
		t.Errorf("expected retrieval to recover after cache clear, got %v", got)
	}
}
