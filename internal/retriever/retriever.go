// Package retriever is the retrieval core: it bounds how many vector
// indices and document trees stay resident via LRU eviction, loads artifacts
// lazily from disk, reconstructs them from source JSON when missing, and
// maps similarity hits back onto tree structure.
package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mwhited/paperrag/internal/doctree"
	"github.com/mwhited/paperrag/internal/embed"
	"github.com/mwhited/paperrag/internal/registry"
	"github.com/mwhited/paperrag/internal/vecstore"
)

// Embedder is the slice of the embedding provider the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Reset(forceCPU bool)
	Device() string
}

// Reprocessor rebuilds a document's artifacts from its source JSON.
type Reprocessor interface {
	Rebuild(ctx context.Context, basePath string, e *registry.Entry) error
}

type Config struct {
	BasePath string

	VectorCacheSize int
	TreeCacheSize   int

	DefaultTopK      int
	ScoreFloor       float64
	LocatorThreshold float64
}

// Retriever serves retrieval requests for all registered documents. The
// caches are internally synchronized, but retrieval calls are expected to
// come from a single worker; concurrent calls against the same document may
// load its artifacts twice.
type Retriever struct {
	cfg      Config
	provider Embedder
	proc     Reprocessor
	log      *slog.Logger

	stores *lru.Cache[string, *vecstore.Store]
	trees  *lru.Cache[string, *doctree.Tree]

	mu      sync.Mutex
	docs    map[string]registry.Entry
	scanned bool

	wg sync.WaitGroup
}

func New(cfg Config, provider Embedder, proc Reprocessor, log *slog.Logger) (*Retriever, error) {
	if cfg.VectorCacheSize <= 0 {
		cfg.VectorCacheSize = 3
	}
	if cfg.TreeCacheSize <= 0 {
		cfg.TreeCacheSize = cfg.VectorCacheSize * 2
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}

	r := &Retriever{
		cfg:      cfg,
		provider: provider,
		proc:     proc,
		log:      log,
		docs:     make(map[string]registry.Entry),
	}

	// Release hooks run inside the eviction callback and must never block
	// cache bookkeeping, so failures are logged and dropped.
	stores, err := lru.NewWithEvict(cfg.VectorCacheSize, func(id string, s *vecstore.Store) {
		if err := s.Close(); err != nil {
			log.Warn("release of evicted vector index failed", "doc_id", id, "error", err)
		}
		log.Info("evicted vector index", "doc_id", id)
	})
	if err != nil {
		return nil, fmt.Errorf("vector cache: %w", err)
	}
	trees, err := lru.NewWithEvict(cfg.TreeCacheSize, func(id string, _ *doctree.Tree) {
		log.Info("evicted document tree", "doc_id", id)
	})
	if err != nil {
		return nil, fmt.Errorf("tree cache: %w", err)
	}
	r.stores = stores
	r.trees = trees
	return r, nil
}

// Start launches the background registry scan. Callers must observe
// IsReady before issuing structured retrieval requests.
func (r *Retriever) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		regPath := filepath.Join(r.cfg.BasePath, registry.FileName)
		entries, err := registry.Load(regPath)
		if err != nil {
			r.log.Warn("registry scan failed", "path", regPath, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		for _, e := range entries {
			if e.ID != "" && e.Paths.VectorIndex != "" {
				r.docs[e.ID] = e
			}
		}
		n := len(r.docs)
		r.scanned = true
		r.mu.Unlock()
		r.log.Info("registry scan complete", "documents", n)
	}()
}

// IsReady reports whether the registry scan finished and found at least one
// document. AddDocument also satisfies the gate.
func (r *Retriever) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanned && len(r.docs) > 0
}

// Stop waits for the background scan and releases all cached artifacts.
func (r *Retriever) Stop() {
	r.wg.Wait()
	r.ClearCache()
}

// AddDocument registers a document by id and index path and eagerly loads
// the index, reconstructing it if the load fails. Returns false when the
// index could not be made resident.
func (r *Retriever) AddDocument(ctx context.Context, id, indexPath string) bool {
	r.mu.Lock()
	e := r.docs[id]
	e.ID = id
	e.Paths.VectorIndex = indexPath
	r.mu.Unlock()
	return r.Register(ctx, e)
}

// Register records a fully processed document: the complete entry goes into
// the in-memory map and the registry file, stale cache entries for the id
// are dropped, and the index is loaded eagerly. Returns false when the index
// could not be made resident.
func (r *Retriever) Register(ctx context.Context, e registry.Entry) bool {
	if e.ID == "" {
		return false
	}
	r.mu.Lock()
	r.docs[e.ID] = e
	r.scanned = true
	r.mu.Unlock()
	r.stores.Remove(e.ID)
	r.trees.Remove(e.ID)
	r.persistEntry(e)
	r.log.Info("registered document", "doc_id", e.ID, "index", e.Paths.VectorIndex)

	if _, err := r.ensureStore(ctx, e.ID); err != nil {
		r.log.Warn("could not load index for registered document", "doc_id", e.ID, "error", err)
		return false
	}
	return true
}

// Retrieve runs a similarity search against one document and returns the
// ranked hits. Failures degrade to an empty result; they never abort the
// surrounding session.
func (r *Retriever) Retrieve(ctx context.Context, query, docID string, topK int) []vecstore.Result {
	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}
	results, err := r.search(ctx, query, docID, topK)
	if err != nil {
		r.log.Warn("retrieval failed", "doc_id", docID, "error", err)
		return nil
	}
	r.log.Info("retrieved", "doc_id", docID, "hits", len(results))
	return results
}

// search makes the document's store resident, embeds the query and scans.
// An OOM while embedding resets the provider to CPU, reloads the store and
// retries once; any other error propagates.
func (r *Retriever) search(ctx context.Context, query, docID string, topK int) ([]vecstore.Result, error) {
	s, err := r.ensureStore(ctx, docID)
	if err != nil {
		return nil, err
	}
	vecs, err := r.provider.Embed(ctx, []string{query})
	if err != nil {
		if !embed.IsOOM(err) {
			return nil, err
		}
		r.log.Warn("query embedding out of memory, switching to cpu", "doc_id", docID)
		r.provider.Reset(true)
		r.stores.Remove(docID)
		if s, err = r.ensureStore(ctx, docID); err != nil {
			return nil, err
		}
		if vecs, err = r.provider.Embed(ctx, []string{query}); err != nil {
			return nil, err
		}
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding returned no vector for query")
	}
	return s.Search(vecs[0], topK), nil
}

// ensureStore returns the document's resident vector store, loading it on a
// cache miss and reconstructing the artifacts when the load fails. Cache
// hits move the entry to most-recently-used; inserting may evict the least
// recently used store.
func (r *Retriever) ensureStore(ctx context.Context, docID string) (*vecstore.Store, error) {
	if s, ok := r.stores.Get(docID); ok {
		return s, nil
	}

	e, ok := r.entry(docID)
	if !ok {
		return nil, fmt.Errorf("document %s is not registered", docID)
	}
	dir := registry.ResolvePath(r.cfg.BasePath, e.Paths.VectorIndex)
	if dir == "" {
		return nil, fmt.Errorf("document %s has no vector index path", docID)
	}

	s, err := vecstore.Load(dir)
	if err != nil {
		r.log.Warn("vector index load failed, attempting reconstruction", "doc_id", docID, "error", err)
		if rerr := r.reconstruct(ctx, docID); rerr != nil {
			return nil, fmt.Errorf("document %s: load failed (%v) and rebuild failed: %w", docID, err, rerr)
		}
		e, _ = r.entry(docID)
		s, err = vecstore.Load(registry.ResolvePath(r.cfg.BasePath, e.Paths.VectorIndex))
		if err != nil {
			return nil, fmt.Errorf("document %s: reload after rebuild: %w", docID, err)
		}
	}

	r.stores.Add(docID, s)
	r.log.Info("vector index resident", "doc_id", docID, "cached", r.stores.Len(), "capacity", r.cfg.VectorCacheSize)
	return s, nil
}

// ensureTree returns the document's resident tree, independent of the
// vector store cache: evicting one never evicts the other.
func (r *Retriever) ensureTree(ctx context.Context, docID string) (*doctree.Tree, error) {
	if t, ok := r.trees.Get(docID); ok {
		return t, nil
	}

	t, err := r.loadTree(docID)
	if err != nil {
		r.log.Warn("tree load failed, attempting reconstruction", "doc_id", docID, "error", err)
		if rerr := r.reconstruct(ctx, docID); rerr != nil {
			return nil, fmt.Errorf("document %s: tree load failed (%v) and rebuild failed: %w", docID, err, rerr)
		}
		if t, err = r.loadTree(docID); err != nil {
			return nil, fmt.Errorf("document %s: tree reload after rebuild: %w", docID, err)
		}
	}

	r.trees.Add(docID, t)
	return t, nil
}

func (r *Retriever) loadTree(docID string) (*doctree.Tree, error) {
	e, ok := r.entry(docID)
	if !ok {
		return nil, fmt.Errorf("document %s is not registered", docID)
	}
	path := registry.ResolvePath(r.cfg.BasePath, e.Paths.Tree)
	if path == "" {
		return nil, fmt.Errorf("document %s has no tree path", docID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tree: %w", err)
	}
	var tree doctree.Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return &tree, nil
}

// reconstruct re-derives all artifacts for one document from its source
// JSON and rewrites the registry with any relocated paths. The stale cached
// tree is dropped: its addresses do not survive a rebuild.
func (r *Retriever) reconstruct(ctx context.Context, docID string) error {
	if r.proc == nil {
		return fmt.Errorf("no processor configured for reconstruction")
	}
	e, ok := r.entry(docID)
	if !ok {
		return fmt.Errorf("document %s is not registered", docID)
	}
	if err := r.proc.Rebuild(ctx, r.cfg.BasePath, &e); err != nil {
		return err
	}

	r.mu.Lock()
	r.docs[docID] = e
	r.mu.Unlock()
	r.trees.Remove(docID)
	r.persistEntry(e)
	r.log.Info("document artifacts reconstructed", "doc_id", docID)
	return nil
}

// persistEntry upserts one entry into the registry file so it survives a
// restart. Best-effort: a write failure degrades to in-memory registration.
func (r *Retriever) persistEntry(e registry.Entry) {
	regPath := filepath.Join(r.cfg.BasePath, registry.FileName)
	entries, err := registry.Load(regPath)
	if err != nil {
		entries = nil
	}
	if err := registry.Save(regPath, registry.Upsert(entries, e)); err != nil {
		r.log.Warn("registry write failed", "doc_id", e.ID, "error", err)
	}
}

func (r *Retriever) entry(docID string) (registry.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.docs[docID]
	return e, ok
}

// CacheInfo describes current cache residency.
type CacheInfo struct {
	VectorStoresCached int      `json:"vector_stores_cached"`
	TreesCached        int      `json:"trees_cached"`
	VectorCapacity     int      `json:"vector_capacity"`
	TreeCapacity       int      `json:"tree_capacity"`
	CachedDocuments    []string `json:"cached_documents"`
}

func (r *Retriever) CacheInfo() CacheInfo {
	return CacheInfo{
		VectorStoresCached: r.stores.Len(),
		TreesCached:        r.trees.Len(),
		VectorCapacity:     r.cfg.VectorCacheSize,
		TreeCapacity:       r.cfg.TreeCacheSize,
		CachedDocuments:    r.stores.Keys(),
	}
}

// ClearCache drops every resident index and tree, running the usual
// release hooks.
func (r *Retriever) ClearCache() {
	r.log.Info("clearing retrieval caches", "vector_stores", r.stores.Len(), "trees", r.trees.Len())
	r.stores.Purge()
	r.trees.Purge()
}
