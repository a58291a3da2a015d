// Package processor runs the offline pipeline for one document: source
// extraction JSON -> normalized tree file -> markdown projection -> persisted
// vector index. The retriever invokes it to reconstruct artifacts that have
// gone missing or corrupt.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mwhited/paperrag/internal/doctree"
	"github.com/mwhited/paperrag/internal/indexer"
	"github.com/mwhited/paperrag/internal/registry"
)

type Processor struct {
	builder *indexer.Builder
	log     *slog.Logger
}

func New(builder *indexer.Builder, log *slog.Logger) *Processor {
	return &Processor{builder: builder, log: log}
}

// Process derives all retrieval artifacts for one document. Existing files
// at the output paths are overwritten.
func (p *Processor) Process(ctx context.Context, sourcePath, treePath, mdPath, indexDir string) error {
	p.log.Info("processing document", "source", sourcePath)

	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("read source json: %w", err)
	}
	tree, err := doctree.Build(raw)
	if err != nil {
		return fmt.Errorf("build tree: %w", err)
	}

	treeBytes, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tree: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(treePath), 0o755); err != nil {
		return fmt.Errorf("create tree dir: %w", err)
	}
	if err := os.WriteFile(treePath, treeBytes, 0o644); err != nil {
		return fmt.Errorf("write tree: %w", err)
	}

	md := tree.Markdown(p.log)
	if err := os.WriteFile(mdPath, []byte(md), 0o644); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}

	if err := p.builder.BuildAndSave(ctx, md, indexDir); err != nil {
		return fmt.Errorf("build vector index: %w", err)
	}

	p.log.Info("document processed", "tree", treePath, "markdown", mdPath, "index", indexDir, "keys", len(tree.KeyMap))
	return nil
}

// Rebuild reconstructs a registered document's artifacts from its source
// JSON. Missing tree/markdown paths are derived next to the vector index and
// written back into the entry, so the caller can rewrite the registry.
// Fails when the source JSON itself is gone; nothing can be rebuilt then.
func (p *Processor) Rebuild(ctx context.Context, basePath string, e *registry.Entry) error {
	if e.Paths.Source == "" || e.Paths.VectorIndex == "" {
		return fmt.Errorf("document %s: registry entry lacks source or index path", e.ID)
	}
	sourcePath := registry.ResolvePath(basePath, e.Paths.Source)
	if _, err := os.Stat(sourcePath); err != nil {
		return fmt.Errorf("document %s: source json unavailable: %w", e.ID, err)
	}

	indexDir := registry.ResolvePath(basePath, e.Paths.VectorIndex)
	outDir := filepath.Dir(indexDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	treePath := registry.ResolvePath(basePath, e.Paths.Tree)
	if treePath == "" {
		treePath = filepath.Join(outDir, e.ID+"_tree.json")
	}
	mdPath := registry.ResolvePath(basePath, e.Paths.Markdown)
	if mdPath == "" {
		mdPath = filepath.Join(outDir, e.ID+"_md.md")
	}

	p.log.Info("rebuilding artifacts", "doc_id", e.ID)
	if err := p.Process(ctx, sourcePath, treePath, mdPath, indexDir); err != nil {
		return err
	}

	e.Paths.Tree = relativize(basePath, treePath)
	e.Paths.Markdown = relativize(basePath, mdPath)
	return nil
}

func relativize(basePath, p string) string {
	rel, err := filepath.Rel(basePath, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}
