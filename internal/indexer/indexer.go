// Package indexer builds the persisted vector index for one document from
// its markdown projection, degrading gracefully when the embedding
// accelerator runs out of memory: device fallback first, then sub-batch
// construction with recursive batch halving.
package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mwhited/paperrag/internal/embed"
	"github.com/mwhited/paperrag/internal/vecstore"
)

// Embedder is the slice of the embedding provider the builder needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Reset(forceCPU bool)
	Device() string
}

// Builder turns markdown projections into vector stores.
type Builder struct {
	provider   Embedder
	log        *slog.Logger
	batchParts int
}

func NewBuilder(provider Embedder, log *slog.Logger, batchParts int) *Builder {
	if batchParts <= 0 {
		batchParts = 4
	}
	return &Builder{provider: provider, log: log, batchParts: batchParts}
}

// Build embeds every chunk of the markdown projection and assembles a
// store. Escalation on memory exhaustion:
//
//  1. reset the provider to CPU and retry the whole set once;
//  2. split into batchParts sub-batches, build each separately and merge,
//     halving the sub-batch size on repeated failure;
//  3. fail once the sub-batch size cannot shrink below one chunk.
//
// Any non-OOM error propagates immediately.
func (b *Builder) Build(ctx context.Context, markdown string) (*vecstore.Store, error) {
	chunks := SplitChunks(markdown)
	if len(chunks) == 0 {
		b.log.Warn("markdown projection produced no chunks")
		return vecstore.New(nil, nil)
	}

	store, err := b.buildAll(ctx, chunks)
	if err == nil {
		return store, nil
	}
	if !embed.IsOOM(err) {
		return nil, err
	}

	b.log.Warn("embedding out of memory, switching provider to cpu", "chunks", len(chunks), "error", err)
	b.provider.Reset(true)

	store, err = b.buildAll(ctx, chunks)
	if err == nil {
		return store, nil
	}
	if !embed.IsOOM(err) {
		return nil, err
	}

	b.log.Warn("cpu embedding exhausted memory, building in sub-batches", "chunks", len(chunks), "error", err)
	batchSize := max(1, len(chunks)/b.batchParts)
	return b.buildBatched(ctx, chunks, batchSize)
}

// BuildAndSave builds the index and persists it at dir, overwriting any
// existing index there.
func (b *Builder) BuildAndSave(ctx context.Context, markdown, dir string) error {
	store, err := b.Build(ctx, markdown)
	if err != nil {
		return err
	}
	if err := store.Save(dir); err != nil {
		return fmt.Errorf("persist vector index: %w", err)
	}
	b.log.Info("vector index persisted", "dir", dir, "chunks", store.Len(), "device", b.provider.Device())
	return nil
}

func (b *Builder) buildAll(ctx context.Context, chunks []vecstore.Chunk) (*vecstore.Store, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := b.provider.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	return vecstore.New(chunks, vectors)
}

// buildBatched builds the chunk set as sub-batches merged sequentially.
// When one sub-batch exhausts memory the remaining chunks are retried with
// half the batch size; batch size one failing is fatal.
func (b *Builder) buildBatched(ctx context.Context, chunks []vecstore.Chunk, batchSize int) (*vecstore.Store, error) {
	var store *vecstore.Store
	for i := 0; i < len(chunks); i += batchSize {
		end := min(i+batchSize, len(chunks))
		part, err := b.buildAll(ctx, chunks[i:end])
		if err != nil {
			if !embed.IsOOM(err) {
				return nil, err
			}
			if batchSize <= 1 {
				return nil, fmt.Errorf("index construction failed at batch size 1: %w", err)
			}
			half := batchSize / 2
			b.log.Warn("sub-batch out of memory, halving", "batch_size", batchSize, "next", half)
			rest, err := b.buildBatched(ctx, chunks[i:], half)
			if err != nil {
				return nil, err
			}
			if store == nil {
				return rest, nil
			}
			if err := store.Merge(rest); err != nil {
				return nil, err
			}
			return store, nil
		}
		if store == nil {
			store = part
			continue
		}
		if err := store.Merge(part); err != nil {
			return nil, err
		}
	}
	return store, nil
}
