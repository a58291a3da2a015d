// Package registry reads and writes the document registry file: one JSON
// array mapping each document id to the relative paths of its artifacts.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the registry file at the root of the artifact directory.
const FileName = "papers_index.json"

// Paths locates a document's artifacts relative to the artifact root.
type Paths struct {
	Source      string `json:"json,omitempty"`
	Tree        string `json:"rag_tree,omitempty"`
	Markdown    string `json:"rag_md,omitempty"`
	VectorIndex string `json:"rag_vector_store,omitempty"`
}

// Entry is one registered document.
type Entry struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Paths Paths  `json:"paths"`
}

// Load reads the registry file. A missing file is an error; callers decide
// whether an absent registry means "not ready" or "empty corpus".
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return entries, nil
}

// Save writes the registry atomically (temp file + rename).
func Save(path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	_ = os.Remove(path)
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}

// Upsert replaces the entry with the same id, or appends it.
func Upsert(entries []Entry, e Entry) []Entry {
	for i := range entries {
		if entries[i].ID == e.ID {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

// ResolvePath joins a registry-relative path onto the artifact root;
// absolute paths pass through.
func ResolvePath(basePath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(basePath, p)
}
