package retriever

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mwhited/paperrag/internal/doctree"
)

// ScrollTarget tells a reading view where to scroll: the verbatim content of
// the best-scoring node, in both the source language and the translation so
// either rendering of the paper can be matched.
type ScrollTarget struct {
	IsTitle           bool   `json:"is_title"`
	NodeType          string `json:"node_type"`
	Content           string `json:"content"`
	TranslatedContent string `json:"translated_content"`
}

const contextPreamble = "Here are the passages of the paper most relevant to the question:"

// RetrieveWithContext searches one document and renders the hits back as
// structured context: passages grouped under their section headings in
// document order, with adjacent formulas stitched in. The second return is
// the scroll locator, present only when the best hit clears the locator
// threshold. Empty context with a nil locator means nothing relevant was
// found or the service is not ready; failures never propagate to the caller.
func (r *Retriever) RetrieveWithContext(ctx context.Context, query, docID string, topK int) (string, *ScrollTarget) {
	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}
	if !r.IsReady() {
		r.log.Warn("structured retrieval requested before service is ready", "doc_id", docID)
		return "", nil
	}

	results, err := r.search(ctx, query, docID, topK)
	if err != nil {
		r.log.Warn("structured retrieval failed", "doc_id", docID, "error", err)
		return "", nil
	}

	tree, err := r.ensureTree(ctx, docID)
	if err != nil {
		r.log.Warn("document tree unavailable", "doc_id", docID, "error", err)
		return "", nil
	}

	var filtered []struct {
		key   string
		score float32
	}
	for _, res := range results {
		if float64(res.Score) > r.cfg.ScoreFloor {
			filtered = append(filtered, struct {
				key   string
				score float32
			}{res.Key, res.Score})
		}
	}
	if len(filtered) == 0 {
		r.log.Info("no hits above relevance floor", "doc_id", docID, "candidates", len(results))
		return "", nil
	}
	topScore := filtered[0].score

	// Resolve hit keys to tree nodes. Keys that fell out of the key map or
	// no longer address a node are skipped, not fatal.
	selected := make(map[string]doctree.Node)
	var firstAddr string
	for _, hit := range filtered {
		addr, ok := tree.KeyMap[hit.key]
		if !ok {
			r.log.Warn("hit key missing from key map", "doc_id", docID, "key", hit.key)
			continue
		}
		node, ok := tree.Resolve(addr)
		if !ok {
			r.log.Warn("hit address does not resolve", "doc_id", docID, "addr", addr)
			continue
		}
		if firstAddr == "" {
			firstAddr = addr
		}
		selected[addr] = node
		stitchAdjacentFormulas(tree, addr, selected)
	}
	if len(selected) == 0 {
		r.log.Warn("no hits resolved to tree nodes", "doc_id", docID)
		return "", nil
	}

	addrs := make([]string, 0, len(selected))
	for a := range selected {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return doctree.CompareAddr(addrs[i], addrs[j]) < 0
	})

	parts := []string{contextPreamble}
	for _, addr := range addrs {
		parts = append(parts, "## "+tree.SectionHeading(addr))
		if body := renderNode(selected[addr]); body != "" {
			parts = append(parts, body)
		}
	}

	var target *ScrollTarget
	if float64(topScore) > r.cfg.LocatorThreshold && firstAddr != "" {
		target = scrollTarget(selected[firstAddr])
		r.log.Info("scroll locator enabled", "doc_id", docID, "score", topScore)
	} else {
		r.log.Info("scroll locator suppressed", "doc_id", docID, "score", topScore)
	}
	return strings.Join(parts, "\n\n"), target
}

// stitchAdjacentFormulas adds the formula items directly before and after a
// hit content item, so an equation is never shown without the prose around
// it (or vice versa). Non-content addresses are left alone.
func stitchAdjacentFormulas(tree *doctree.Tree, addr string, selected map[string]doctree.Node) {
	parts := strings.Split(strings.Trim(addr, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "content" {
		return
	}
	idx, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return
	}
	base := "/" + strings.Join(parts[:len(parts)-1], "/")
	for _, j := range []int{idx - 1, idx + 1} {
		if j < 0 {
			continue
		}
		adj := fmt.Sprintf("%s/%d", base, j)
		if _, ok := selected[adj]; ok {
			continue
		}
		node, ok := tree.Resolve(adj)
		if ok && node.Item != nil && node.Item.Type == doctree.TypeFormula {
			selected[adj] = node
		}
	}
}

// renderNode formats one selected node as a context passage.
func renderNode(node doctree.Node) string {
	if node.Section != nil {
		if node.Section.Summary != "" {
			return "Summary: " + node.Section.Summary
		}
		return ""
	}
	item := node.Item
	if item == nil {
		return ""
	}
	switch item.Type {
	case doctree.TypeText:
		if item.TranslatedContent != "" {
			return item.TranslatedContent
		}
		return item.Content
	case doctree.TypeFormula:
		out := item.Content
		if item.FormulaAnalysis != "" {
			out += "\n\nFormula analysis: " + item.FormulaAnalysis
		}
		return out
	case doctree.TypeFigure:
		if c := caption(item); c != "" {
			return "Figure: " + c
		}
		return ""
	case doctree.TypeTable:
		var parts []string
		if item.Content != "" {
			parts = append(parts, doctree.TableText(item.Content))
		}
		if c := caption(item); c != "" {
			parts = append(parts, "Table: "+c)
		}
		return strings.Join(parts, "\n\n")
	}
	return ""
}

func caption(item *doctree.ContentItem) string {
	if item.TranslatedCaption != "" {
		return item.TranslatedCaption
	}
	return item.Caption
}

// scrollTarget builds the locator payload for the best hit. Section hits
// point at the heading; content hits carry the node's verbatim text in both
// languages so the view can match either rendering.
func scrollTarget(node doctree.Node) *ScrollTarget {
	if node.Section != nil {
		return &ScrollTarget{
			IsTitle:           true,
			NodeType:          "section",
			Content:           node.Section.Title,
			TranslatedContent: node.Section.TranslatedTitle,
		}
	}
	item := node.Item
	if item == nil {
		return nil
	}
	t := &ScrollTarget{NodeType: item.Type}
	switch item.Type {
	case doctree.TypeText:
		t.Content = item.Content
		t.TranslatedContent = item.TranslatedContent
	case doctree.TypeFigure, doctree.TypeTable:
		t.Content = item.Caption
		t.TranslatedContent = item.TranslatedCaption
	case doctree.TypeFormula:
		t.Content = item.Content
		t.TranslatedContent = item.Content
	}
	return t
}
