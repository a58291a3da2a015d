package doctree

import (
	"log/slog"
	"strings"

	"golang.org/x/net/html"
)

// Placeholder rendered for nodes with no usable content. Every key must
// produce a non-empty block: a dropped key desynchronizes chunk metadata
// from the key map at retrieval time.
const emptyPlaceholder = "(content empty)"

// Markdown projects the tree into the flat text used as the chunking
// substrate: one block per key map entry, headed by the literal key, in
// document order. Keys whose addresses no longer resolve are skipped and
// logged; they cannot occur on a freshly built tree.
func (t *Tree) Markdown(log *slog.Logger) string {
	if log == nil {
		log = slog.Default()
	}

	var b strings.Builder
	for _, key := range t.SortedKeys() {
		addr := t.KeyMap[key]
		node, ok := t.Resolve(addr)
		if !ok {
			log.Warn("key map entry does not resolve", "key", key, "addr", addr)
			continue
		}
		b.WriteString("# ")
		b.WriteString(key)
		b.WriteString("\n")
		b.WriteString(renderBlock(node, key))
		b.WriteString("\n\n")
	}
	return b.String()
}

// renderBlock renders one node's body text for its markdown block.
func renderBlock(node Node, key string) string {
	if node.Section != nil {
		sec := node.Section
		if sec.Summary != "" {
			return sec.Summary
		}
		var parts []string
		if sec.Title != "" {
			parts = append(parts, "**"+sec.Title+"**")
		}
		if sec.TranslatedTitle != "" && sec.TranslatedTitle != sec.Title {
			parts = append(parts, "("+sec.TranslatedTitle+")")
		}
		if len(parts) == 0 {
			return emptyPlaceholder
		}
		return strings.Join(parts, " ")
	}

	item := node.Item
	switch item.Type {
	case TypeText:
		body := item.TranslatedContent
		if body == "" {
			body = item.Content
		}
		return joinNonEmpty(item.Questions, body)

	case TypeFigure:
		caption := item.TranslatedCaption
		if caption == "" {
			caption = item.Caption
		}
		return joinNonEmpty(item.Questions, caption)

	case TypeTable:
		caption := item.TranslatedCaption
		if caption == "" {
			caption = item.Caption
		}
		if s := joinNonEmpty(item.Questions, caption); s != emptyPlaceholder {
			return s
		}
		if body := TableText(item.Content); body != "" {
			return "(table without caption)\n" + body
		}
		return emptyPlaceholder

	case TypeFormula:
		return joinNonEmpty(item.Content, item.FormulaAnalysis)
	}

	return emptyPlaceholder
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return emptyPlaceholder
	}
	return strings.Join(kept, "\n")
}

// TableText flattens raw table cell content to plain text. Upstream
// extraction emits table bodies as HTML fragments; non-HTML content passes
// through untouched.
func TableText(content string) string {
	content = strings.TrimSpace(content)
	if content == "" || !strings.Contains(content, "<") {
		return content
	}
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return content
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}
