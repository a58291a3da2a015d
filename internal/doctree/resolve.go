package doctree

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Resolve walks a slash-delimited tree address ("/sections/0/children/1/
// content/2") down to its node. It never panics: any unknown field name,
// unparsable index, or out-of-range index reports not-found. Addresses are
// only valid against the tree that generated them; rebuilding the tree
// invalidates previously issued addresses.
func (t *Tree) Resolve(addr string) (Node, bool) {
	parts := strings.Split(strings.Trim(addr, "/"), "/")
	if len(parts) < 2 || parts[0] != "sections" {
		return Node{}, false
	}
	i, err := strconv.Atoi(parts[1])
	if err != nil || i < 0 || i >= len(t.Sections) {
		return Node{}, false
	}
	sec := t.Sections[i]

	rest := parts[2:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return Node{}, false
		}
		idx, err := strconv.Atoi(rest[1])
		if err != nil || idx < 0 {
			return Node{}, false
		}
		switch rest[0] {
		case "children":
			if idx >= len(sec.Children) {
				return Node{}, false
			}
			sec = sec.Children[idx]
			rest = rest[2:]
		case "content":
			if len(rest) != 2 || idx >= len(sec.Content) {
				return Node{}, false
			}
			return Node{Item: sec.Content[idx]}, true
		default:
			return Node{}, false
		}
	}
	return Node{Section: sec}, true
}

// SetNodeText mutates a single node's text in place, addressed the same way
// retrieval addresses it. Used by the translation-edit pathway. For sections
// the title is edited; for content items the body or caption, depending on
// type. Returns false when the address does not resolve.
func (t *Tree) SetNodeText(addr string, translated bool, text string) bool {
	node, ok := t.Resolve(addr)
	if !ok {
		return false
	}
	if node.Section != nil {
		if translated {
			node.Section.TranslatedTitle = text
		} else {
			node.Section.Title = text
		}
		return true
	}
	item := node.Item
	switch item.Type {
	case TypeFigure, TypeTable:
		if translated {
			item.TranslatedCaption = text
		} else {
			item.Caption = text
		}
	default:
		if translated && item.Type == TypeText {
			item.TranslatedContent = text
		} else {
			item.Content = text
		}
	}
	return true
}

// CompareAddr orders two tree addresses in document order. Integer segments
// compare numerically, so /sections/2 sorts before /sections/10, and a
// section sorts before its own content and children.
func CompareAddr(a, b string) int {
	as := strings.Split(strings.Trim(a, "/"), "/")
	bs := strings.Split(strings.Trim(b, "/"), "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if ai < bi {
				return -1
			}
			return 1
		}
		return strings.Compare(as[i], bs[i])
	}
	return len(as) - len(bs)
}

// SortedKeys returns the key map's keys ordered by the document order of the
// addresses they resolve to. Go map iteration is randomized, so every
// consumer that needs a stable chunk stream goes through this.
func (t *Tree) SortedKeys() []string {
	keys := make([]string, 0, len(t.KeyMap))
	for k := range t.KeyMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return CompareAddr(t.KeyMap[keys[i]], t.KeyMap[keys[j]]) < 0
	})
	return keys
}

// SectionHeading builds the human-readable hierarchical title for the node
// at addr, walking every ancestor section and preferring translated titles:
// "Parent > Child". Falls back to the raw address when nothing resolves.
func (t *Tree) SectionHeading(addr string) string {
	parts := strings.Split(strings.Trim(addr, "/"), "/")
	if len(parts) < 2 || parts[0] != "sections" {
		return fmt.Sprintf("Section %s", addr)
	}

	var titles []string
	sections := t.Sections
	rest := parts
	for len(rest) >= 2 {
		idx, err := strconv.Atoi(rest[1])
		if err != nil || idx < 0 || idx >= len(sections) {
			break
		}
		sec := sections[idx]
		title := sec.TranslatedTitle
		if title == "" {
			title = sec.Title
		}
		if title != "" {
			titles = append(titles, title)
		}
		rest = rest[2:]
		if len(rest) >= 2 && rest[0] == "children" {
			sections = sec.Children
			continue
		}
		break
	}

	if len(titles) == 0 {
		return fmt.Sprintf("Section %s", addr)
	}
	return strings.Join(titles, " > ")
}
