// Package doctree holds the normalized document tree for one paper: the
// section hierarchy produced from the upstream extraction JSON, the key map
// that names every node, and the markdown projection used as the chunking
// substrate for indexing.
package doctree

// Tree is the root of a normalized paper.
type Tree struct {
	Title           string            `json:"title"`
	TranslatedTitle string            `json:"translated_title"`
	Abstract        Abstract          `json:"abstract"`
	Sections        []*Section        `json:"sections"`
	KeyMap          map[string]string `json:"key_map"`
}

// Abstract is the concatenated abstract text in both languages.
type Abstract struct {
	Content           string `json:"content"`
	TranslatedContent string `json:"translated_content"`
}

// Section is one (possibly nested) section of the paper.
type Section struct {
	Title           string         `json:"title"`
	TranslatedTitle string         `json:"translated_title"`
	Level           int            `json:"level"`
	Summary         string         `json:"summary"`
	Content         []*ContentItem `json:"content"`
	Children        []*Section     `json:"children"`
}

// Content item types.
const (
	TypeText    = "text"
	TypeFigure  = "figure"
	TypeTable   = "table"
	TypeFormula = "formula"
)

// ContentItem is one typed block inside a section's content list. Only the
// fields relevant to its Type are populated.
type ContentItem struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	// text, table, formula
	Content           string `json:"content,omitempty"`
	TranslatedContent string `json:"translated_content,omitempty"`

	// text, figure, table
	Questions string `json:"questions,omitempty"`

	// figure
	Src string `json:"src,omitempty"`
	Alt string `json:"alt,omitempty"`

	// figure, table
	Caption           string `json:"caption,omitempty"`
	TranslatedCaption string `json:"translated_caption,omitempty"`

	// formula
	FormulaAnalysis string `json:"formula_analysis,omitempty"`
}

// Node is the result of resolving a tree address: either a section or a
// content item, never both.
type Node struct {
	Section *Section
	Item    *ContentItem
}

// IsZero reports whether the node resolved to nothing.
func (n Node) IsZero() bool {
	return n.Section == nil && n.Item == nil
}
