package doctree

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawPaper mirrors the upstream extraction JSON. Sections still carry a type
// tag ("abstract", "references", ...) and fields we do not retain.
type rawPaper struct {
	Title           string       `json:"title"`
	TranslatedTitle string       `json:"translated_title"`
	Sections        []rawSection `json:"sections"`
}

type rawSection struct {
	Type            string       `json:"type"`
	Title           string       `json:"title"`
	TranslatedTitle string       `json:"translated_title"`
	Summary         string       `json:"summary"`
	Content         []rawContent `json:"content"`
	Children        []rawSection `json:"children"`
}

type rawContent struct {
	Type              string `json:"type"`
	Content           string `json:"content"`
	TranslatedContent string `json:"translated_content"`
	Questions         string `json:"questions"`
	Src               string `json:"src"`
	Alt               string `json:"alt"`
	Caption           string `json:"caption"`
	TranslatedCaption string `json:"translated_caption"`
	FormulaAnalysis   string `json:"formula_analysis"`
}

// Build normalizes a raw extraction document into a Tree: the abstract is
// pulled into a dedicated field, abstract/references sections are dropped,
// levels and content indices are reassigned, and the key map is generated.
// A document with no sections yields an empty tree with an empty key map
// rather than an error; only undecodable JSON fails.
func Build(raw []byte) (*Tree, error) {
	var paper rawPaper
	if err := json.Unmarshal(raw, &paper); err != nil {
		return nil, fmt.Errorf("decode extraction json: %w", err)
	}

	tree := &Tree{
		Title:           paper.Title,
		TranslatedTitle: paper.TranslatedTitle,
		Abstract:        extractAbstract(paper.Sections),
		Sections:        normalizeSections(filterSections(paper.Sections), 1),
	}
	tree.KeyMap = map[string]string{}
	buildKeyMap(tree.KeyMap, tree.Sections, tree.Title, "", "")
	return tree, nil
}

// extractAbstract concatenates the text items of the abstract-typed section.
func extractAbstract(sections []rawSection) Abstract {
	for _, sec := range sections {
		if sec.Type != "abstract" {
			continue
		}
		var content, translated []string
		for _, item := range sec.Content {
			if item.Type == TypeText {
				content = append(content, item.Content)
				translated = append(translated, item.TranslatedContent)
			}
		}
		return Abstract{
			Content:           strings.Join(content, "\n"),
			TranslatedContent: strings.Join(translated, "\n"),
		}
	}
	return Abstract{}
}

// filterSections drops abstract- and references-typed sections; the abstract
// has already been lifted to the root and references carry no retrievable
// body text.
func filterSections(sections []rawSection) []rawSection {
	var kept []rawSection
	for _, sec := range sections {
		if sec.Type == "abstract" || sec.Type == "references" {
			continue
		}
		kept = append(kept, sec)
	}
	return kept
}

// normalizeSections reassigns levels and content indices recursively and
// strips everything but the type-specific fields.
func normalizeSections(sections []rawSection, level int) []*Section {
	out := make([]*Section, 0, len(sections))
	for _, sec := range sections {
		ns := &Section{
			Title:           sec.Title,
			TranslatedTitle: sec.TranslatedTitle,
			Level:           level,
			Summary:         sec.Summary,
			Content:         make([]*ContentItem, 0, len(sec.Content)),
		}
		for i, item := range sec.Content {
			ni := &ContentItem{Type: item.Type, Index: i}
			switch item.Type {
			case TypeText:
				ni.Content = item.Content
				ni.TranslatedContent = item.TranslatedContent
				ni.Questions = item.Questions
			case TypeFigure:
				ni.Src = item.Src
				ni.Alt = item.Alt
				ni.Caption = item.Caption
				ni.TranslatedCaption = item.TranslatedCaption
				ni.Questions = item.Questions
			case TypeTable:
				ni.Content = item.Content
				ni.Caption = item.Caption
				ni.TranslatedCaption = item.TranslatedCaption
				ni.Questions = item.Questions
			case TypeFormula:
				ni.Content = item.Content
				ni.FormulaAnalysis = item.FormulaAnalysis
			}
			ns.Content = append(ns.Content, ni)
		}
		if len(sec.Children) > 0 {
			ns.Children = normalizeSections(sec.Children, level+1)
		} else {
			ns.Children = []*Section{}
		}
		out = append(out, ns)
	}
	return out
}

// buildKeyMap emits one key per section and one per content item. Addresses
// for nested sections thread through a "children" segment: a top-level
// section lives at /sections/{i}, its subsection at /sections/{i}/children/{j}.
// Getting that indirection wrong silently breaks retrieval for any paper
// with nested subsections.
func buildKeyMap(keyMap map[string]string, sections []*Section, docTitle, parentTitles, parentAddr string) {
	for i, sec := range sections {
		titleChain := sec.Title
		if parentTitles != "" {
			titleChain = parentTitles + "/" + sec.Title
		}
		addr := fmt.Sprintf("/sections/%d", i)
		if parentAddr != "" {
			addr = fmt.Sprintf("%s/%d", parentAddr, i)
		}

		sectionKey := docTitle + "/" + titleChain + "/section"
		keyMap[sectionKey] = addr

		for j, item := range sec.Content {
			keyMap[fmt.Sprintf("%s/%d/%s", sectionKey, j, item.Type)] = fmt.Sprintf("%s/content/%d", addr, j)
		}

		if len(sec.Children) > 0 {
			buildKeyMap(keyMap, sec.Children, docTitle, titleChain, addr+"/children")
		}
	}
}
