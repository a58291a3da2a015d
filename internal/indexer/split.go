package indexer

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/mwhited/paperrag/internal/vecstore"
)

// SplitChunks splits a markdown projection into chunks at level-1 header
// boundaries. Each heading's literal text is the chunk's key; the blocks up
// to the next heading form its body. One chunk per key is the invariant the
// retriever's key resolution depends on.
func SplitChunks(markdown string) []vecstore.Chunk {
	src := []byte(markdown)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(src))

	var chunks []vecstore.Chunk
	var key string
	var body bytes.Buffer
	inChunk := false

	flush := func() {
		if !inChunk {
			return
		}
		chunks = append(chunks, vecstore.Chunk{
			Key:  key,
			Text: strings.TrimSpace(body.String()),
		})
		body.Reset()
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			flush()
			key = headingText(h, src)
			inChunk = true
			continue
		}
		if !inChunk {
			continue
		}
		if t := blockText(n, src); t != "" {
			if body.Len() > 0 {
				body.WriteString("\n\n")
			}
			body.WriteString(t)
		}
	}
	flush()
	return chunks
}

// headingText returns the heading's raw source text. Keys are compared
// byte-for-byte against the key map at retrieval time, so markdown
// metacharacters in a section title must survive verbatim; inline parsing
// would strip them.
func headingText(h *ast.Heading, src []byte) string {
	var buf bytes.Buffer
	lines := h.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		buf.Write(line.Value(src))
	}
	return strings.TrimSpace(buf.String())
}

// blockText extracts the text content of a goldmark block node.
func blockText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	if n.Type() == ast.TypeBlock {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			buf.Write(line.Value(src))
		}
	}
	if buf.Len() == 0 {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				buf.Write(t.Value(src))
				if t.HardLineBreak() || t.SoftLineBreak() {
					buf.WriteByte('\n')
				}
			} else {
				buf.WriteString(blockText(c, src))
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
