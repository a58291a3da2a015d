package indexer

import "testing"

func TestSplitChunks(t *testing.T) {
	md := "# Paper/Intro/section\nWhy it matters.\n\n" +
		"# Paper/Intro/section/0/text\nBody one.\n\nSecond paragraph.\n\n" +
		"# Paper/Intro/section/1/formula\nE = mc^2\n\n"

	chunks := SplitChunks(md)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Key != "Paper/Intro/section" {
		t.Errorf("expected slash-bearing key preserved, got %q", chunks[0].Key)
	}
	if chunks[0].Text != "Why it matters." {
		t.Errorf("unexpected body %q", chunks[0].Text)
	}
	if chunks[1].Key != "Paper/Intro/section/0/text" {
		t.Errorf("unexpected key %q", chunks[1].Key)
	}
	if chunks[1].Text != "Body one.\n\nSecond paragraph." {
		t.Errorf("expected multi-paragraph body, got %q", chunks[1].Text)
	}
	if chunks[2].Text != "E = mc^2" {
		t.Errorf("unexpected formula body %q", chunks[2].Text)
	}
}

func TestSplitChunks_IgnoresPreamble(t *testing.T) {
	md := "stray text before any heading\n\n# Key One\nbody\n"
	chunks := SplitChunks(md)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Key != "Key One" || chunks[0].Text != "body" {
		t.Errorf("unexpected chunk %+v", chunks[0])
	}
}

func TestSplitChunks_KeysKeepMarkdownMetacharacters(t *testing.T) {
	// Section titles flow into keys verbatim; inline markdown in a title
	// must not be parsed away or the key map lookup misses at retrieval.
	md := "# Paper/The *Attention* Trick/section\nbody one\n\n" +
		"# Paper/Results for `go test`/section\nbody two\n"

	chunks := SplitChunks(md)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Key != "Paper/The *Attention* Trick/section" {
		t.Errorf("expected emphasis markers preserved, got %q", chunks[0].Key)
	}
	if chunks[1].Key != "Paper/Results for `go test`/section" {
		t.Errorf("expected backticks preserved, got %q", chunks[1].Key)
	}
}

func TestSplitChunks_OnlyTopLevelHeadingsSplit(t *testing.T) {
	md := "# Key One\nbody\n\n## subsection\nmore body\n"
	chunks := SplitChunks(md)
	if len(chunks) != 1 {
		t.Fatalf("expected level-2 heading to stay inside the chunk, got %d chunks", len(chunks))
	}
}

func TestSplitChunks_Empty(t *testing.T) {
	if got := SplitChunks(""); len(got) != 0 {
		t.Errorf("expected no chunks, got %v", got)
	}
}
