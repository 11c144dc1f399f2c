package chunker

import (
	"strings"
	"testing"
)

func TestSplitEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\n", "\f\f"} {
		if got := Split("doc-1", text, 512); got != nil {
			t.Errorf("Split(%q) = %d chunks, want none", text, len(got))
		}
	}
}

func TestSplitRespectsTokenBudget(t *testing.T) {
	text := "One two three. Four five six. Seven eight nine. Ten eleven twelve."
	chunks := Split("doc-1", text, 6)
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	for _, c := range chunks {
		if c.Tokens > 6 {
			t.Errorf("chunk %d has %d tokens, budget is 6: %q", c.Seq, c.Tokens, c.Text)
		}
		if c.Tokens != CountTokens(c.Text) {
			t.Errorf("chunk %d reports %d tokens, text has %d", c.Seq, c.Tokens, CountTokens(c.Text))
		}
	}
}

func TestSplitMergesShortSentences(t *testing.T) {
	text := "A b. C d. E f."
	chunks := Split("doc-1", text, 100)
	if len(chunks) != 1 {
		t.Fatalf("expected one merged chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "A b. C d. E f." {
		t.Errorf("merged text = %q", chunks[0].Text)
	}
	if chunks[0].Tokens != 6 {
		t.Errorf("tokens = %d, want 6", chunks[0].Tokens)
	}
}

func TestSplitPreservesAllWords(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog. " +
		"Pack my box with five dozen liquor jugs! " +
		"How vexingly quick daft zebras jump?"
	chunks := Split("doc-1", text, 8)

	var got []string
	for _, c := range chunks {
		got = append(got, strings.Fields(c.Text)...)
	}
	want := strings.Fields(text)
	if len(got) != len(want) {
		t.Fatalf("got %d words across chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitSequenceAndOrdering(t *testing.T) {
	text := "First sentence here. Second sentence here. Third sentence here."
	chunks := Split("doc-1", text, 3)
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("chunk %d has Seq %d", i, c.Seq)
		}
		if c.DocumentID != "doc-1" {
			t.Errorf("chunk %d has DocumentID %q", i, c.DocumentID)
		}
	}
}

func TestSplitNeverSpansPages(t *testing.T) {
	text := "Alpha beta.\fGamma delta.\fEpsilon zeta."
	chunks := Split("doc-1", text, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks (one per page), got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Page != i+1 {
			t.Errorf("chunk %d on page %d, want %d", i, c.Page, i+1)
		}
	}
}

func TestSplitHardSplitsOversizedSentence(t *testing.T) {
	words := make([]string, 25)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ") + "."
	chunks := Split("doc-1", text, 10)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 pieces for 25 words at budget 10, got %d", len(chunks))
	}
	if chunks[0].Tokens != 10 || chunks[1].Tokens != 10 || chunks[2].Tokens != 5 {
		t.Errorf("piece tokens = %d, %d, %d; want 10, 10, 5",
			chunks[0].Tokens, chunks[1].Tokens, chunks[2].Tokens)
	}
	// Offsets of later pieces must point into the original sentence.
	if chunks[1].Offset <= chunks[0].Offset || chunks[2].Offset <= chunks[1].Offset {
		t.Errorf("piece offsets not increasing: %d, %d, %d",
			chunks[0].Offset, chunks[1].Offset, chunks[2].Offset)
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := "Some repeated content. More repeated content! Final bit?"
	a := Split("doc-1", text, 4)
	b := Split("doc-1", text, 4)
	if len(a) != len(b) {
		t.Fatalf("non-deterministic chunk count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between runs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestCountTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"one", 1},
		{"one two  three", 3},
		{"tabs\tand\nnewlines", 3},
	}
	for _, tc := range cases {
		if got := CountTokens(tc.in); got != tc.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
