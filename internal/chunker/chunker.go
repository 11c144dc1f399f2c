// Package chunker splits cleaned, page-segmented document text into
// bounded-length passages with positional metadata. Passages are the unit
// of embedding and retrieval; their ordering is stable and matches source
// document order, which citation reporting relies on.
package chunker

import (
	"regexp"
	"strings"
)

// Chunk is one bounded-length passage of a document. Immutable once
// created.
type Chunk struct {
	DocumentID string
	// Seq is the chunk's position in the document, starting at 0.
	Seq int
	// Page is the 1-based page the chunk starts on. Pages are delimited
	// by form-feed characters in the parsed text.
	Page int
	// Offset is the rune offset of the chunk's first sentence within its
	// page.
	Offset int
	Text   string
	Tokens int
}

// sentenceRE matches one sentence: a run of non-terminator characters
// followed by any terminators, or a trailing fragment without one.
var sentenceRE = regexp.MustCompile(`[^.!?\n]+[.!?]*`)

// Split breaks text into chunks of at most maxTokens tokens each. It splits
// on paragraph and sentence boundaries first and merges short segments up to
// the budget; a sentence is never split unless it alone exceeds maxTokens,
// in which case it is hard-split at the token boundary. Empty or
// whitespace-only input yields no chunks.
func Split(docID, text string, maxTokens int) []Chunk {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	var cur []string
	curTokens := 0
	curPage, curOffset := 0, 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			DocumentID: docID,
			Seq:        len(chunks),
			Page:       curPage,
			Offset:     curOffset,
			Text:       strings.Join(cur, " "),
			Tokens:     curTokens,
		})
		cur = cur[:0]
		curTokens = 0
	}

	for pageIdx, page := range strings.Split(text, "\f") {
		pageNo := pageIdx + 1
		for _, loc := range sentenceRE.FindAllStringIndex(page, -1) {
			sentence := strings.TrimSpace(page[loc[0]:loc[1]])
			if sentence == "" {
				continue
			}
			offset := len([]rune(page[:loc[0]]))
			n := CountTokens(sentence)

			if n > maxTokens {
				flush()
				for _, piece := range hardSplit(sentence, maxTokens) {
					chunks = append(chunks, Chunk{
						DocumentID: docID,
						Seq:        len(chunks),
						Page:       pageNo,
						Offset:     offset + piece.offset,
						Text:       piece.text,
						Tokens:     piece.tokens,
					})
				}
				continue
			}
			if curTokens+n > maxTokens {
				flush()
			}
			if len(cur) == 0 {
				curPage, curOffset = pageNo, offset
			}
			cur = append(cur, sentence)
			curTokens += n
		}
		// Chunks never span a page boundary; offsets are per-page.
		flush()
	}
	return chunks
}

// CountTokens returns the whitespace-delimited token count of s. The
// embedding service's exact tokenizer is opaque, so the chunk budget is a
// conservative word count rather than a model vocabulary count.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}

type piece struct {
	text   string
	offset int
	tokens int
}

// hardSplit cuts an oversized sentence into consecutive token groups of at
// most maxTokens, preserving per-piece rune offsets into the sentence.
func hardSplit(sentence string, maxTokens int) []piece {
	words, offsets := fieldsWithOffsets(sentence)
	var pieces []piece
	for start := 0; start < len(words); start += maxTokens {
		end := min(start+maxTokens, len(words))
		pieces = append(pieces, piece{
			text:   strings.Join(words[start:end], " "),
			offset: offsets[start],
			tokens: end - start,
		})
	}
	return pieces
}

// fieldsWithOffsets is strings.Fields plus the rune offset of each field.
func fieldsWithOffsets(s string) ([]string, []int) {
	var words []string
	var offsets []int
	runes := []rune(s)
	i := 0
	for i < len(runes) {
		for i < len(runes) && isSpace(runes[i]) {
			i++
		}
		if i >= len(runes) {
			break
		}
		start := i
		for i < len(runes) && !isSpace(runes[i]) {
			i++
		}
		words = append(words, string(runes[start:i]))
		offsets = append(offsets, start)
	}
	return words, offsets
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v'
}
