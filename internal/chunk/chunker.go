// Package chunk splits extracted document text into overlapping word
// windows. Chunks are the retrieval unit: each carries its page and word
// range so its identity stays stable across rebuilds.
package chunk

import (
	"strings"
)

// Chunk is one retrievable window of document text. All fields are
// required; a chunk is never a bare string.
type Chunk struct {
	Text      string
	Page      int // 1-indexed page, 1 for single-page sources
	StartWord int // inclusive, 0-indexed offset within the page
	EndWord   int // exclusive
}

// Config configures the word-window chunker.
type Config struct {
	// ChunkWords is the window size in words.
	ChunkWords int
	// ChunkOverlap is how many words consecutive windows share.
	ChunkOverlap int
}

// Chunker produces word-window chunks with overlap.
type Chunker struct {
	words   int
	overlap int
}

// New creates a chunker. Zero or negative window size falls back to 220
// words; overlap is clamped into [0, words).
func New(cfg Config) *Chunker {
	words := cfg.ChunkWords
	if words <= 0 {
		words = 220
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= words {
		overlap = words - 1
	}
	return &Chunker{words: words, overlap: overlap}
}

// ChunkWords returns the configured window size.
func (c *Chunker) ChunkWords() int { return c.words }

// ChunkOverlap returns the configured overlap.
func (c *Chunker) ChunkOverlap() int { return c.overlap }

// ChunkPages chunks per-page text in page order. Pages are 1-indexed in the
// produced chunks. Empty and whitespace-only pages yield no chunks; a fully
// empty document yields an empty slice, never an error.
func (c *Chunker) ChunkPages(pages []string) []Chunk {
	var chunks []Chunk
	for i, page := range pages {
		chunks = append(chunks, c.chunkPage(page, i+1)...)
	}
	return chunks
}

// ChunkText chunks a single body of text as page 1.
func (c *Chunker) ChunkText(text string) []Chunk {
	return c.chunkPage(text, 1)
}

func (c *Chunker) chunkPage(text string, page int) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := c.words - c.overlap
	var chunks []Chunk
	for start := 0; start < len(words); start += step {
		end := start + c.words
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			Text:      strings.Join(words[start:end], " "),
			Page:      page,
			StartWord: start,
			EndWord:   end,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
