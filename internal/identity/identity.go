// Package identity computes content-addressed identifiers for documents,
// chunks, and index builds. Every function here is pure: no randomness, no
// clock dependence. Re-running over unchanged input always yields the same
// identifier, which is what makes re-indexing idempotent.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// DocumentID derives a document identifier from the raw file bytes and the
// extracted text. Re-extraction that changes the text yields a new id even
// when the file bytes are unchanged.
func DocumentID(fileBytes []byte, extractedText string) string {
	h := sha256.New()
	h.Write(fileBytes)
	h.Write([]byte(extractedText))
	return hex.EncodeToString(h.Sum(nil))
}

// FileHash hashes the raw file bytes.
func FileHash(fileBytes []byte) string {
	sum := sha256.Sum256(fileBytes)
	return hex.EncodeToString(sum[:])
}

// TextHash hashes the extracted text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkHash hashes a chunk's text. Two chunks with identical text share a
// hash regardless of location.
func ChunkHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID derives a chunk identifier from its document, location, and
// content. Identical content at the identical location in the identical
// document collides by design: that collision is the dedup key for
// idempotent upserts.
func ChunkID(docID string, page, startWord, endWord int, chunkText string) string {
	payload := fmt.Sprintf("%s|%d|%d|%d|%s", docID, page, startWord, endWord, ChunkHash(chunkText))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// CorpusFingerprint hashes the sorted set of document ids in a build. Any
// corpus change (addition, removal, re-extraction) changes the fingerprint.
// The input slice is not mutated.
func CorpusFingerprint(docIDs []string) string {
	sorted := make([]string, len(docIDs))
	copy(sorted, docIDs)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey identifies a logically-repeatable build: same embedding
// model, chunking config, and corpus fingerprint produce the same key.
func IdempotencyKey(embeddingModel string, chunkWords, chunkOverlap int, corpusFingerprint string) string {
	payload := fmt.Sprintf("%s|%d|%d|%s", embeddingModel, chunkWords, chunkOverlap, corpusFingerprint)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
