package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Chunk is a content-addressed slice of document text. Identical input
// text always yields identical {Index, Hash, Content} sequences, which is
// what makes cross-version reuse detection possible.
type Chunk struct {
	Index   int
	Hash    string
	Content string
}

// Window is a retrieval-only slice used for embeddings. Windows overlap
// and do not participate in storage chunk identity.
type Window struct {
	Index   int
	Content string
}

const (
	DefaultChunkSize    = 1000 // characters
	DefaultWindowWords  = 500
	DefaultOverlapWords = 50
)

// HashText returns the hex SHA-256 of the exact text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Split breaks text on word boundaries into chunks targeting chunkSize
// characters. Words longer than the budget become their own chunk rather
// than being cut mid-word.
func Split(text string, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []Chunk
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		content := current.String()
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Hash:    HashText(content),
			Content: content,
		})
		current.Reset()
	}

	for _, w := range words {
		if current.Len() > 0 && current.Len()+1+len(w) > chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
	}
	flush()

	return chunks
}

// EmbedWindows produces overlapping word windows for retrieval. The last
// window may be shorter than windowWords.
func EmbedWindows(text string, windowWords, overlapWords int) []Window {
	if windowWords <= 0 {
		windowWords = DefaultWindowWords
	}
	if overlapWords < 0 || overlapWords >= windowWords {
		overlapWords = DefaultOverlapWords
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := windowWords - overlapWords
	var windows []Window
	for start := 0; start < len(words); start += step {
		end := start + windowWords
		if end > len(words) {
			end = len(words)
		}
		windows = append(windows, Window{
			Index:   len(windows),
			Content: strings.Join(words[start:end], " "),
		})
		if end == len(words) {
			break
		}
	}
	return windows
}
