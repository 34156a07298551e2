package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("word%04d", i)
	}
	return strings.Join(parts, " ")
}

func TestHashText_Deterministic(t *testing.T) {
	a := HashText("the same text")
	b := HashText("the same text")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, HashText("the same text."))
}

func TestSplit_Deterministic(t *testing.T) {
	text := words(600)

	first := Split(text, 200)
	second := Split(text, 200)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Hash, second[i].Hash)
		assert.Equal(t, first[i].Content, second[i].Content)
		assert.Equal(t, i, first[i].Index)
	}
}

func TestSplit_RespectsWordBoundaries(t *testing.T) {
	text := words(300)
	chunks := Split(text, 100)

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		for _, w := range strings.Fields(c.Content) {
			assert.True(t, strings.HasPrefix(w, "word"), "word split mid-token: %q", w)
			assert.Len(t, w, 8)
		}
	}

	// Reassembly loses only the inter-chunk separators.
	var all []string
	for _, c := range chunks {
		all = append(all, c.Content)
	}
	assert.Equal(t, text, strings.Join(all, " "))
}

func TestSplit_OversizedWordGetsOwnChunk(t *testing.T) {
	long := strings.Repeat("x", 50)
	chunks := Split("a "+long+" b", 10)

	require.Len(t, chunks, 3)
	assert.Equal(t, long, chunks[1].Content)
}

func TestSplit_Empty(t *testing.T) {
	assert.Nil(t, Split("", 100))
	assert.Nil(t, Split("   \n\t  ", 100))
}

func TestSplit_LocalizedEdit(t *testing.T) {
	base := words(600)
	edited := strings.Replace(base, "word0500", "CHANGED", 1)

	a := Split(base, 200)
	b := Split(edited, 200)
	require.Equal(t, len(a), len(b))

	differing := 0
	for i := range a {
		if a[i].Hash != b[i].Hash {
			differing++
		}
	}
	assert.Equal(t, 1, differing, "a one-word edit should invalidate exactly one chunk")
}

func TestEmbedWindows_Overlap(t *testing.T) {
	text := words(120)
	wins := EmbedWindows(text, 50, 10)

	require.Len(t, wins, 3)
	for i, w := range wins {
		assert.Equal(t, i, w.Index)
	}

	// Each window after the first starts overlapWords before the
	// previous one ended.
	first := strings.Fields(wins[0].Content)
	second := strings.Fields(wins[1].Content)
	assert.Equal(t, first[40:], second[:10])
}

func TestEmbedWindows_ShortText(t *testing.T) {
	wins := EmbedWindows(words(10), 50, 10)
	require.Len(t, wins, 1)
	assert.Equal(t, words(10), wins[0].Content)

	assert.Nil(t, EmbedWindows("", 50, 10))
}
