package chunker

import (
	"strings"
	"testing"
	"time"
	"unicode"
	"unicode/utf8"

	"pgregory.net/rapid"

	"github.com/JakeFAU/rag-pipeline/internal/clock/system"
)

var vocabulary = []string{"alpha", "beta", "gamma", "delta", "ünïcode", "retrieval", "a", "pipeline", "x"}

func drawText(rt *rapid.T) string {
	n := rapid.IntRange(0, 300).Draw(rt, "words")
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(rapid.SampledFrom(vocabulary).Draw(rt, "word"))
		b.WriteString(rapid.SampledFrom([]string{" ", " ", ". ", "\n", "\n\n", "? "}).Draw(rt, "sep"))
	}
	return b.String()
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// TestPropertySplitBoundsAndDeterminism checks size bounds, non-empty pieces and stable output.
func TestPropertySplitBoundsAndDeterminism(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := drawText(rt)
		maxSize := rapid.IntRange(8, 400).Draw(rt, "max_size")
		overlap := rapid.IntRange(0, maxSize/2).Draw(rt, "overlap")

		first := Split(text, maxSize, overlap)
		second := Split(text, maxSize, overlap)
		if len(first) != len(second) {
			rt.Fatalf("non-deterministic piece count: %d vs %d", len(first), len(second))
		}
		for i, piece := range first {
			if piece != second[i] {
				rt.Fatalf("piece %d differs between runs", i)
			}
			if strings.TrimSpace(piece) == "" {
				rt.Fatalf("piece %d is empty", i)
			}
			if n := utf8.RuneCountInString(piece); n > maxSize {
				rt.Fatalf("piece %d has %d runes, max %d", i, n, maxSize)
			}
		}
		if strings.TrimSpace(text) != "" && len(first) == 0 {
			rt.Fatalf("non-empty text produced no pieces")
		}
	})
}

// TestPropertySplitWithoutOverlapKeepsAllContent checks that nothing is dropped or duplicated.
func TestPropertySplitWithoutOverlapKeepsAllContent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := drawText(rt)
		maxSize := rapid.IntRange(4, 200).Draw(rt, "max_size")

		pieces := Split(text, maxSize, 0)
		if got, want := stripSpace(strings.Join(pieces, "")), stripSpace(text); got != want {
			rt.Fatalf("content changed:\n got %q\nwant %q", got, want)
		}
	})
}

// TestPropertyChunkPagesRespectsMaxSize checks that provenance prefixes never push a chunk past MaxSize.
func TestPropertyChunkPagesRespectsMaxSize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxSize := rapid.IntRange(8, 1200).Draw(rt, "max_size")
		overlap := rapid.IntRange(0, maxSize-1).Draw(rt, "overlap")
		c, err := New(Config{MaxSize: maxSize, Overlap: overlap}, &counterIDs{}, system.NewManual(time.Unix(0, 0)))
		if err != nil {
			rt.Fatalf("new chunker: %v", err)
		}
		pages := make([]Page, rapid.IntRange(1, 4).Draw(rt, "pages"))
		for i := range pages {
			pages[i] = Page{
				URL:     "https://example.com/" + strings.Repeat("a", rapid.IntRange(0, 1500).Draw(rt, "path_len")),
				Title:   strings.Repeat("T", rapid.IntRange(0, 400).Draw(rt, "title_len")),
				Content: drawText(rt),
			}
		}

		chunks, err := c.ChunkPages("src", "agent", pages)
		if err != nil {
			rt.Fatalf("chunk pages: %v", err)
		}
		for i, ch := range chunks {
			if ch.Position != i {
				rt.Fatalf("chunk %d has position %d", i, ch.Position)
			}
			if n := utf8.RuneCountInString(ch.Content); n > maxSize {
				rt.Fatalf("chunk %d has %d runes, max %d", i, n, maxSize)
			}
		}
	})
}
