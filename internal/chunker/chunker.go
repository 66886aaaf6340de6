// Package chunker splits source content into ordered, bounded retrieval units.
package chunker

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

// maxPrefixTitle bounds the title echoed into each website chunk.
const maxPrefixTitle = 200

// Config bounds chunk size in runes.
type Config struct {
	MaxSize int
	Overlap int
}

// Page is one crawled page handed to ChunkPages.
type Page struct {
	URL     string
	Title   string
	Content string
}

// Chunker builds knowledge.Chunk values with contiguous positions.
type Chunker struct {
	cfg   Config
	ids   knowledge.IDGenerator
	clock knowledge.Clock
}

// New validates cfg and builds a Chunker.
func New(cfg Config, ids knowledge.IDGenerator, clock knowledge.Clock) (*Chunker, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("max chunk size must be > 0")
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.MaxSize {
		return nil, fmt.Errorf("overlap must be in [0, %d)", cfg.MaxSize)
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("chunker requires an id generator and clock")
	}
	return &Chunker{cfg: cfg, ids: ids, clock: clock}, nil
}

// Chunk splits content into chunks for one source starting at position 0.
func (c *Chunker) Chunk(sourceID, agentID, content string, meta knowledge.ChunkMetadata) ([]knowledge.Chunk, error) {
	b := c.builder(sourceID, agentID)
	for _, piece := range Split(content, c.cfg.MaxSize, c.cfg.Overlap) {
		if err := b.add(piece, meta); err != nil {
			return nil, err
		}
	}
	return b.chunks, nil
}

// ChunkPages chunks website pages in order, prefixing each chunk with its page URL and title.
// Positions continue across pages.
func (c *Chunker) ChunkPages(sourceID, agentID string, pages []Page) ([]knowledge.Chunk, error) {
	b := c.builder(sourceID, agentID)
	for i, page := range pages {
		prefix := pagePrefix(page, c.cfg.MaxSize/2)
		budget := c.cfg.MaxSize - utf8.RuneCountInString(prefix)
		overlap := min(c.cfg.Overlap, budget/2)
		meta := knowledge.ChunkMetadata{URL: page.URL, Title: page.Title, PageIndex: i}
		for _, piece := range Split(page.Content, budget, overlap) {
			if err := b.add(prefix+piece, meta); err != nil {
				return nil, err
			}
		}
	}
	return b.chunks, nil
}

// ChunkQA emits exactly one chunk per distinct question/answer pair.
func (c *Chunker) ChunkQA(sourceID, agentID string, pairs []knowledge.QAPair) ([]knowledge.Chunk, error) {
	b := c.builder(sourceID, agentID)
	seen := make(map[string]struct{}, len(pairs))
	for i, pair := range pairs {
		q := collapse(pair.Question)
		a := collapse(pair.Answer)
		if q == "" && a == "" {
			continue
		}
		key := strings.ToLower(q) + "\x00" + strings.ToLower(a)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		idx := i
		if err := b.add(fmt.Sprintf("Q: %s\nA: %s", q, a), knowledge.ChunkMetadata{QAIndex: &idx}); err != nil {
			return nil, err
		}
	}
	return b.chunks, nil
}

type builder struct {
	c        *Chunker
	sourceID string
	agentID  string
	now      time.Time
	chunks   []knowledge.Chunk
}

func (c *Chunker) builder(sourceID, agentID string) *builder {
	return &builder{c: c, sourceID: sourceID, agentID: agentID, now: c.clock.Now().UTC()}
}

func (b *builder) add(content string, meta knowledge.ChunkMetadata) error {
	id, err := b.c.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate chunk id: %w", err)
	}
	b.chunks = append(b.chunks, knowledge.Chunk{
		ID:        id,
		SourceID:  b.sourceID,
		AgentID:   b.agentID,
		Content:   content,
		Position:  len(b.chunks),
		Metadata:  meta,
		CreatedAt: b.now,
	})
	return nil
}

// pagePrefix renders the provenance header in at most limit runes. Long URLs
// and titles are truncated; when even the labels do not fit the prefix is dropped.
func pagePrefix(page Page, limit int) string {
	const labels = len("URL: \nTitle: \n\n")
	room := limit - labels
	if room <= 0 {
		return ""
	}
	title := []rune(collapse(page.Title))
	if len(title) > maxPrefixTitle {
		title = title[:maxPrefixTitle]
	}
	rawURL := []rune(page.URL)
	if len(title) > room/4 {
		title = title[:min(len(title), max(room/4, room-len(rawURL)))]
	}
	if len(rawURL) > room-len(title) {
		rawURL = rawURL[:room-len(title)]
	}
	return fmt.Sprintf("URL: %s\nTitle: %s\n\n", string(rawURL), string(title))
}

// Split cuts text into pieces of at most maxSize runes. Cuts prefer paragraph
// breaks, then sentence ends, then whitespace, searching backwards but never
// below half the window. Consecutive pieces share up to overlap runes.
func Split(text string, maxSize, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 || maxSize <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= maxSize {
		overlap = 0
	}
	if len(runes) <= maxSize {
		return []string{string(runes)}
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + maxSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end >= len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = alignWord(runes, next, end)
	}
	return out
}

// breakPoint returns the best cut in (start+window/2, end].
func breakPoint(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end; i > floor; i-- {
		if runes[i-1] == '\n' && i >= 2 && runes[i-2] == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		if isSentenceEnd(runes[i-1]) && i < len(runes) && unicode.IsSpace(runes[i]) {
			return i
		}
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

// alignWord moves an overlap start forward past a partial word, staying before limit.
func alignWord(runes []rune, next, limit int) int {
	if next >= limit || next == 0 || unicode.IsSpace(runes[next-1]) {
		return next
	}
	for i := next; i < limit; i++ {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return next
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
