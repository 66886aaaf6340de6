// Package knowledge defines the core types and ports shared across the ingestion pipeline.
package knowledge

import (
	"fmt"
	"time"
)

// SourceType identifies what kind of content a source carries.
type SourceType string

// Source types accepted at registration.
const (
	SourceTypeWebsite SourceType = "website"
	SourceTypeFile    SourceType = "file"
	SourceTypeText    SourceType = "text"
	SourceTypeQA      SourceType = "qa"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeWebsite, SourceTypeFile, SourceTypeText, SourceTypeQA:
		return true
	default:
		return false
	}
}

// SourceStatus represents the lifecycle state of a source.
type SourceStatus string

// Source status values persisted in the source store.
const (
	SourceStatusPending    SourceStatus = "pending"
	SourceStatusProcessing SourceStatus = "processing"
	SourceStatusReady      SourceStatus = "ready"
	SourceStatusError      SourceStatus = "error"
	// SourceStatusCritical marks a source whose old chunks were deleted but whose
	// replacement chunks failed to persist. It blocks automatic retries.
	SourceStatusCritical SourceStatus = "critical"
	SourceStatusRemoved  SourceStatus = "removed"
)

// Terminal reports whether the status ends a processing run.
func (s SourceStatus) Terminal() bool {
	return s == SourceStatusReady || s == SourceStatusError || s == SourceStatusCritical
}

// CrawlPhase labels the stage of an in-flight crawl.
type CrawlPhase string

// Crawl phases reported through progress events.
const (
	PhaseDiscovering CrawlPhase = "discovering"
	PhaseProcessing  CrawlPhase = "processing"
	PhaseCompleted   CrawlPhase = "completed"
	PhaseFailed      CrawlPhase = "failed"
)

// CrawlPolicy captures per-source crawl knobs requested by the client.
type CrawlPolicy struct {
	MaxPages        int      `json:"maxPages"`
	CrawlSubpages   bool     `json:"crawlSubpages"`
	IncludePaths    []string `json:"includePaths,omitempty"`
	ExcludePaths    []string `json:"excludePaths,omitempty"`
	FullPageContent bool     `json:"fullPageContent"`
}

// CrawlProgress is the snapshot of an in-flight crawl kept on the source.
type CrawlProgress struct {
	Phase           CrawlPhase `json:"phase"`
	Current         int        `json:"current"`
	Total           int        `json:"total"`
	CurrentURL      string     `json:"currentUrl,omitempty"`
	DiscoveredLinks int        `json:"discoveredLinks"`
	QueueLength     int        `json:"queueLength"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// PageError records a single page that could not be crawled.
type PageError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// QAPair is one question with its answer.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// WebsiteMetadata is the website variant of the source metadata.
type WebsiteMetadata struct {
	URL                string      `json:"url"`
	Policy             CrawlPolicy `json:"policy"`
	PagesCrawled       int         `json:"pagesCrawled"`
	DiscoveredLinks    []string    `json:"discoveredLinks,omitempty"`
	PageErrors         []PageError `json:"pageErrors,omitempty"`
	LastCrawlAt        *time.Time  `json:"lastCrawlAt,omitempty"`
	PreviousChunkCount int         `json:"previousChunkCount,omitempty"`
}

// FileMetadata is the uploaded-file variant of the source metadata.
type FileMetadata struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	BlobURI     string `json:"blobUri"`
	Bytes       int64  `json:"bytes"`
}

// TextMetadata is the free-text variant of the source metadata.
type TextMetadata struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// QAMetadata is the question/answer variant of the source metadata.
type QAMetadata struct {
	Pairs []QAPair `json:"pairs"`
}

// SourceMetadata is the shared envelope plus exactly one type-specific variant.
type SourceMetadata struct {
	Error                string         `json:"error,omitempty"`
	ErrorAt              *time.Time     `json:"errorAt,omitempty"`
	RequiresIntervention bool           `json:"requiresIntervention,omitempty"`
	Progress             *CrawlProgress `json:"progress,omitempty"`
	TrainedAt            *time.Time     `json:"trainedAt,omitempty"`
	Tokens               int            `json:"tokens,omitempty"`
	Cost                 float64        `json:"cost,omitempty"`

	Website *WebsiteMetadata `json:"website,omitempty"`
	File    *FileMetadata    `json:"file,omitempty"`
	Text    *TextMetadata    `json:"text,omitempty"`
	QA      *QAMetadata      `json:"qa,omitempty"`
}

// Variant returns the source type implied by the populated variant.
func (m SourceMetadata) Variant() (SourceType, error) {
	var (
		found SourceType
		count int
	)
	if m.Website != nil {
		found, count = SourceTypeWebsite, count+1
	}
	if m.File != nil {
		found, count = SourceTypeFile, count+1
	}
	if m.Text != nil {
		found, count = SourceTypeText, count+1
	}
	if m.QA != nil {
		found, count = SourceTypeQA, count+1
	}
	if count != 1 {
		return "", fmt.Errorf("metadata must carry exactly one variant, got %d: %w", count, ErrInvalidInput)
	}
	return found, nil
}

// Clone returns a deep copy so snapshots survive later mutation.
func (m SourceMetadata) Clone() SourceMetadata {
	out := m
	if m.ErrorAt != nil {
		t := *m.ErrorAt
		out.ErrorAt = &t
	}
	if m.TrainedAt != nil {
		t := *m.TrainedAt
		out.TrainedAt = &t
	}
	if m.Progress != nil {
		p := *m.Progress
		out.Progress = &p
	}
	if m.Website != nil {
		w := *m.Website
		w.Policy.IncludePaths = append([]string(nil), m.Website.Policy.IncludePaths...)
		w.Policy.ExcludePaths = append([]string(nil), m.Website.Policy.ExcludePaths...)
		w.DiscoveredLinks = append([]string(nil), m.Website.DiscoveredLinks...)
		w.PageErrors = append([]PageError(nil), m.Website.PageErrors...)
		if m.Website.LastCrawlAt != nil {
			t := *m.Website.LastCrawlAt
			w.LastCrawlAt = &t
		}
		out.Website = &w
	}
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	if m.Text != nil {
		tx := *m.Text
		out.Text = &tx
	}
	if m.QA != nil {
		out.QA = &QAMetadata{Pairs: append([]QAPair(nil), m.QA.Pairs...)}
	}
	return out
}

// Source is a named unit of knowledge-base content owned by an agent.
type Source struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	Name      string         `json:"name"`
	Type      SourceType     `json:"type"`
	Status    SourceStatus   `json:"status"`
	Size      int64          `json:"size"`
	Metadata  SourceMetadata `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Transition is a conditional status and metadata change. Tokens and Cost in
// Metadata are ignored; AddUsage owns them.
type Transition struct {
	From     SourceStatus
	To       SourceStatus
	Size     int64
	Metadata SourceMetadata
	// UpdatedAtMost, when set, also requires the source not to have been touched since.
	UpdatedAtMost *time.Time
}

// Matches reports whether src satisfies the transition's preconditions.
func (t Transition) Matches(src Source) bool {
	if src.Status != t.From {
		return false
	}
	return t.UpdatedAtMost == nil || !src.UpdatedAt.After(*t.UpdatedAtMost)
}

// CheckCrawlable reports why a crawl of src may not be queued or retargeted.
func CheckCrawlable(src Source) error {
	switch {
	case src.Type != SourceTypeWebsite || src.Metadata.Website == nil:
		return fmt.Errorf("source %s is not a website: %w", src.ID, ErrInvalidInput)
	case src.Status == SourceStatusRemoved:
		return fmt.Errorf("source %s: %w", src.ID, ErrNotFound)
	case src.Status == SourceStatusProcessing:
		return fmt.Errorf("source %s: %w", src.ID, ErrSourceBusy)
	case src.Status == SourceStatusCritical:
		return fmt.Errorf("source %s: %w", src.ID, ErrNeedsIntervention)
	}
	return nil
}

// Validate checks the fields required before a source is persisted.
func (s Source) Validate() error {
	if s.AgentID == "" {
		return fmt.Errorf("agent id is required: %w", ErrInvalidInput)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("unknown source type %q: %w", s.Type, ErrInvalidInput)
	}
	variant, err := s.Metadata.Variant()
	if err != nil {
		return err
	}
	if variant != s.Type {
		return fmt.Errorf("metadata variant %q does not match type %q: %w", variant, s.Type, ErrInvalidInput)
	}
	return nil
}

// ChunkMetadata carries provenance for a chunk.
type ChunkMetadata struct {
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	PageIndex int    `json:"pageIndex,omitempty"`
	QAIndex   *int   `json:"qaIndex,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// Chunk is an ordered retrieval unit belonging to exactly one source.
type Chunk struct {
	ID             string        `json:"id"`
	SourceID       string        `json:"sourceId"`
	AgentID        string        `json:"agentId"`
	Content        string        `json:"content"`
	Position       int           `json:"position"`
	Embedding      []float32     `json:"embedding,omitempty"`
	EmbeddingModel string        `json:"embeddingModel,omitempty"`
	Metadata       ChunkMetadata `json:"metadata"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Embedded reports whether the chunk carries a vector.
func (c Chunk) Embedded() bool {
	return len(c.Embedding) > 0
}

// ScoredChunk is a search hit.
type ScoredChunk struct {
	Chunk
	SourceType SourceType `json:"sourceType"`
	Similarity float64    `json:"similarity"`
}

// ChunkEmbedding attaches a vector to a stored chunk.
type ChunkEmbedding struct {
	ChunkID   string
	Embedding []float32
}

// SourceFilter narrows ListSources.
type SourceFilter struct {
	Status SourceStatus
	Limit  int
	Offset int
}

// SearchQuery is the storage-level nearest-neighbour request.
type SearchQuery struct {
	AgentID     string
	Embedding   []float32
	Model       string
	Limit       int
	Threshold   float64
	SourceTypes []SourceType
}
