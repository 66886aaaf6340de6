// Package progress defines the events emitted while sources are processed.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

// Status is the event kind seen by push-channel subscribers.
type Status string

// Supported event statuses.
const (
	StatusProgress Status = "progress"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// Event captures one progress update or the terminal outcome of a run.
type Event struct {
	SourceID        string               `json:"sourceId"`
	AgentID         string               `json:"agentId,omitempty"`
	TS              time.Time            `json:"ts"`
	Status          Status               `json:"status"`
	Phase           knowledge.CrawlPhase `json:"phase,omitempty"`
	Current         int                  `json:"current"`
	Total           int                  `json:"total"`
	CurrentURL      string               `json:"currentUrl,omitempty"`
	DiscoveredLinks int                  `json:"discoveredLinks"`
	QueueLength     int                  `json:"queueLength"`
	// Critical is set on error events when old chunks are gone and new ones failed to persist.
	Critical bool   `json:"critical,omitempty"`
	Message  string `json:"message,omitempty"`
	// Dur is the run duration on terminal events.
	Dur time.Duration `json:"-"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SourceID == "" {
		return errors.New("source id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Status {
	case StatusProgress:
		if e.Phase == "" {
			return errors.New("progress event requires phase")
		}
	case StatusReady, StatusError:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Critical && e.Status != StatusError {
		return errors.New("only error events may be critical")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Status == StatusReady || e.Status == StatusError
}

// FromCrawl builds a progress event from a crawl snapshot.
func FromCrawl(sourceID, agentID string, p knowledge.CrawlProgress) Event {
	return Event{
		SourceID:        sourceID,
		AgentID:         agentID,
		TS:              p.UpdatedAt,
		Status:          StatusProgress,
		Phase:           p.Phase,
		Current:         p.Current,
		Total:           p.Total,
		CurrentURL:      p.CurrentURL,
		DiscoveredLinks: p.DiscoveredLinks,
		QueueLength:     p.QueueLength,
	}
}

// CrawlProgress converts the event back into the snapshot kept on a source.
func (e Event) CrawlProgress() knowledge.CrawlProgress {
	return knowledge.CrawlProgress{
		Phase:           e.Phase,
		Current:         e.Current,
		Total:           e.Total,
		CurrentURL:      e.CurrentURL,
		DiscoveredLinks: e.DiscoveredLinks,
		QueueLength:     e.QueueLength,
		UpdatedAt:       e.TS,
	}
}

// Attributes returns routing labels for message brokers that filter on
// metadata rather than payload.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"source_id": e.SourceID,
		"status":    string(e.Status),
	}
	if e.AgentID != "" {
		attrs["agent_id"] = e.AgentID
	}
	if e.Critical {
		attrs["critical"] = "true"
	}
	return attrs
}
