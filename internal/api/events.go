package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
)

// sourceEvents handles GET /v1/sources/{source_id}/events as a server-sent
// event stream. Sources that are not processing get one event describing
// their current state; otherwise events flow until the run ends.
func (s *Server) sourceEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "source_id")

	// subscribe before reading state so a terminal event cannot slip between
	events, cancel := s.deps.Events.Subscribe(id)
	defer cancel()

	src, err := s.deps.Store.GetSource(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot, terminal := stateEvent(src, time.Now().UTC())
	if terminal || snapshot.Phase != "" {
		if err := s.writeEvent(w, snapshot); err != nil {
			return
		}
	}
	flusher.Flush()
	if terminal {
		return
	}

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			if evt.Terminal() {
				return
			}
		}
	}
}

func (s *Server) writeEvent(w io.Writer, evt progress.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("encode event failed", zap.Error(err))
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Status, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// stateEvent renders the stored state as an event and reports whether the
// stream can end with it.
func stateEvent(src knowledge.Source, now time.Time) (progress.Event, bool) {
	evt := progress.Event{SourceID: src.ID, AgentID: src.AgentID, TS: now}
	switch src.Status {
	case knowledge.SourceStatusProcessing:
		evt.Status = progress.StatusProgress
		if p := src.Metadata.Progress; p != nil {
			snap := progress.FromCrawl(src.ID, src.AgentID, *p)
			return snap, false
		}
		return evt, false
	case knowledge.SourceStatusReady:
		evt.Status = progress.StatusReady
		return evt, true
	case knowledge.SourceStatusError, knowledge.SourceStatusRemoved:
		evt.Status = progress.StatusError
		evt.Message = src.Metadata.Error
		if src.Status == knowledge.SourceStatusRemoved {
			evt.Message = "source removed"
		}
		return evt, true
	case knowledge.SourceStatusCritical:
		evt.Status = progress.StatusError
		evt.Critical = true
		evt.Message = src.Metadata.Error
		return evt, true
	default:
		// pending: wait for the run to start
		return evt, false
	}
}
