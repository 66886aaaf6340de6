// Package jobs defines background work items and the queues that run them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/retry"
)

// Type names the kind of work a job performs.
type Type string

// Job types understood by the ingest handler.
const (
	TypeCrawl   Type = "crawl"
	TypeRecrawl Type = "recrawl"
	TypeProcess Type = "process"
	TypeEmbed   Type = "embed"
)

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	switch t {
	case TypeCrawl, TypeRecrawl, TypeProcess, TypeEmbed:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts bounds executions of a job when none is configured.
const DefaultMaxAttempts = 3

// Queue modes reported by Status.
const (
	ModeBroker = "broker"
	ModeInline = "inline"
)

var (
	// ErrInvalidJob is returned when a job is missing required fields.
	ErrInvalidJob = errors.New("invalid job")
	// ErrClosed is returned when work is submitted after shutdown.
	ErrClosed = errors.New("job queue closed")
)

// Job is a unit of background work addressed at one source.
type Job struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	SourceID    string    `json:"sourceId"`
	AgentID     string    `json:"agentId,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   string    `json:"lastError,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Exhausted reports whether the job has used its retry budget.
func (j Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Handler executes a job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Permanent marks a handler error that must not be retried.
func Permanent(err error) error {
	return retry.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return retry.IsPermanent(err)
}

// Status summarises the queue for operators.
type Status struct {
	Waiting     int64  `json:"waiting"`
	Active      int64  `json:"active"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
	IsAvailable bool   `json:"isAvailable"`
	Mode        string `json:"mode"`
	Durable     bool   `json:"durable"`
	// LastFailure is the most recent job that exhausted its retries, when
	// the queue keeps it in process.
	LastFailure *Failure `json:"lastFailure,omitempty"`
}

// Failure describes a job retired after its final attempt.
type Failure struct {
	JobID    string    `json:"jobId"`
	Type     Type      `json:"type"`
	SourceID string    `json:"sourceId"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// Queue accepts jobs for background execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	Status(ctx context.Context) (Status, error)
	Close() error
}

// stamper fills the fields every queue assigns at enqueue time.
type stamper struct {
	ids         knowledge.IDGenerator
	clock       knowledge.Clock
	maxAttempts int
}

func (s stamper) stamp(job Job) (Job, error) {
	if !job.Type.Valid() {
		return Job{}, fmt.Errorf("unknown job type %q: %w", job.Type, ErrInvalidJob)
	}
	if job.SourceID == "" && job.Type != TypeEmbed {
		return Job{}, fmt.Errorf("%s job requires a source id: %w", job.Type, ErrInvalidJob)
	}
	if job.Type == TypeEmbed && job.AgentID == "" {
		return Job{}, fmt.Errorf("embed job requires an agent id: %w", ErrInvalidJob)
	}
	if job.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return Job{}, fmt.Errorf("generate job id: %w", err)
		}
		job.ID = id
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.maxAttempts
	}
	job.Attempts = 0
	job.LastError = ""
	job.EnqueuedAt = s.clock.Now().UTC()
	return job, nil
}
