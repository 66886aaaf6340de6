// Package uuid provides ID generation helpers for sources, chunks and jobs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Validate rejects identifiers that are not UUIDs before they reach storage.
func Validate(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("id %q is not a uuid: %w", id, knowledge.ErrInvalidInput)
	}
	return nil
}
