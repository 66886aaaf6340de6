package knowledge

import "errors"

var (
	// ErrNotFound is returned when a source or chunk does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput marks validation failures surfaced to callers as 400s.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSourceBusy is returned when a source is already processing.
	ErrSourceBusy = errors.New("source is already processing")
	// ErrNeedsIntervention is returned for sources in the critical state.
	ErrNeedsIntervention = errors.New("source requires manual intervention")
	// ErrStateChanged is returned when a conditional transition finds the source
	// in a different state than the caller expected.
	ErrStateChanged = errors.New("source state changed concurrently")
	// ErrDataLoss marks the failure where old chunks were removed and new chunks were not stored.
	ErrDataLoss = errors.New("chunks deleted but replacement failed to persist")
)
