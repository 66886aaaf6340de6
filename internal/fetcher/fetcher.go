// Package fetcher retrieves page bodies over plain HTTP or through the browser pool.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// ErrNotHTML is returned when a response is not an HTML or text document.
var ErrNotHTML = errors.New("response is not an html document")

// RenderMode chooses between the HTTP probe and the headless renderer.
type RenderMode string

// Render modes accepted in configuration.
const (
	RenderAuto   RenderMode = "auto"
	RenderAlways RenderMode = "always"
	RenderNever  RenderMode = "never"
)

// Request captures everything needed to fetch a URL.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the result returned by a Fetcher implementation.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the response media type header.
func (r Response) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// Detector decides whether a headless fetch is warranted.
type Detector interface {
	ShouldPromote(probe Response) bool
}

// Auto probes over HTTP and promotes to headless rendering when the detector asks for it.
type Auto struct {
	probe    Fetcher
	headless Fetcher
	detector Detector
	mode     RenderMode
	logger   *zap.Logger
}

// NewAuto wires the probe and headless fetchers. headless may be nil when no browser pool runs.
func NewAuto(mode RenderMode, probe, headless Fetcher, detector Detector, logger *zap.Logger) (*Auto, error) {
	if probe == nil && headless == nil {
		return nil, fmt.Errorf("at least one fetcher is required")
	}
	switch mode {
	case RenderAuto, RenderAlways, RenderNever:
	case "":
		mode = RenderAuto
	default:
		return nil, fmt.Errorf("unknown render mode %q", mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auto{
		probe:    probe,
		headless: headless,
		detector: detector,
		mode:     mode,
		logger:   logger.Named("fetcher"),
	}, nil
}

// Fetch implements Fetcher.
func (a *Auto) Fetch(ctx context.Context, request Request) (Response, error) {
	switch {
	case a.mode == RenderAlways && a.headless != nil, a.probe == nil:
		return a.headless.Fetch(ctx, request)
	case a.mode == RenderNever || a.headless == nil || a.detector == nil:
		return a.probe.Fetch(ctx, request)
	}

	probe, err := a.probe.Fetch(ctx, request)
	if err != nil {
		return Response{}, err
	}
	if !a.detector.ShouldPromote(probe) {
		return probe, nil
	}
	telemetry.ObserveHeadlessPromotion()
	rendered, err := a.headless.Fetch(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("headless fetch: %w", err)
		}
		a.logger.Warn("headless render failed; using probe body",
			zap.String("url", request.URL),
			zap.Error(err),
		)
		return probe, nil
	}
	return rendered, nil
}
