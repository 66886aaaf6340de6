// Package crawler walks a website from a seed URL and extracts page content for chunking.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/crawlcache"
	"github.com/JakeFAU/rag-pipeline/internal/extract"
	"github.com/JakeFAU/rag-pipeline/internal/fetcher"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
	"github.com/JakeFAU/rag-pipeline/internal/weburl"
)

// errEmptyContent marks pages that yielded no text.
var errEmptyContent = errors.New("page has no extractable content")

// Request is one crawl of one source.
type Request struct {
	SourceID string
	URL      string
	Policy   knowledge.CrawlPolicy
}

// Page is an extracted page ready for chunking.
type Page struct {
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Links        []string `json:"links,omitempty"`
	Images       []string `json:"images,omitempty"`
	BlobURI      string   `json:"blobUri,omitempty"`
	StatusCode   int      `json:"statusCode"`
	UsedHeadless bool     `json:"usedHeadless"`
	FromCache    bool     `json:"fromCache"`
}

// Result summarizes a crawl.
type Result struct {
	SeedURL    string                `json:"seedUrl"`
	Pages      []Page                `json:"pages"`
	Errors     []knowledge.PageError `json:"errors,omitempty"`
	Discovered []string              `json:"discovered,omitempty"`
	Visited    int                   `json:"visited"`
	Duration   time.Duration         `json:"duration"`
}

// ProgressFunc receives a snapshot after each visited page.
type ProgressFunc func(knowledge.CrawlProgress)

// URLGuard rejects targets the crawler must never reach.
type URLGuard interface {
	Check(ctx context.Context, rawURL string) error
}

// RateLimiter paces requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config holds the crawl limits shared by every request.
type Config struct {
	MaxPagesCeiling int
	MaxPagesDefault int
	RenderMode      string
	PersistPages    bool
	CacheTTL        time.Duration
}

// Dependencies are the collaborators an Orchestrator drives.
// Robots, Limiter, Cache and Blobs are optional.
type Dependencies struct {
	Fetcher fetcher.Fetcher
	Guard   URLGuard
	Robots  RobotsPolicy
	Limiter RateLimiter
	Cache   *crawlcache.Cache
	Blobs   knowledge.BlobStore
	Hasher  knowledge.Hasher
	Clock   knowledge.Clock
	Logger  *zap.Logger
}

// Orchestrator runs crawls.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New validates the configuration and builds an Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("crawler requires a fetcher")
	}
	if deps.Guard == nil {
		return nil, fmt.Errorf("crawler requires a url guard")
	}
	if cfg.MaxPagesCeiling <= 0 {
		cfg.MaxPagesCeiling = 1000
	}
	if cfg.MaxPagesDefault <= 0 || cfg.MaxPagesDefault > cfg.MaxPagesCeiling {
		cfg.MaxPagesDefault = min(25, cfg.MaxPagesCeiling)
	}
	if cfg.PersistPages && (deps.Blobs == nil || deps.Hasher == nil) {
		return nil, fmt.Errorf("page persistence requires a blob store and hasher")
	}
	if deps.Robots == nil {
		deps.Robots = allowAllPolicy{}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: deps.Logger.Named("crawler")}, nil
}

// ClampPages bounds a requested page budget to [1, ceiling]; zero selects the default.
func (o *Orchestrator) ClampPages(requested int) int {
	switch {
	case requested == 0:
		return o.cfg.MaxPagesDefault
	case requested < 1:
		return 1
	case requested > o.cfg.MaxPagesCeiling:
		return o.cfg.MaxPagesCeiling
	default:
		return requested
	}
}

// Crawl visits the seed and, with CrawlSubpages, same-site links up to the page budget.
// Per-page failures are collected in Result.Errors; only validation failures and
// cancellation are returned as errors.
func (o *Orchestrator) Crawl(ctx context.Context, req Request, onProgress ProgressFunc) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "crawler.Crawl")
	defer span.End()

	start := o.deps.Clock.Now()
	seed, err := weburl.NormalizeSeed(req.URL)
	if err != nil {
		return Result{}, err
	}
	if err := o.deps.Guard.Check(ctx, seed); err != nil {
		return Result{}, fmt.Errorf("check seed: %w", err)
	}
	filter, err := newPathFilter(req.Policy.IncludePaths, req.Policy.ExcludePaths)
	if err != nil {
		return Result{}, err
	}
	maxPages := o.ClampPages(req.Policy.MaxPages)
	if !req.Policy.CrawlSubpages {
		maxPages = 1
	}
	if onProgress == nil {
		onProgress = func(knowledge.CrawlProgress) {}
	}

	logger := o.logger.With(zap.String("source_id", req.SourceID), zap.String("seed", seed))
	logger.Info("Crawl started", zap.Int("max_pages", maxPages), zap.Bool("subpages", req.Policy.CrawlSubpages))

	result := Result{SeedURL: seed}
	frontier := []string{seed}
	seen := map[string]struct{}{seed: {}}
	onProgress(knowledge.CrawlProgress{
		Phase:       knowledge.PhaseDiscovering,
		Total:       maxPages,
		CurrentURL:  seed,
		QueueLength: len(frontier),
		UpdatedAt:   o.deps.Clock.Now(),
	})

	for len(frontier) > 0 && result.Visited < maxPages {
		if err := ctx.Err(); err != nil {
			return o.finish(result, start, "canceled"), fmt.Errorf("crawl canceled: %w", err)
		}
		target := frontier[0]
		frontier = frontier[1:]
		result.Visited++

		page, err := o.visit(ctx, req, target, target != seed)
		if err != nil {
			if ctx.Err() != nil {
				return o.finish(result, start, "canceled"), fmt.Errorf("crawl canceled: %w", ctx.Err())
			}
			logger.Warn("Page failed", zap.String("url", target), zap.Error(err))
			result.Errors = append(result.Errors, knowledge.PageError{URL: target, Error: err.Error()})
		} else {
			result.Pages = append(result.Pages, page)
			if req.Policy.CrawlSubpages {
				for _, link := range page.Links {
					if _, dup := seen[link]; dup {
						continue
					}
					if !weburl.SameSite(seed, link) || !filter.allows(link) {
						continue
					}
					seen[link] = struct{}{}
					result.Discovered = append(result.Discovered, link)
					frontier = append(frontier, link)
				}
			}
		}

		onProgress(knowledge.CrawlProgress{
			Phase:           knowledge.PhaseProcessing,
			Current:         result.Visited,
			Total:           min(maxPages, result.Visited+len(frontier)),
			CurrentURL:      target,
			DiscoveredLinks: len(result.Discovered),
			QueueLength:     len(frontier),
			UpdatedAt:       o.deps.Clock.Now(),
		})
	}

	outcome := "succeeded"
	if len(result.Pages) == 0 {
		outcome = "empty"
	}
	result = o.finish(result, start, outcome)
	logger.Info("Crawl finished",
		zap.Int("pages", len(result.Pages)),
		zap.Int("errors", len(result.Errors)),
		zap.Int("discovered", len(result.Discovered)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (o *Orchestrator) finish(result Result, start time.Time, outcome string) Result {
	result.Duration = o.deps.Clock.Now().Sub(start)
	telemetry.ObserveCrawlDuration(outcome, result.Duration)
	return result
}

func (o *Orchestrator) visit(ctx context.Context, req Request, target string, recheck bool) (Page, error) {
	site := telemetry.SanitizeSite(target)
	if recheck {
		// DNS can point a same-site link somewhere private.
		if err := o.deps.Guard.Check(ctx, target); err != nil {
			telemetry.ObservePage(site, "blocked", 0)
			return Page{}, err
		}
	}
	if !o.deps.Robots.Allowed(ctx, target) {
		telemetry.ObservePage(site, "robots", 0)
		return Page{}, fmt.Errorf("blocked by robots.txt")
	}

	entry, err := o.load(ctx, req, target)
	if err != nil {
		telemetry.ObservePage(site, "error", 0)
		return Page{}, err
	}

	extracted, err := extract.HTML(entry.FinalURL, entry.Body, req.Policy.FullPageContent)
	if err != nil {
		telemetry.ObservePage(site, "error", len(entry.Body))
		return Page{}, fmt.Errorf("extract: %w", err)
	}
	if strings.TrimSpace(extracted.Text) == "" {
		telemetry.ObservePage(site, "empty", len(entry.Body))
		return Page{}, errEmptyContent
	}
	status := "fetched"
	if entry.cached {
		status = "cached"
	}
	telemetry.ObservePage(site, status, len(entry.Body))

	return Page{
		URL:          target,
		Title:        extracted.Title,
		Content:      extracted.Text,
		Links:        extracted.Links,
		Images:       extracted.Images,
		BlobURI:      entry.BlobURI,
		StatusCode:   entry.StatusCode,
		UsedHeadless: entry.UsedHeadless,
		FromCache:    entry.cached,
	}, nil
}

type loadedEntry struct {
	crawlcache.Entry
	cached bool
}

// load serves target from the cache or fetches, persists and caches it.
func (o *Orchestrator) load(ctx context.Context, req Request, target string) (loadedEntry, error) {
	key := crawlcache.Key(target, crawlcache.Options{
		RenderMode:      o.cfg.RenderMode,
		FullPageContent: req.Policy.FullPageContent,
	})
	if o.deps.Cache != nil {
		if entry, ok := o.deps.Cache.Get(key); ok {
			return loadedEntry{Entry: entry, cached: true}, nil
		}
	}

	if o.deps.Limiter != nil {
		if err := o.deps.Limiter.Wait(ctx, target); err != nil {
			return loadedEntry{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	resp, err := o.deps.Fetcher.Fetch(ctx, fetcher.Request{URL: target})
	if err != nil {
		return loadedEntry{}, fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode >= 400 {
		return loadedEntry{}, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	if !isHTML(resp.ContentType()) {
		return loadedEntry{}, fmt.Errorf("%w: %s", fetcher.ErrNotHTML, resp.ContentType())
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return loadedEntry{}, errEmptyContent
	}

	finalURL := resp.URL
	if finalURL == "" {
		finalURL = target
	}
	if finalURL != target {
		// Fetchers follow redirects; the landing URL gets the same guard as the seed.
		if err := o.deps.Guard.Check(ctx, finalURL); err != nil {
			return loadedEntry{}, fmt.Errorf("redirected to %s: %w", finalURL, err)
		}
	}
	entry := crawlcache.Entry{
		URL:          target,
		FinalURL:     finalURL,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.ContentType(),
		Body:         resp.Body,
		UsedHeadless: resp.UsedHeadless,
		FetchedAt:    o.deps.Clock.Now(),
	}
	if o.cfg.PersistPages {
		uri, err := o.persist(ctx, req.SourceID, entry)
		if err != nil {
			o.logger.Warn("Persisting raw page failed", zap.String("url", target), zap.Error(err))
		}
		entry.BlobURI = uri
	}
	if o.deps.Cache != nil {
		o.deps.Cache.Put(key, entry, o.cfg.CacheTTL)
	}
	return loadedEntry{Entry: entry}, nil
}

func (o *Orchestrator) persist(ctx context.Context, sourceID string, entry crawlcache.Entry) (string, error) {
	digest, err := o.deps.Hasher.Hash([]byte(entry.FinalURL))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	objectPath := path.Join("pages", sourceID, digest+".html")
	uri, err := o.deps.Blobs.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(entry.Body))
	if err != nil {
		return "", fmt.Errorf("put page: %w", err)
	}
	return uri, nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml" || mediaType == "text/plain"
}
