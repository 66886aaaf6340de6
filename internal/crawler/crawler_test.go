package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-pipeline/internal/crawlcache"
	"github.com/JakeFAU/rag-pipeline/internal/fetcher"
	collyfetcher "github.com/JakeFAU/rag-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/rag-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/weburl"
)

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	fail   map[string]error
	calls  map[string]int
	status map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:  make(map[string]string),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
		status: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	if err := ctx.Err(); err != nil {
		return fetcher.Response{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if err, ok := f.fail[req.URL]; ok {
		return fetcher.Response{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return fetcher.Response{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	status := http.StatusOK
	if s, ok := f.status[req.URL]; ok {
		status = s
	}
	return fetcher.Response{
		URL:        req.URL,
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeGuard struct{}

func (fakeGuard) Check(_ context.Context, rawURL string) error {
	if strings.Contains(rawURL, "blocked") {
		return fmt.Errorf("host is blocked: %w", knowledge.ErrInvalidInput)
	}
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *fakeBlobs) PutObject(_ context.Context, path, _ string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[path] = data
	return "memory://" + path, nil
}

func (b *fakeBlobs) GetObject(_ context.Context, uri string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[strings.TrimPrefix(uri, "memory://")]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	return data, nil
}

type denyRobots struct{ path string }

func (d denyRobots) Allowed(_ context.Context, rawURL string) bool {
	return !strings.Contains(rawURL, d.path)
}

func page(title, body string, links ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body><main><p>%s</p>", title, body)
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s">link</a>`, l)
	}
	b.WriteString("</main></body></html>")
	return b.String()
}

func newTestOrchestrator(t *testing.T, f fetcher.Fetcher, mutate func(*Config, *Dependencies)) *Orchestrator {
	t.Helper()
	cfg := Config{MaxPagesCeiling: 1000, MaxPagesDefault: 25, RenderMode: "never"}
	deps := Dependencies{Fetcher: f, Guard: fakeGuard{}}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	o, err := New(cfg, deps)
	require.NoError(t, err)
	return o
}

func siteFetcher() *fakeFetcher {
	f := newFakeFetcher()
	f.pages["https://example.com"] = page("Home", "Welcome to the example site.",
		"/a", "/b", "https://www.example.com/c", "https://other.example/x", "/private/secret", "#top")
	f.pages["https://example.com/a"] = page("A", "Page A content.", "/", "/b")
	f.pages["https://example.com/b"] = page("B", "Page B content.")
	f.pages["https://www.example.com/c"] = page("C", "Page C content.")
	f.pages["https://example.com/private/secret"] = page("Secret", "Hidden.")
	return f
}

func TestCrawlSinglePage(t *testing.T) {
	t.Parallel()

	f := siteFetcher()
	o := newTestOrchestrator(t, f, nil)

	var updates []knowledge.CrawlProgress
	res, err := o.Crawl(context.Background(), Request{
		SourceID: "src-1",
		URL:      "example.com",
		Policy:   knowledge.CrawlPolicy{MaxPages: 1, CrawlSubpages: true},
	}, func(p knowledge.CrawlProgress) { updates = append(updates, p) })
	require.NoError(t, err)

	require.Equal(t, "https://example.com", res.SeedURL)
	require.Equal(t, 1, res.Visited)
	require.Len(t, res.Pages, 1)
	require.Equal(t, "Home", res.Pages[0].Title)
	require.Contains(t, res.Pages[0].Content, "Welcome to the example site.")
	require.Empty(t, res.Errors)
	require.Equal(t, 0, f.callCount("https://example.com/a"))

	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	require.Equal(t, knowledge.PhaseProcessing, last.Phase)
	require.Equal(t, 1, last.Current)
	require.Equal(t, 1, last.Total)
	require.Equal(t, "https://example.com", last.CurrentURL)
}

func TestCrawlSubpagesStaysOnSiteAndHonorsFilters(t *testing.T) {
	t.Parallel()

	f := siteFetcher()
	o := newTestOrchestrator(t, f, nil)

	res, err := o.Crawl(context.Background(), Request{
		URL: "https://example.com/",
		Policy: knowledge.CrawlPolicy{
			MaxPages:      10,
			CrawlSubpages: true,
			ExcludePaths:  []string{"/private"},
		},
	}, nil)
	require.NoError(t, err)

	var urls []string
	for _, p := range res.Pages {
		urls = append(urls, p.URL)
	}
	require.Equal(t, []string{
		"https://example.com",
		"https://example.com/a",
		"https://example.com/b",
		"https://www.example.com/c",
	}, urls)
	require.Equal(t, []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://www.example.com/c",
	}, res.Discovered)
	require.Equal(t, 0, f.callCount("https://other.example/x"))
	require.Equal(t, 0, f.callCount("https://example.com/private/secret"))
	require.Equal(t, 1, f.callCount("https://example.com/b"))
}

func TestCrawlIncludePaths(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, siteFetcher(), nil)
	res, err := o.Crawl(context.Background(), Request{
		URL:    "https://example.com",
		Policy: knowledge.CrawlPolicy{MaxPages: 10, CrawlSubpages: true, IncludePaths: []string{"/a*"}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Pages, 2)
	require.Equal(t, "https://example.com/a", res.Pages[1].URL)
}

func TestCrawlRecordsPageErrorsWithoutAborting(t *testing.T) {
	t.Parallel()

	f := siteFetcher()
	f.fail["https://example.com/a"] = errors.New("connection reset")
	f.status["https://example.com/b"] = http.StatusInternalServerError
	o := newTestOrchestrator(t, f, func(_ *Config, d *Dependencies) {
		d.Robots = denyRobots{path: "/c"}
	})

	res, err := o.Crawl(context.Background(), Request{
		URL:    "https://example.com",
		Policy: knowledge.CrawlPolicy{MaxPages: 10, CrawlSubpages: true, ExcludePaths: []string{"/private"}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	require.Equal(t, 4, res.Visited)
	require.Len(t, res.Errors, 3)
	require.Equal(t, "https://example.com/a", res.Errors[0].URL)
	require.Contains(t, res.Errors[0].Error, "connection reset")
	require.Contains(t, res.Errors[1].Error, "status 500")
	require.Contains(t, res.Errors[2].Error, "robots")
}

func TestCrawlValidation(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, siteFetcher(), nil)
	ctx := context.Background()

	_, err := o.Crawl(ctx, Request{URL: ""}, nil)
	require.ErrorIs(t, err, knowledge.ErrInvalidInput)

	_, err = o.Crawl(ctx, Request{URL: "https://blocked.example"}, nil)
	require.ErrorIs(t, err, knowledge.ErrInvalidInput)

	_, err = o.Crawl(ctx, Request{
		URL:    "https://example.com",
		Policy: knowledge.CrawlPolicy{IncludePaths: []string{"/docs/["}},
	}, nil)
	require.ErrorIs(t, err, knowledge.ErrInvalidInput)
}

func TestCrawlUsesCacheAndPersistsPages(t *testing.T) {
	t.Parallel()

	cache, err := crawlcache.New(10, time.Minute)
	require.NoError(t, err)
	blobs := &fakeBlobs{}
	f := siteFetcher()
	o := newTestOrchestrator(t, f, func(c *Config, d *Dependencies) {
		c.PersistPages = true
		d.Cache = cache
		d.Blobs = blobs
		d.Hasher = sha256.New()
	})

	req := Request{SourceID: "src-9", URL: "https://example.com"}
	first, err := o.Crawl(context.Background(), req, nil)
	require.NoError(t, err)
	require.Len(t, first.Pages, 1)
	require.False(t, first.Pages[0].FromCache)
	require.True(t, strings.HasPrefix(first.Pages[0].BlobURI, "memory://pages/src-9/"))

	stored, err := blobs.GetObject(context.Background(), first.Pages[0].BlobURI)
	require.NoError(t, err)
	require.Contains(t, string(stored), "Welcome")

	second, err := o.Crawl(context.Background(), req, nil)
	require.NoError(t, err)
	require.True(t, second.Pages[0].FromCache)
	require.Equal(t, first.Pages[0].BlobURI, second.Pages[0].BlobURI)
	require.Equal(t, 1, f.callCount("https://example.com"))
	require.Equal(t, int64(1), cache.Stats().Hits)
}

func TestCrawlCanceled(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, siteFetcher(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Crawl(ctx, Request{URL: "https://example.com"}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClampPages(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, siteFetcher(), nil)
	require.Equal(t, 25, o.ClampPages(0))
	require.Equal(t, 1, o.ClampPages(-4))
	require.Equal(t, 40, o.ClampPages(40))
	require.Equal(t, 1000, o.ClampPages(50000))
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{Guard: fakeGuard{}})
	require.Error(t, err)
	_, err = New(Config{}, Dependencies{Fetcher: newFakeFetcher()})
	require.Error(t, err)
	_, err = New(Config{PersistPages: true}, Dependencies{Fetcher: newFakeFetcher(), Guard: fakeGuard{}})
	require.Error(t, err)
}

type fetcherFunc func(ctx context.Context, req fetcher.Request) (fetcher.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	return f(ctx, req)
}

type staticResolver map[string][]net.IPAddr

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestCrawlRefusesRedirectToInternalHost(t *testing.T) {
	t.Parallel()

	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/secret" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, page("Metadata", "INTERNAL-ONLY SECRET METADATA"))
			return
		}
		local := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
		http.Redirect(w, r, "http://"+local.String()+"/secret", http.StatusFound)
	}))
	defer internal.Close()

	guard := weburl.NewGuard(weburl.GuardConfig{Resolver: staticResolver{
		"public.example": {{IP: net.ParseIP("93.184.216.34")}},
	}})
	dialer := &net.Dialer{Timeout: time.Second}
	probe := collyfetcher.New(collyfetcher.Config{
		Timeout:       2 * time.Second,
		RedirectGuard: guard.Check,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, internal.Listener.Addr().String())
			},
		},
	})
	o := newTestOrchestrator(t, probe, func(_ *Config, d *Dependencies) { d.Guard = guard })

	res, err := o.Crawl(context.Background(), Request{
		SourceID: "src-redirect",
		URL:      "http://public.example",
		Policy:   knowledge.CrawlPolicy{MaxPages: 1},
	}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Pages)
	require.Len(t, res.Errors, 1)
	require.NotContains(t, res.Errors[0].Error, "SECRET")
}

func TestCrawlChecksFinalURLAfterRedirect(t *testing.T) {
	t.Parallel()

	redirecting := fetcherFunc(func(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
		return fetcher.Response{
			URL:        "https://blocked.example/landing",
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": []string{"text/html"}},
			Body:       []byte(page("Landing", "Should never be extracted.")),
		}, nil
	})
	cache, err := crawlcache.New(10, time.Minute)
	require.NoError(t, err)
	o := newTestOrchestrator(t, redirecting, func(_ *Config, d *Dependencies) { d.Cache = cache })

	res, err := o.Crawl(context.Background(), Request{URL: "https://example.com"}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Pages)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Error, "redirected to https://blocked.example/landing")
	require.Zero(t, cache.Stats().EntriesInMemory)
}
