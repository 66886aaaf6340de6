package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/JakeFAU/rag-pipeline/internal/crawler"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
)

func TestRecrawlFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "recrawl",
		ScenarioInitializer: initRecrawlScenario,
		Options: &godog.Options{
			Format:   "progress",
			Paths:    []string{"testdata/features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("recrawl feature scenarios failed")
	}
}

type recrawlWorld struct {
	f      *fixture
	source knowledge.Source
}

func initRecrawlScenario(sc *godog.ScenarioContext) {
	w := &recrawlWorld{}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		f, err := buildFixture()
		if err != nil {
			return ctx, err
		}
		w.f = f
		return ctx, nil
	})

	sc.Step(`^a website source crawled with (\d+) pages of "([^"]*)" content$`, w.crawledWebsite)
	sc.Step(`^the chunk store cannot delete chunks$`, func() error {
		w.f.store.fail(nil, errors.New("connection reset"))
		return nil
	})
	sc.Step(`^the chunk store rejects inserts$`, func() error {
		w.f.store.fail(errors.New("disk full"), nil)
		return nil
	})
	sc.Step(`^the source is re-crawled and the crawler returns (\d+) pages of "([^"]*)" content$`, w.recrawlPages)
	sc.Step(`^the source is re-crawled and the crawler returns no pages$`, func() error {
		w.f.crawler.set(crawler.Result{SeedURL: "https://example.com/docs"}, nil)
		_ = w.f.svc.RecrawlSource(context.Background(), w.source.ID)
		return nil
	})
	sc.Step(`^an operator resolves the source$`, func() error {
		_, err := w.f.svc.Resolve(context.Background(), w.source.ID)
		return err
	})
	sc.Step(`^the source status is "([^"]*)"$`, w.statusIs)
	sc.Step(`^every chunk contains "([^"]*)"$`, w.everyChunkContains)
	sc.Step(`^the source has (\d+) chunks$`, w.chunkCount)
	sc.Step(`^the source error mentions "([^"]*)"$`, w.errorMentions)
	sc.Step(`^cached pages for "([^"]*)" were invalidated$`, func(host string) error {
		if !slices.Contains(w.f.cache.hosts, host) {
			return fmt.Errorf("host %q not invalidated, got %v", host, w.f.cache.hosts)
		}
		return nil
	})
	sc.Step(`^a critical error event was emitted$`, func() error {
		last := w.f.events.last()
		if last.Status != progress.StatusError || !last.Critical {
			return fmt.Errorf("last event = %+v", last)
		}
		return nil
	})
}

func (w *recrawlWorld) crawledWebsite(n int, label string) error {
	ctx := context.Background()
	src, err := w.f.svc.Register(ctx, "agent-1", Registration{
		Type: knowledge.SourceTypeWebsite,
		URL:  "https://example.com/docs",
	})
	if err != nil {
		return err
	}
	w.source = src
	w.f.crawler.set(pages(label, n), nil)
	return w.f.svc.CrawlSource(ctx, src.ID)
}

func (w *recrawlWorld) recrawlPages(n int, label string) error {
	w.f.crawler.set(pages(label, n), nil)
	// failures are asserted through the resulting source state
	_ = w.f.svc.RecrawlSource(context.Background(), w.source.ID)
	return nil
}

func (w *recrawlWorld) statusIs(want string) error {
	src, err := w.f.store.GetSource(context.Background(), w.source.ID)
	if err != nil {
		return err
	}
	if string(src.Status) != want {
		return fmt.Errorf("status = %s (error %q), want %s", src.Status, src.Metadata.Error, want)
	}
	return nil
}

func (w *recrawlWorld) everyChunkContains(text string) error {
	chunks, err := w.f.store.ListChunks(context.Background(), w.source.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return errors.New("source has no chunks")
	}
	for _, ch := range chunks {
		if !strings.Contains(ch.Content, text) {
			return fmt.Errorf("chunk %d does not contain %q: %q", ch.Position, text, ch.Content)
		}
	}
	return nil
}

func (w *recrawlWorld) chunkCount(want int) error {
	n, err := w.f.store.CountChunks(context.Background(), w.source.ID)
	if err != nil {
		return err
	}
	if n != want {
		return fmt.Errorf("chunks = %d, want %d", n, want)
	}
	return nil
}

func (w *recrawlWorld) errorMentions(text string) error {
	src, err := w.f.store.GetSource(context.Background(), w.source.ID)
	if err != nil {
		return err
	}
	if !strings.Contains(src.Metadata.Error, text) {
		return fmt.Errorf("error %q does not mention %q", src.Metadata.Error, text)
	}
	return nil
}
