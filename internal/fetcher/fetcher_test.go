package fetcher

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubFetcher struct {
	resp  Response
	err   error
	calls atomic.Int64
}

func (s *stubFetcher) Fetch(context.Context, Request) (Response, error) {
	s.calls.Add(1)
	return s.resp, s.err
}

type fixedDetector bool

func (d fixedDetector) ShouldPromote(Response) bool { return bool(d) }

func TestAutoModes(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: Response{Body: []byte("probe")}}
	headless := &stubFetcher{resp: Response{Body: []byte("rendered"), UsedHeadless: true}}

	never, err := NewAuto(RenderNever, probe, headless, fixedDetector(true), zap.NewNop())
	require.NoError(t, err)
	resp, err := never.Fetch(context.Background(), Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, "probe", string(resp.Body))

	always, err := NewAuto(RenderAlways, probe, headless, nil, nil)
	require.NoError(t, err)
	resp, err = always.Fetch(context.Background(), Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.True(t, resp.UsedHeadless)
}

func TestAutoPromotesOnDetector(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: Response{StatusCode: 200, Body: []byte(`<div id="root"></div>`)}}
	headless := &stubFetcher{resp: Response{StatusCode: 200, Body: []byte("<p>rendered</p>"), UsedHeadless: true}}

	auto, err := NewAuto(RenderAuto, probe, headless, NewHeuristic(0), zap.NewNop())
	require.NoError(t, err)
	resp, err := auto.Fetch(context.Background(), Request{URL: "https://spa.example"})
	require.NoError(t, err)
	require.True(t, resp.UsedHeadless)
	require.Equal(t, int64(1), probe.calls.Load())
	require.Equal(t, int64(1), headless.calls.Load())
}

func TestAutoFallsBackToProbeWhenRenderFails(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: Response{StatusCode: 200, Body: []byte("shell")}}
	headless := &stubFetcher{err: errors.New("acquire timed out")}

	auto, err := NewAuto(RenderAuto, probe, headless, fixedDetector(true), zap.NewNop())
	require.NoError(t, err)
	resp, err := auto.Fetch(context.Background(), Request{URL: "https://spa.example"})
	require.NoError(t, err)
	require.Equal(t, "shell", string(resp.Body))
	require.False(t, resp.UsedHeadless)
}

func TestAutoWithoutHeadlessUsesProbe(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: Response{StatusCode: 200}}
	auto, err := NewAuto(RenderAlways, probe, nil, fixedDetector(true), nil)
	require.NoError(t, err)
	_, err = auto.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, int64(1), probe.calls.Load())
}

func TestNewAutoValidates(t *testing.T) {
	t.Parallel()

	_, err := NewAuto(RenderAuto, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = NewAuto("sometimes", &stubFetcher{}, nil, nil, nil)
	require.Error(t, err)
}

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.False(t, h.ShouldPromote(Response{StatusCode: 404}))
	require.True(t, h.ShouldPromote(Response{StatusCode: 200}))
	require.True(t, h.ShouldPromote(Response{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)}))
	require.True(t, h.ShouldPromote(Response{
		StatusCode: 200,
		Body:       []byte(`<html><script>` + strings.Repeat("x", 200) + `</script><p>hi</p></html>`),
	}))

	article := "<html><body><article>" + strings.Repeat("<p>Plain server rendered prose.</p>", 100) + "</article></body></html>"
	require.False(t, h.ShouldPromote(Response{StatusCode: 200, Body: []byte(article)}))
}

func TestResponseContentType(t *testing.T) {
	t.Parallel()

	require.Empty(t, Response{}.ContentType())
	resp := Response{Headers: http.Header{"Content-Type": {"text/html; charset=utf-8"}}}
	require.Equal(t, "text/html; charset=utf-8", resp.ContentType())
}
