package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// ChromeLauncher starts headless Chrome processes through chromedp.
type ChromeLauncher struct {
	// ExecPath overrides the Chrome binary; empty lets chromedp search.
	ExecPath  string
	UserAgent string
}

// Launch starts one Chrome process and waits for it to accept commands.
// The process outlives ctx; ctx only bounds the warmup.
func (l ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}
	if l.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warm := make(chan error, 1)
	go func() { warm <- chromedp.Run(browserCtx) }()
	select {
	case err := <-warm:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", ctx.Err())
	}

	return &chromeBrowser{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type chromeBrowser struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// NewTab opens a tab context; chromedp creates the target on first Run.
func (b *chromeBrowser) NewTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(b.browserCtx)
}

func (b *chromeBrowser) Close() error {
	b.browserCancel()
	b.allocCancel()
	return nil
}
