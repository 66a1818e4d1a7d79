package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

type ChromeOptions struct {
	Headless    bool   `json:"headless"`
	ExecPath    string `json:"exec_path"`
	UserDataDir string `json:"user_data_dir"`
}

// Chrome drives a single chromium instance over CDP.
type Chrome struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ Browser = (*Chrome)(nil)

func Launch(ctx context.Context, opts ChromeOptions) (*Chrome, error) {
	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserDataDir != "" {
		// a persistent profile keeps Duo's device trust cookie across
		// process restarts
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// forces the browser process to start so later Targets() calls see it
	err := chromedp.Run(browserCtx)
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}

	return &Chrome{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (c *Chrome) Close() error {
	err := chromedp.Cancel(c.browserCtx)
	c.browserCancel()
	c.allocCancel()
	return err
}

func (c *Chrome) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(c.browserCtx)
	err := chromedp.Run(tabCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	return &chromePage{ctx: tabCtx, cancel: cancel}, nil
}

func (c *Chrome) Pages(ctx context.Context) ([]Page, error) {
	targets, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return nil, err
	}

	var pages []Page
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		tabCtx, cancel := chromedp.NewContext(
			c.browserCtx,
			chromedp.WithTargetID(t.TargetID),
		)
		pages = append(pages, &chromePage{ctx: tabCtx, cancel: cancel})
	}
	return pages, nil
}

func (c *Chrome) Cookies(ctx context.Context, url string) ([]Cookie, error) {
	var out []Cookie
	err := chromedp.Run(c.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithUrls([]string{url}).Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, Cookie{Name: c.Name, Value: c.Value})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Page = (*chromePage)(nil)

// chromedp actions must run against the tab's own context, so the
// caller's context only contributes its deadline
func (p *chromePage) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(p.ctx, deadline)
	}
	return context.WithCancel(p.ctx)
}

func (p *chromePage) Navigate(ctx context.Context, url string, opts ...NavigateOption) (*Response, error) {
	o := BuildNavigateOptions(opts)

	tctx := p.ctx
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(p.ctx, o.Timeout)
		defer cancel()
	}

	res, err := chromedp.RunResponse(tctx, chromedp.Navigate(url))
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	if o.NetworkIdle {
		err = waitNetworkSettled(tctx)
		if err != nil {
			return nil, err
		}
	}
	return &Response{Status: int(res.Status)}, nil
}

// CDP has no first-class network-idle signal, so settle on readyState
// plus a quiet window
func waitNetworkSettled(ctx context.Context) error {
	err := chromedp.Run(ctx, chromedp.Poll(
		`document.readyState === "complete"`,
		nil,
		chromedp.WithPollingInterval(time.Millisecond*100),
	))
	if err != nil {
		return err
	}
	select {
	case <-time.After(time.Millisecond * 500):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	tctx, cancel := p.bounded(ctx)
	defer cancel()

	var html string
	err := chromedp.Run(tctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if err != nil {
		return "", err
	}
	return html, nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	tctx, cancel := p.bounded(ctx)
	defer cancel()
	return chromedp.Run(tctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

const visibleProbe = `(() => {
	const el = document.querySelector(%q);
	if (el === null) {
		return false;
	}
	const style = window.getComputedStyle(el);
	return style.display !== "none" &&
		style.visibility !== "hidden" &&
		el.offsetParent !== null;
})()`

func (p *chromePage) IsVisible(ctx context.Context, selector string) (bool, error) {
	tctx, cancel := p.bounded(ctx)
	defer cancel()

	var visible bool
	err := chromedp.Run(tctx, chromedp.Evaluate(
		fmt.Sprintf(visibleProbe, selector),
		&visible,
	))
	if err != nil {
		return false, err
	}
	return visible, nil
}

func (p *chromePage) Type(ctx context.Context, selector, text string) error {
	tctx, cancel := p.bounded(ctx)
	defer cancel()
	return chromedp.Run(tctx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	tctx, cancel := p.bounded(ctx)
	defer cancel()
	return chromedp.Run(tctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) WaitNavigation(ctx context.Context, opts ...NavigateOption) error {
	o := BuildNavigateOptions(opts)

	tctx := p.ctx
	var cancel context.CancelFunc
	if o.Timeout > 0 {
		tctx, cancel = context.WithTimeout(p.ctx, o.Timeout)
	} else {
		tctx, cancel = context.WithCancel(p.ctx)
	}
	defer cancel()

	loaded := make(chan struct{}, 1)
	chromedp.ListenTarget(tctx, func(ev interface{}) {
		if _, ok := ev.(*page.EventLoadEventFired); ok {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})

	select {
	case <-loaded:
	case <-tctx.Done():
		return tctx.Err()
	}

	if o.NetworkIdle {
		return waitNetworkSettled(tctx)
	}
	return nil
}

func (p *chromePage) Close(ctx context.Context) error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	return err
}
