// Package browser defines the automation driver contract the portal
// scrapers are written against. The chromedp implementation lives in
// chrome.go, tests substitute fakes.
package browser

import (
	"context"
	"strings"
	"time"
)

type Cookie struct {
	Name  string
	Value string
}

// joins cookies into the `name=value; name=value` header form expected
// by the portal's API surface, no trailing separator
func JoinCookies(cookies []Cookie) string {
	pairs := make([]string, len(cookies))
	for i, c := range cookies {
		pairs[i] = c.Name + "=" + c.Value
	}
	return strings.Join(pairs, "; ")
}

// Response mirrors the driver's navigation response. A nil *Response
// with a nil error means the driver produced no response object at all.
type Response struct {
	Status int
}

func (r *Response) Ok() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

type NavigateOptions struct {
	Timeout time.Duration
	// wait for the network to go quiet instead of just the load event
	NetworkIdle bool
}

type NavigateOption func(*NavigateOptions)

func WithTimeout(d time.Duration) NavigateOption {
	return func(o *NavigateOptions) {
		o.Timeout = d
	}
}

func WithNetworkIdle() NavigateOption {
	return func(o *NavigateOptions) {
		o.NetworkIdle = true
	}
}

func BuildNavigateOptions(opts []NavigateOption) NavigateOptions {
	out := NavigateOptions{}
	for _, o := range opts {
		o(&out)
	}
	return out
}

type Page interface {
	Navigate(ctx context.Context, url string, opts ...NavigateOption) (*Response, error)
	// full markup of the current document
	Content(ctx context.Context) (string, error)
	// blocks until the selector matches a visible element, the deadline
	// comes from ctx
	WaitVisible(ctx context.Context, selector string) error
	// non-blocking visibility probe
	IsVisible(ctx context.Context, selector string) (bool, error)
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	// blocks until the next page load settles, used after clicks that
	// trigger a navigation
	WaitNavigation(ctx context.Context, opts ...NavigateOption) error
	Close(ctx context.Context) error
}

type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	// every open page, in creation order
	Pages(ctx context.Context) ([]Page, error)
	// cookies scoped to the given url
	Cookies(ctx context.Context, url string) ([]Cookie, error)
}
